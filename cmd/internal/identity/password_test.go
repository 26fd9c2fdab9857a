package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("correct horse battery", DefaultArgon2idParams())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := VerifyPassword(hash, "correct horse battery")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword(hash, "wrong password")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashPasswordRejectsShort(t *testing.T) {
	t.Parallel()

	_, err := HashPassword("short", DefaultArgon2idParams())
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	t.Parallel()

	a, err := HashPassword("correct horse battery", DefaultArgon2idParams())
	require.NoError(t, err)
	b, err := HashPassword("correct horse battery", DefaultArgon2idParams())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVerifyPasswordRejectsMalformedHashes(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"not-a-hash",
		"$argon2i$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=0,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA",
	}
	for _, c := range cases {
		_, err := VerifyPassword(c, "whatever")
		require.ErrorIs(t, err, ErrInvalidHash, "hash %q", c)
	}
}

func TestVerifyPasswordRefusesPathologicalParams(t *testing.T) {
	t.Parallel()

	// m far above the configured ceiling must be refused before hashing.
	_, err := VerifyPassword("$argon2id$v=19$m=4194304,t=3,p=2$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA", "pw")
	require.ErrorIs(t, err, ErrInvalidHash)
}
