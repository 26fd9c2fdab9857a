package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubFaceMatcher struct {
	matched bool
	err     error
	calls   int
}

func (m *stubFaceMatcher) Match(_ context.Context, _, _ string) (bool, error) {
	m.calls++
	return m.matched, m.err
}

func newTestService(t *testing.T, faces FaceMatcher) *Service {
	t.Helper()

	tokens, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	svc, err := NewService(NewMemoryStore(), tokens, faces, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

func TestSignupIssuesSession(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil)

	sess, err := svc.Signup(context.Background(), SignupInput{
		Username: "alice",
		Email:    "Alice@Example.com",
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	require.Equal(t, "alice@example.com", sess.User.Email)
	require.NotEmpty(t, sess.User.ID)

	id, err := svc.Verifier().Verify(context.Background(), sess.Token)
	require.NoError(t, err)
	require.Equal(t, sess.User.ID, id.UserID)
}

func TestSignupValidation(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil)

	_, err := svc.Signup(context.Background(), SignupInput{Username: "alice", Email: "no-at-sign", Password: "long enough pw"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Signup(context.Background(), SignupInput{Username: "", Email: "a@b.com", Password: "long enough pw"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Signup(context.Background(), SignupInput{Username: "alice", Email: "a@b.com", Password: "short"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSignupDuplicateEmail(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil)

	_, err := svc.Signup(context.Background(), SignupInput{Username: "alice", Email: "a@b.com", Password: "long enough pw"})
	require.NoError(t, err)

	_, err = svc.Signup(context.Background(), SignupInput{Username: "alice2", Email: "A@B.com", Password: "long enough pw"})
	require.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Signup(context.Background(), SignupInput{Username: "alice", Email: "c@d.com", Password: "long enough pw"})
	require.ErrorIs(t, err, ErrUsernameTaken)
}

func TestLoginCollapsesFailureModes(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil)

	_, err := svc.Signup(context.Background(), SignupInput{Username: "alice", Email: "a@b.com", Password: "long enough pw"})
	require.NoError(t, err)

	// Unknown account and wrong password are indistinguishable.
	_, err = svc.Login(context.Background(), LoginInput{Email: "nobody@b.com", Password: "long enough pw"})
	require.ErrorIs(t, err, ErrLoginFailed)

	_, err = svc.Login(context.Background(), LoginInput{Email: "a@b.com", Password: "wrong password"})
	require.ErrorIs(t, err, ErrLoginFailed)

	sess, err := svc.Login(context.Background(), LoginInput{Email: "A@B.com", Password: "long enough pw"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
}

func TestLoginFaceCheck(t *testing.T) {
	t.Parallel()

	matcher := &stubFaceMatcher{matched: false}
	svc := newTestService(t, matcher)

	_, err := svc.Signup(context.Background(), SignupInput{
		Username:     "alice",
		Email:        "a@b.com",
		Password:     "long enough pw",
		FaceTemplate: "stored-template",
	})
	require.NoError(t, err)

	// Face mismatch fails the login even with the right password.
	_, err = svc.Login(context.Background(), LoginInput{
		Email:        "a@b.com",
		Password:     "long enough pw",
		FaceTemplate: "fresh-template",
	})
	require.ErrorIs(t, err, ErrLoginFailed)
	require.Equal(t, 1, matcher.calls)

	// Oracle errors also collapse into the generic failure.
	matcher.err = errors.New("service down")
	_, err = svc.Login(context.Background(), LoginInput{
		Email:        "a@b.com",
		Password:     "long enough pw",
		FaceTemplate: "fresh-template",
	})
	require.ErrorIs(t, err, ErrLoginFailed)

	// No template supplied skips the face factor.
	matcher.err = nil
	_, err = svc.Login(context.Background(), LoginInput{Email: "a@b.com", Password: "long enough pw"})
	require.NoError(t, err)
}
