package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("VISAGE_TEST_STR", "  value  ")
	if got := EnvString("VISAGE_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvString("VISAGE_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default=%q", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("VISAGE_TEST_BOOL", "true")
	if !EnvBool("VISAGE_TEST_BOOL", false) {
		t.Fatalf("EnvBool true")
	}
	t.Setenv("VISAGE_TEST_BOOL", "not-a-bool")
	if !EnvBool("VISAGE_TEST_BOOL", true) {
		t.Fatalf("EnvBool should fall back on parse error")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("VISAGE_TEST_INT", "42")
	if got := EnvInt("VISAGE_TEST_INT", 7); got != 42 {
		t.Fatalf("EnvInt=%d", got)
	}
	t.Setenv("VISAGE_TEST_INT", "-1")
	if got := EnvInt("VISAGE_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt should refuse non-positive values, got %d", got)
	}
}

func TestEnvInt32(t *testing.T) {
	t.Setenv("VISAGE_TEST_INT32", "0")
	if got := EnvInt32("VISAGE_TEST_INT32", 5); got != 0 {
		t.Fatalf("EnvInt32 zero is valid, got %d", got)
	}
	t.Setenv("VISAGE_TEST_INT32", "-3")
	if got := EnvInt32("VISAGE_TEST_INT32", 5); got != 5 {
		t.Fatalf("EnvInt32 should refuse negatives, got %d", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("VISAGE_TEST_DUR", "90s")
	if got := EnvDuration("VISAGE_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("EnvDuration=%s", got)
	}
	t.Setenv("VISAGE_TEST_DUR", "banana")
	if got := EnvDuration("VISAGE_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration should fall back on parse error, got %s", got)
	}
	t.Setenv("VISAGE_TEST_DUR", "-5s")
	if got := EnvDuration("VISAGE_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration should refuse non-positive values, got %s", got)
	}
}
