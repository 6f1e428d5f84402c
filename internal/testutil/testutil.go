package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// envTestFile holds TEST_DATABASE_URL for local integration runs
const envTestFile = ".env.test"

// DatabaseURL returns the PostgreSQL URL for integration tests or skips the
// test when none is configured. CI sets DATABASE_URL directly; locally the
// value comes from TEST_DATABASE_URL, in the environment or in .env.test.
func DatabaseURL(t testing.TB) string {
	t.Helper()

	for _, key := range []string{"DATABASE_URL", "TEST_DATABASE_URL"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}

	if path := findUp(envTestFile, 5); path != "" {
		envMap, err := godotenv.Read(path)
		if err != nil {
			t.Logf("failed to read %s: %v", path, err)
		} else if v := envMap["TEST_DATABASE_URL"]; v != "" {
			return v
		}
	}

	t.Skip("no DATABASE_URL or TEST_DATABASE_URL, skipping integration test")
	return ""
}

// findUp looks for name in the working directory and up to depth parents
func findUp(name string, depth int) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for range depth + 1 {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
