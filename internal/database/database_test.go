package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURLPrefersConfigured(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env")
	got, err := ResolveURL("postgres://configured")
	require.NoError(t, err)
	assert.Equal(t, "postgres://configured", got)

	got, err = ResolveURL("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", got)
}

func TestResolveURLFromEnvFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("# local\nOTHER=1\nDATABASE_URL = \"postgres://from-file\"\n"), 0o600))
	t.Chdir(nested)

	got, err := ResolveURL("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-file", got)
}

func TestMigrateAgainstPostgres(t *testing.T) {
	url := os.Getenv("MEETWISE_TEST_DATABASE_URL")
	if url == "" || testing.Short() {
		t.Skip("set MEETWISE_TEST_DATABASE_URL to run postgres tests")
	}
	ctx := context.Background()
	db, err := Open(ctx, url)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db))
	// idempotent
	require.NoError(t, Migrate(ctx, db))
}
