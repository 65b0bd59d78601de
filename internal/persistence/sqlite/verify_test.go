package sqlite

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyIntegrityHealthyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthy.sqlite")

	db, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(path, "quick")
	require.NoError(t, err)
	require.Nil(t, issues)
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.sqlite")

	db, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	filler := strings.Repeat("x", 512)
	for i := 0; i < 64; i++ {
		_, err = db.Exec("INSERT INTO t (body) VALUES (?)", filler)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// Scribble over the second page; the first page holds the file header.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	junk := make([]byte, 128)
	_, err = rand.Read(junk)
	require.NoError(t, err)
	_, err = f.WriteAt(junk, 4096)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	issues, err := VerifyIntegrity(path, "full")
	require.NoError(t, err)
	require.NotEmpty(t, issues)
}
