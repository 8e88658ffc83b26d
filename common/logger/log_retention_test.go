package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteExpiredLogFiles(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, age time.Duration) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("log line\n"), 0o644))
		ts := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, ts, ts))
		return path
	}

	expired := write("keyarbiter-20250101.log", 10*24*time.Hour)
	fresh := write("keyarbiter-20250610.log", time.Hour)
	unrelated := write("notes.txt", 10*24*time.Hour)

	require.NoError(t, deleteExpiredLogFiles(7, dir))

	assert.NoFileExists(t, expired)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated, "only .log files are cleaned up")
}

func TestDeleteExpiredLogFilesMissingDir(t *testing.T) {
	require.NoError(t, deleteExpiredLogFiles(7, filepath.Join(t.TempDir(), "does-not-exist")))
}
