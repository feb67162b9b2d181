package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestion-scheduler/internal/config"
)

func TestResultKeySanitised(t *testing.T) {
	assert.Equal(t, "jobs/j1/batches/b1.json", resultKey("j1", "b1"))
	assert.Equal(t, "etc/passwd", sanitizeKey("/../../etc/passwd"))
	assert.Equal(t, "a/b", sanitizeKey("./a/b"))
}

func TestNewResultArchiveSelection(t *testing.T) {
	ctx := context.Background()

	a, err := NewResultArchive(ctx, config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	dir := t.TempDir()
	a, err = NewResultArchive(ctx, config.Config{ResultDir: dir})
	require.NoError(t, err)
	require.IsType(t, &localArchive{}, a)

	loc, err := a.Put(ctx, "jobs/x/batches/y.json", []byte(`{}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "jobs", "x", "batches", "y.json"), loc)
	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	a, err = NewResultArchive(ctx, config.Config{ResultS3Bucket: "results", ResultS3Region: "us-east-1", ResultS3Endpoint: "http://localhost:9000", ResultS3PathStyle: true})
	require.NoError(t, err)
	assert.IsType(t, &s3Archive{}, a)
}
