package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestObjectStore(t *testing.T) (*LocalObjectStore, string) {
	t.Helper()
	dir := t.TempDir()
	objectStore, err := NewLocalObjectStore(dir)
	require.NoError(t, err)
	return objectStore, dir
}

func TestLocalObjectStore_PutObject(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	bucket := "uploads"
	key := "samples/cluster_cov.fasta"
	content := []byte(">seq1\nACGT\n")

	err := objectStore.PutObject(context.Background(), bucket, key, bytes.NewReader(content))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, bucket, "samples", "cluster_cov.fasta"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestLocalObjectStore_DownloadObject(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	content := []byte(">seq1\nACGT\n")
	require.NoError(t, objectStore.PutObject(ctx, "uploads", "a.fasta", bytes.NewReader(content)))

	dest := filepath.Join(t.TempDir(), "work", "a.fasta")
	require.NoError(t, objectStore.DownloadObject(ctx, "uploads", "a.fasta", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestLocalObjectStore_ObjectsExist(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	exists, err := objectStore.ObjectsExist(ctx, "datasets", "sars-cov-2")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, objectStore.PutObject(ctx, "datasets", "sars-cov-2/tree.json", bytes.NewReader([]byte("{}"))))

	exists, err = objectStore.ObjectsExist(ctx, "datasets", "sars-cov-2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLocalObjectStore_UploadDownloadDir(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	srcDir := t.TempDir()
	files := []string{"reference.fasta", "tree.json", "qc/config.json"}
	for _, file := range files {
		path := filepath.Join(srcDir, file)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
		require.NoError(t, os.WriteFile(path, []byte("content"), os.ModePerm))
	}

	require.NoError(t, objectStore.UploadDir(ctx, "datasets", "sars-cov-2", srcDir))

	destDir := filepath.Join(t.TempDir(), "dataset")
	require.NoError(t, objectStore.DownloadDir(ctx, "datasets", "sars-cov-2", destDir, false))

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(destDir, file))
		require.NoError(t, err)
		assert.Equal(t, "content", string(data))
	}
}

func TestLocalObjectStore_DownloadDir_Overwrite(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "file1.txt"), []byte("new"), os.ModePerm))
	require.NoError(t, objectStore.UploadDir(ctx, "datasets", "d", srcDir))

	destDir := t.TempDir()
	destFile := filepath.Join(destDir, "file1.txt")
	require.NoError(t, os.WriteFile(destFile, []byte("original"), os.ModePerm))

	err := objectStore.DownloadDir(ctx, "datasets", "d", destDir, false)
	require.Error(t, err)
	data, err := os.ReadFile(destFile)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "file should not be overwritten when overwrite=false")

	require.NoError(t, objectStore.DownloadDir(ctx, "datasets", "d", destDir, true))
	data, err = os.ReadFile(destFile)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestLocalObjectStore_DeleteObjects(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)
	ctx := context.Background()

	require.NoError(t, objectStore.PutObject(ctx, "results", "run1/sample1/nextclade.tsv", bytes.NewReader([]byte("x"))))
	require.NoError(t, objectStore.PutObject(ctx, "results", "run2/sample1/nextclade.tsv", bytes.NewReader([]byte("x"))))

	require.NoError(t, objectStore.DeleteObjects(ctx, "results", "run1"))

	exists, err := objectStore.ObjectsExist(ctx, "results", "run1")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = objectStore.ObjectsExist(ctx, "results", "run2")
	require.NoError(t, err)
	assert.True(t, exists)
}
