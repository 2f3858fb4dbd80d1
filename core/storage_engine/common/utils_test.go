package common

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRandomFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestCopyThrottledVerifies(t *testing.T) {
	src := writeRandomFile(t, 3*chunkSize+123)
	dst := filepath.Join(t.TempDir(), "dst.bin")

	digest, err := CopyThrottled(context.Background(), src, dst, 0, true)
	require.NoError(t, err)
	want, err := FileDigest(src)
	require.NoError(t, err)
	require.Equal(t, want, digest)

	a, err := os.ReadFile(src)
	require.NoError(t, err)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.True(t, bytes.Equal(a, b))
}

func TestCopyThrottledHonorsContext(t *testing.T) {
	src := writeRandomFile(t, 4096)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, filepath.Join(t.TempDir(), "dst.bin"), 1024, false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompressRoundTrip(t *testing.T) {
	src := writeRandomFile(t, 64*1024)
	var buf bytes.Buffer
	n, err := CompressTo(context.Background(), &buf, src)
	require.NoError(t, err)
	require.Equal(t, int64(64*1024), n)

	dst := filepath.Join(t.TempDir(), "restored.bin")
	_, err = Decompress(&buf, dst)
	require.NoError(t, err)
	a, err := FileDigest(src)
	require.NoError(t, err)
	b, err := FileDigest(dst)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
