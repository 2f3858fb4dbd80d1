package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// (unlimited when <= 0) and returns the blake3 digest of the copied bytes.
// With verify set the destination is read back and its digest compared.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	sum := blake3.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return nil, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	digest := sum.Sum(nil)

	if verify {
		got, err := FileDigest(dstPath)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(got, digest) {
			return nil, fmt.Errorf("verify %s: digest %x, expected %x", dstPath, got, digest)
		}
	}
	return digest, nil
}

// FileDigest returns the blake3 digest of a file.
func FileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sum := blake3.New()
	if _, err := io.Copy(sum, f); err != nil {
		return nil, fmt.Errorf("digest %s: %w", path, err)
	}
	return sum.Sum(nil), nil
}

// CompressTo streams srcPath into w as xz and returns the number of input
// bytes.
func CompressTo(ctx context.Context, w io.Writer, srcPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	zw, err := xz.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("xz writer: %w", err)
	}
	n, err := io.Copy(zw, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		zw.Close()
		return n, fmt.Errorf("compress %s: %w", srcPath, err)
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("xz close: %w", err)
	}
	return n, nil
}

// Decompress restores an xz stream written by CompressTo into dstPath.
func Decompress(r io.Reader, dstPath string) (int64, error) {
	zr, err := xz.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("xz reader: %w", err)
	}
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()
	n, err := io.Copy(dst, zr)
	if err != nil {
		return n, fmt.Errorf("decompress: %w", err)
	}
	return n, dst.Sync()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
