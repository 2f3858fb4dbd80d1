package dberror

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("%w: collection %q", ErrCollectionNotFound, "users")
	require.Equal(t, CodeStateError, CodeOf(err))
	require.True(t, Is(err, CodeStateError))
	require.False(t, Is(err, CodeIOFailure))
	require.ErrorIs(t, err, ErrCollectionNotFound)

	require.Equal(t, CodeUnknown, CodeOf(io.EOF))
	require.False(t, Is(nil, CodeUnknown))
}

func TestIO(t *testing.T) {
	require.NoError(t, IO("read", nil))

	err := IO("write page 3", io.ErrShortWrite)
	require.True(t, Is(err, CodeIOFailure))
	require.ErrorIs(t, err, ErrIO)
	require.Contains(t, err.Error(), "write page 3")
	require.Contains(t, err.Error(), io.ErrShortWrite.Error())

	_, statErr := os.Stat("/nonexistent/gojolite.db")
	err = IO("stat data file", statErr)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ErrorIs(t, err, ErrIO)
}

func TestErrorFormat(t *testing.T) {
	require.Equal(t, "ConcurrencyTimeout (120): lock not acquired within timeout", ErrLockTimeout.Error())

	cause := errors.New("disk gone")
	err := New(CodeIOFailure, "flush", cause)
	require.Equal(t, "IOFailure (101): flush: disk gone", err.Error())
	require.ErrorIs(t, err, cause)
	require.Equal(t, "Unknown", Code(7).String())
}
