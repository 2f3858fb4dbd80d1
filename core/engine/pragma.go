package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Pragma names.
const (
	PragmaUserVersion = "USER_VERSION"
	PragmaTimeout     = "TIMEOUT"
	PragmaCheckpoint  = "CHECKPOINT"
	PragmaCollation   = "COLLATION"
	PragmaReadOnly    = "READONLY"
)

// Pragma returns the committed value of a file pragma.
func (e *Engine) Pragma(name string) (any, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	rt.HeaderMu.Lock()
	p := rt.Header.Pragmas
	rt.HeaderMu.Unlock()

	switch strings.ToUpper(name) {
	case PragmaUserVersion:
		return p.UserVersion, nil
	case PragmaTimeout:
		return p.Timeout, nil
	case PragmaCheckpoint:
		return p.CheckpointSize, nil
	case PragmaCollation:
		return p.Collation, nil
	case PragmaReadOnly:
		return p.ReadOnly, nil
	}
	return nil, fmt.Errorf("%w: unknown pragma %q", dberror.ErrInvalidPragma, name)
}

// SetPragma changes a file pragma. A new collation reorders every index, so
// it rebuilds the file.
func (e *Engine) SetPragma(ctx context.Context, name string, value any) error {
	name = strings.ToUpper(name)
	if name == PragmaCollation {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string, got %T", dberror.ErrInvalidPragma, name, value)
		}
		if _, err := document.NewCollation(s); err != nil {
			return err
		}
		_, err := e.Rebuild(ctx, RebuildOptions{Collation: &s})
		return err
	}

	edit, err := pragmaEdit(name, value)
	if err != nil {
		return err
	}
	err = e.Update(ctx, func(tx *Txn) error {
		return tx.tx.EditHeader(edit)
	})
	if err == nil {
		e.logger.Info("pragma changed", zap.String("pragma", name), zap.Any("value", value))
	}
	return err
}

func pragmaEdit(name string, value any) (func(*pagemanager.HeaderPage), error) {
	switch name {
	case PragmaUserVersion:
		n, err := pragmaInt(name, value, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return func(h *pagemanager.HeaderPage) { h.Pragmas.UserVersion = int32(n) }, nil
	case PragmaTimeout:
		d, err := pragmaDuration(value)
		if err != nil {
			return nil, err
		}
		return func(h *pagemanager.HeaderPage) { h.Pragmas.Timeout = d }, nil
	case PragmaCheckpoint:
		n, err := pragmaInt(name, value, 0, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		return func(h *pagemanager.HeaderPage) { h.Pragmas.CheckpointSize = uint32(n) }, nil
	case PragmaReadOnly:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a bool, got %T", dberror.ErrInvalidPragma, name, value)
		}
		return func(h *pagemanager.HeaderPage) { h.Pragmas.ReadOnly = b }, nil
	}
	return nil, fmt.Errorf("%w: unknown pragma %q", dberror.ErrInvalidPragma, name)
}

func pragmaInt(name string, value any, lo, hi int64) (int64, error) {
	var n int64
	switch v := value.(type) {
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", dberror.ErrInvalidPragma, name, err)
		}
		n = parsed
	default:
		dv, err := document.ValueOf(value)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", dberror.ErrInvalidPragma, name, err)
		}
		i, ok := dv.AsInt64()
		if !ok {
			return 0, fmt.Errorf("%w: %s wants an integer, got %T", dberror.ErrInvalidPragma, name, value)
		}
		n = i
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s value %d out of range", dberror.ErrInvalidPragma, name, n)
	}
	return n, nil
}

// pragmaDuration accepts a time.Duration, a duration string or whole seconds.
func pragmaDuration(value any) (time.Duration, error) {
	var d time.Duration
	switch v := value.(type) {
	case time.Duration:
		d = v
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			secs, ierr := strconv.Atoi(v)
			if ierr != nil {
				return 0, fmt.Errorf("%w: %s: %v", dberror.ErrInvalidPragma, PragmaTimeout, err)
			}
			parsed = time.Duration(secs) * time.Second
		}
		d = parsed
	default:
		secs, err := pragmaInt(PragmaTimeout, value, 1, math.MaxInt32)
		if err != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	// The header keeps whole seconds.
	if d < time.Second {
		return 0, fmt.Errorf("%w: %s must be at least one second", dberror.ErrInvalidPragma, PragmaTimeout)
	}
	return d.Truncate(time.Second), nil
}
