package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/config"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/core/query"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

func TestSplitArgs(t *testing.T) {
	require.Equal(t, []string{"insert", "c", `{"a": "b c"}`}, splitArgs(`insert c '{"a": "b c"}'`))
	require.Equal(t, []string{"find", "c"}, splitArgs("find   c "))
	require.Empty(t, splitArgs(""))
}

func TestParseQuery(t *testing.T) {
	q, err := parseQuery([]string{"age", ">=", "30", "desc"})
	require.NoError(t, err)
	require.Equal(t, query.OpGTE, q.Op)
	require.Equal(t, document.Int(30), q.Value)
	require.Equal(t, query.Descending, q.Order)

	q, err = parseQuery([]string{"name", "=", "bob"})
	require.NoError(t, err)
	require.Equal(t, document.String("bob"), q.Value)

	q, err = parseQuery(nil)
	require.NoError(t, err)
	require.Equal(t, query.OpAll, q.Op)

	_, err = parseQuery([]string{"n", "between", "1"})
	require.Error(t, err)
	_, err = parseQuery([]string{"n", "~", "1"})
	require.Error(t, err)
}

func TestShellSession(t *testing.T) {
	ctx := context.Background()
	s := config.Default()
	s.Filename = filepath.Join(t.TempDir(), "cli.db")
	db, err := engine.Open(ctx, s, engine.WithLogger(zap.NewNop()), engine.WithMetrics(telemetry.NoopStorageMetrics()))
	require.NoError(t, err)
	defer db.Close(ctx)

	var out bytes.Buffer
	sh := &shell{db: db, out: &out}
	for _, line := range []string{
		`insert people '{"_id": 1, "name": "ann", "age": 31}'`,
		`insert people '{"_id": 2, "name": "bob", "age": 25}'`,
		`index people age`,
		`count people age > 30`,
		`find people name startswith b`,
		`pragma user_version 3`,
	} {
		require.NoError(t, sh.run(ctx, splitArgs(line)), line)
	}
	require.Contains(t, out.String(), "index age created")
	require.Contains(t, out.String(), `{"_id":2,"age":25,"name":"bob"}`)
	require.Contains(t, out.String(), "1 document(s)")
	require.Contains(t, out.String(), "USER_VERSION = 3")

	require.ErrorIs(t, sh.run(ctx, []string{"exit"}), errExit)
	require.Error(t, sh.run(ctx, []string{"bogus"}))
	require.Error(t, sh.run(ctx, []string{"insert", "people"}))
}
