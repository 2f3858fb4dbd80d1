package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/core/query"
)

var errExit = errors.New("exit")

type shell struct {
	db  *engine.Engine
	out io.Writer
}

type command struct {
	name  string
	usage string
	min   int
	run   func(s *shell, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"collections", "collections", 0, (*shell).collections},
		{"count", "count <col> [field op value [value]]", 1, (*shell).count},
		{"insert", "insert <col> '<json>'", 2, (*shell).insert},
		{"get", "get <col> <id>", 2, (*shell).get},
		{"find", "find <col> [field op value [value]] [desc]", 1, (*shell).find},
		{"delete", "delete <col> <id>...", 2, (*shell).delete},
		{"index", "index <col> <name> [expr] [unique]", 2, (*shell).index},
		{"indexes", "indexes <col>", 1, (*shell).indexes},
		{"dropindex", "dropindex <col> <name>", 2, (*shell).dropIndex},
		{"drop", "drop <col>", 1, (*shell).drop},
		{"rename", "rename <old> <new>", 2, (*shell).rename},
		{"pragma", "pragma <name> [value]", 1, (*shell).pragma},
		{"checkpoint", "checkpoint", 0, (*shell).checkpoint},
		{"shrink", "shrink", 0, (*shell).shrink},
		{"rebuild", "rebuild", 0, (*shell).rebuild},
		{"backup", "backup <file.xz>", 1, (*shell).backup},
		{"help", "help", 0, (*shell).help},
		{"exit", "exit", 0, func(*shell, context.Context, []string) error { return errExit }},
	}
}

func (s *shell) run(ctx context.Context, args []string) error {
	name := strings.ToLower(args[0])
	if name == "quit" {
		return errExit
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if len(args)-1 < c.min {
			return fmt.Errorf("usage: %s", c.usage)
		}
		return c.run(s, ctx, args[1:])
	}
	return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
}

func (s *shell) help(context.Context, []string) error {
	fmt.Fprintln(s.out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %s\n", c.usage)
	}
	fmt.Fprintln(s.out, "Query ops: = > >= < <= between startswith")
	return nil
}

// parseValue reads a shell argument as JSON, falling back to a plain string.
func parseValue(arg string) any {
	dec := json.NewDecoder(strings.NewReader(arg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return arg
	}
	return fromJSON(v)
}

func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		doc := make(document.Document, len(t))
		for k, x := range t {
			doc[k] = fromJSON(x)
		}
		return doc
	case []any:
		for i, x := range t {
			t[i] = fromJSON(x)
		}
		return t
	}
	return v
}

func parseDocument(arg string) (document.Document, error) {
	doc, ok := parseValue(arg).(document.Document)
	if !ok {
		return nil, fmt.Errorf("%q is not a JSON object", arg)
	}
	return doc, nil
}

// parseQuery reads "field op value [value]" with an optional trailing "desc".
func parseQuery(args []string) (query.Query, error) {
	desc := len(args) > 0 && strings.EqualFold(args[len(args)-1], "desc")
	if desc {
		args = args[:len(args)-1]
	}
	var q query.Query
	switch {
	case len(args) == 0:
		q = query.All("")
	case len(args) == 1:
		q = query.All(args[0])
	case len(args) >= 3:
		field, op, v := args[0], strings.ToLower(args[1]), parseValue(args[2])
		switch op {
		case "=", "==", "eq":
			q = query.EQ(field, v)
		case ">", "gt":
			q = query.GT(field, v)
		case ">=", "gte":
			q = query.GTE(field, v)
		case "<", "lt":
			q = query.LT(field, v)
		case "<=", "lte":
			q = query.LTE(field, v)
		case "between":
			if len(args) < 4 {
				return q, errors.New("between needs two values")
			}
			q = query.Between(field, v, parseValue(args[3]))
		case "startswith":
			q = query.StartsWith(field, args[2])
		default:
			return q, fmt.Errorf("unknown operator %q", args[1])
		}
	default:
		return q, errors.New("a query is: field op value")
	}
	if desc {
		q = q.Desc()
	}
	return q, nil
}

func (s *shell) print(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, string(b))
	return err
}

func (s *shell) collections(ctx context.Context, _ []string) error {
	names, err := s.db.GetCollectionNames(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(s.out, n)
	}
	return nil
}

func (s *shell) count(ctx context.Context, args []string) error {
	q, err := parseQuery(args[1:])
	if err != nil {
		return err
	}
	n, err := s.db.Count(ctx, args[0], q)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, n)
	return nil
}

func (s *shell) insert(ctx context.Context, args []string) error {
	doc, err := parseDocument(strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	ids, err := s.db.Insert(ctx, args[0], doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "inserted %s\n", ids[0])
	return nil
}

func (s *shell) get(ctx context.Context, args []string) error {
	doc, ok, err := s.db.FindByID(ctx, args[0], parseValue(args[1]))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "not found")
		return nil
	}
	return s.print(doc)
}

func (s *shell) find(ctx context.Context, args []string) error {
	q, err := parseQuery(args[1:])
	if err != nil {
		return err
	}
	err = s.db.View(ctx, func(tx *engine.Txn) error {
		n := 0
		for doc, err := range tx.FindIter(args[0], q) {
			if err != nil {
				return err
			}
			if err := s.print(doc); err != nil {
				return err
			}
			n++
		}
		fmt.Fprintf(s.out, "%d document(s)\n", n)
		return nil
	})
	return err
}

func (s *shell) delete(ctx context.Context, args []string) error {
	ids := make([]any, 0, len(args)-1)
	for _, a := range args[1:] {
		ids = append(ids, parseValue(a))
	}
	n, err := s.db.Delete(ctx, args[0], ids...)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deleted %d\n", n)
	return nil
}

func (s *shell) index(ctx context.Context, args []string) error {
	col, name, expr, unique := args[0], args[1], "", false
	for _, a := range args[2:] {
		if strings.EqualFold(a, "unique") {
			unique = true
		} else {
			expr = a
		}
	}
	created, err := s.db.EnsureIndex(ctx, col, name, expr, unique)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(s.out, "index %s created\n", name)
	} else {
		fmt.Fprintf(s.out, "index %s already exists\n", name)
	}
	return nil
}

func (s *shell) indexes(ctx context.Context, args []string) error {
	infos, err := s.db.GetIndexes(ctx, args[0])
	if err != nil {
		return err
	}
	for _, i := range infos {
		fmt.Fprintf(s.out, "%-20s %-30s unique=%-5t keys=%d distinct=%d levels=%d\n",
			i.Name, i.Expression, i.Unique, i.KeyCount, i.UniqueKeyCount, i.MaxLevel)
	}
	return nil
}

func (s *shell) dropIndex(ctx context.Context, args []string) error {
	ok, err := s.db.DropIndex(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "dropped: %t\n", ok)
	return nil
}

func (s *shell) drop(ctx context.Context, args []string) error {
	ok, err := s.db.DropCollection(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "dropped: %t\n", ok)
	return nil
}

func (s *shell) rename(ctx context.Context, args []string) error {
	ok, err := s.db.RenameCollection(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "renamed: %t\n", ok)
	return nil
}

func (s *shell) pragma(ctx context.Context, args []string) error {
	if len(args) > 1 {
		var v any = args[1]
		if n, err := strconv.ParseInt(args[1], 10, 64); err == nil {
			v = n
		} else if b, err := strconv.ParseBool(args[1]); err == nil {
			v = b
		}
		if err := s.db.SetPragma(ctx, args[0], v); err != nil {
			return err
		}
	}
	v, err := s.db.Pragma(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s = %v\n", strings.ToUpper(args[0]), v)
	return nil
}

func (s *shell) checkpoint(ctx context.Context, _ []string) error {
	n, err := s.db.Checkpoint(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d page(s) checkpointed\n", n)
	return nil
}

func (s *shell) shrink(ctx context.Context, _ []string) error {
	n, err := s.db.Shrink(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d page(s) removed\n", n)
	return nil
}

func (s *shell) rebuild(ctx context.Context, _ []string) error {
	r, err := s.db.Rebuild(ctx, engine.RebuildOptions{})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "rebuilt %d collection(s), %d document(s); skipped %d page(s), %d document(s); backup at %s\n",
		r.Collections, r.Documents, r.SkippedPages, r.SkippedDocs, r.BackupPath)
	return nil
}

func (s *shell) backup(ctx context.Context, args []string) (err error) {
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	n, err := s.db.Backup(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "backed up %d byte(s) to %s\n", n, args[0])
	return nil
}
