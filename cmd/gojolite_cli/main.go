// Command gojolite_cli is an interactive shell over a GojoLite database file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/chzyer/readline"

	"github.com/sushant-115/gojolite/config"
	"github.com/sushant-115/gojolite/core/engine"
)

// CLI defines the command-line flags.
var CLI struct {
	File     string   `name:"file" short:"f" help:"Database file to open (overrides the config file)" type:"path"`
	Password string   `name:"password" short:"p" help:"Password of an encrypted database" env:"GOJOLITE_PASSWORD"`
	Config   string   `name:"config" short:"c" help:"YAML settings file" type:"existingfile"`
	LogLevel string   `name:"log-level" help:"Log level (debug, info, warn, error)" default:"warn"`
	ReadOnly bool     `name:"read-only" help:"Open the database read-only"`
	Command  []string `arg:"" optional:"" help:"Run one shell command and exit"`
}

func loadSettings() (config.Settings, error) {
	s := config.Default()
	if CLI.Config != "" {
		loaded, err := config.Load(CLI.Config)
		if err != nil {
			return s, err
		}
		s = loaded
	}
	if CLI.File != "" {
		s.Filename = CLI.File
	}
	if CLI.Password != "" {
		s.Password = CLI.Password
	}
	if CLI.ReadOnly {
		s.ReadOnly = true
	}
	s.Logger.Level = CLI.LogLevel
	return s, s.Validate()
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("gojolite_cli"),
		kong.Description("Inspect and edit a GojoLite database."),
		kong.UsageOnError(),
	)

	s, err := loadSettings()
	kctx.FatalIfErrorf(err)

	ctx := context.Background()
	db, err := engine.Open(ctx, s)
	kctx.FatalIfErrorf(err)
	defer db.Close(ctx)

	sh := &shell{db: db, out: os.Stdout}
	if len(CLI.Command) > 0 {
		if err := sh.run(ctx, CLI.Command); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			db.Close(ctx)
			os.Exit(1)
		}
		return
	}
	kctx.FatalIfErrorf(interactive(ctx, sh, s.Filename))
}

func interactive(ctx context.Context, sh *shell, file string) error {
	home, _ := os.UserHomeDir()
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojolite> ",
		HistoryFile:     filepath.Join(home, ".gojolite_history"),
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(sh.out, "GojoLite shell on %s. Type 'help' for commands, 'exit' to leave.\n", file)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		args := splitArgs(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		if err := sh.run(ctx, args); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	}
}

// splitArgs splits on spaces outside single quotes, so JSON documents can be
// passed as one argument: insert users '{"name": "a b"}'.
func splitArgs(line string) []string {
	var (
		args   []string
		cur    strings.Builder
		quoted bool
		inArg  bool
	)
	for _, r := range line {
		switch {
		case r == '\'':
			quoted = !quoted
			inArg = true
		case r == ' ' && !quoted:
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args
}
