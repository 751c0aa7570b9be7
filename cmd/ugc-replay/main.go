// Command ugc-replay runs a domain against a command script outside the host
// and prints the resulting state. Domain authors use it to check that a game
// replays identically from the same seed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/bridge"
	"github.com/MJE43/ugc-runtime-go/internal/config"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/match"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// Script is the replay input. Flags override its players and seed.
type Script struct {
	PlayerIDs []ugc.PlayerID `json:"playerIds"`
	Seed      *int64         `json:"seed,omitempty"`
	Commands  []ugc.Command  `json:"commands"`
}

type options struct {
	domain    string
	script    string
	players   string
	seed      int64
	seedSet   bool
	as        string
	expect    string
	keepGoing bool
	watch     bool
	verbose   bool
	cfg       config.Config
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "ugc-replay: %v\n", err)
		return 2
	}
	if err := replay(opts, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "ugc-replay: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	cfg, err := config.Load()
	if err != nil {
		return options{}, err
	}
	opts := options{cfg: cfg}

	fs := flag.NewFlagSet("ugc-replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.domain, "domain", "", "domain source file (required)")
	fs.StringVar(&opts.script, "script", "", "command script JSON file, - for stdin")
	fs.StringVar(&opts.players, "players", "", "comma-separated player ids")
	fs.Int64Var(&opts.seed, "seed", 0, "setup seed")
	fs.StringVar(&opts.as, "as", "", "print the state as this player sees it")
	fs.StringVar(&opts.expect, "expect", "", "state JSON file the final state must match")
	fs.BoolVar(&opts.keepGoing, "keep-going", false, "continue after a rejected command")
	fs.BoolVar(&opts.watch, "watch", false, "attach a view for -as and print every update it receives")
	fs.BoolVar(&opts.verbose, "v", false, "log every command and domain console output")
	fs.DurationVar(&opts.cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "timeout for each domain call")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			opts.seedSet = true
		}
	})

	if opts.domain == "" {
		return options{}, errors.New("-domain is required")
	}
	if opts.watch && opts.as == "" {
		return options{}, errors.New("-watch needs -as")
	}
	if err := opts.cfg.Validate(); err != nil {
		return options{}, err
	}
	return opts, nil
}

func loadScript(path string) (Script, error) {
	var s Script
	if path == "" {
		return s, nil
	}
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return s, fmt.Errorf("read script: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("parse script: %w", err)
	}
	return s, nil
}

func replay(opts options, stdout, stderr io.Writer) error {
	source, err := os.ReadFile(opts.domain)
	if err != nil {
		return fmt.Errorf("read domain: %w", err)
	}
	script, err := loadScript(opts.script)
	if err != nil {
		return err
	}

	players := script.PlayerIDs
	if opts.players != "" {
		players = nil
		for _, p := range strings.Split(opts.players, ",") {
			if p = strings.TrimSpace(p); p != "" {
				players = append(players, ugc.PlayerID(p))
			}
		}
	}
	if len(players) == 0 {
		return errors.New("no players: pass -players or set playerIds in the script")
	}
	seed := opts.seed
	if !opts.seedSet && script.Seed != nil {
		seed = *script.Seed
	}

	logger := log.New(io.Discard, "", 0)
	if opts.verbose {
		logger = log.New(stderr, "[REPLAY] ", log.Lmicroseconds)
	}
	m, err := match.New(match.Config{
		ID:        "replay",
		PackageID: filepath.Base(opts.domain),
		Source:    string(source),
		PlayerIDs: players,
		Seed:      seed,
		Executor: executor.Config{
			CallTimeout:  opts.cfg.CallTimeout,
			AllowConsole: opts.verbose || opts.cfg.AllowConsole,
			ScriptName:   opts.domain,
			Logger:       logger,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("start domain: %w", err)
	}
	defer m.Close()

	ctx := context.Background()
	if opts.watch {
		stop, err := watch(ctx, m, ugc.PlayerID(opts.as), opts.cfg.ViewAutoStart, stdout)
		if err != nil {
			return err
		}
		defer stop()
	}

	rejected := 0
	for i, cmd := range script.Commands {
		out, err := m.HandleCommand(ctx, cmd)
		var rej *match.RejectedError
		switch {
		case errors.As(err, &rej):
			rejected++
			fmt.Fprintf(stderr, "#%d %s by %s rejected: %s\n", i+1, cmd.Type, cmd.PlayerID, rej.Reason)
			if !opts.keepGoing {
				return fmt.Errorf("command #%d rejected", i+1)
			}
			continue
		case err != nil:
			return fmt.Errorf("command #%d: %w", i+1, err)
		}
		logger.Printf("#%d %s by %s: %d events, turn %d", i+1, cmd.Type, cmd.PlayerID, len(out.Events), out.State.TurnNumber)
	}

	var final *ugc.GameState
	if opts.as != "" {
		final, err = m.View(ugc.PlayerID(opts.as))
	} else {
		final, err = m.State()
	}
	if err != nil {
		return err
	}

	if opts.verbose {
		for stage, st := range m.Executor().Stats() {
			logger.Printf("stage %s: %d calls, max %dms", stage, st.Calls, st.MaxMs)
		}
	}

	if !opts.watch {
		raw, err := json.MarshalIndent(final, "", "  ")
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		fmt.Fprintln(stdout, string(raw))
	}

	if opts.expect != "" {
		if err := compare(final, opts.expect); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "final state matches %s (%d commands, %d rejected)\n", opts.expect, len(script.Commands), rejected)
	}
	return nil
}

// compare checks final against the state stored at path. Both sides are
// re-encoded so key order and whitespace do not matter.
func compare(final *ugc.GameState, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read expected state: %w", err)
	}
	var want ugc.GameState
	if err := json.Unmarshal(raw, &want); err != nil {
		return fmt.Errorf("parse expected state: %w", err)
	}
	a, err := json.Marshal(final)
	if err != nil {
		return err
	}
	b, err := json.Marshal(&want)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("final state differs from %s", path)
	}
	return nil
}

// watch attaches a view for player over an in-process pipe and prints each
// state it is sent.
func watch(ctx context.Context, m *match.Match, player ugc.PlayerID, autoStart bool, stdout io.Writer) (func(), error) {
	hostEnd, viewEnd := bridge.Pipe()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Serve(ctx, player, hostEnd)
	}()

	show := func(label string, st *ugc.GameState) {
		raw, _ := json.Marshal(st)
		fmt.Fprintf(stdout, "%s %s\n", label, raw)
	}
	v := bridge.NewViewSDK(viewEnd, bridge.ViewConfig{
		AutoStart:     autoStart,
		OnInit:        func(info bridge.InitInfo) { show("init", info.State) },
		OnStateUpdate: func(st *ugc.GameState) { show("update", st) },
		Logger:        log.New(io.Discard, "", 0),
	})
	if !autoStart {
		v.Start(ctx)
	}

	stop := func() {
		v.Stop()
		cancel()
		viewEnd.Close()
		<-done
	}
	readyCtx, readyCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readyCancel()
	if err := v.WaitReady(readyCtx); err != nil {
		stop()
		return nil, fmt.Errorf("view for %s: %w", player, err)
	}
	return stop, nil
}
