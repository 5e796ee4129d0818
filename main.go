// lcm CLI entry point
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/batalabs/lcm/internal/capture"
	"github.com/batalabs/lcm/internal/compaction"
	"github.com/batalabs/lcm/internal/config"
	"github.com/batalabs/lcm/internal/inject"
	"github.com/batalabs/lcm/internal/lcmerr"
	"github.com/batalabs/lcm/internal/llm"
	"github.com/batalabs/lcm/internal/mcpserver"
	"github.com/batalabs/lcm/internal/retrieval"
	"github.com/batalabs/lcm/internal/store"
	"github.com/batalabs/lcm/internal/tui"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

// hookEvent is the stdin JSON the host sends to capture/inject/init (spec
// §6 "stdin is JSON {session_id, transcript_path, event}").
type hookEvent struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Event          string `json:"event"`
}

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()
	logger := config.NewLogger()
	defer logger.Close()

	if *versionFlag {
		fmt.Printf("lcm %s\n", version)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: lcm <init|capture|inject|serve|browse|status> [args]")
		os.Exit(lcmerr.New(lcmerr.KindInputError, "missing command", nil).Kind.ExitCode())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exitCode := run(ctx, logger, args[0], args[1:])
	os.Exit(exitCode)
}

func run(ctx context.Context, logger *config.Logger, cmd string, rest []string) int {
	switch cmd {
	case "init":
		return runHookCommand(ctx, logger, initHook)
	case "capture":
		return runHookCommand(ctx, logger, captureHook)
	case "inject":
		return runHookCommand(ctx, logger, injectHook)
	case "serve":
		return runServe(ctx, logger)
	case "browse":
		return runBrowse(ctx, logger, rest)
	case "status":
		return runStatus(ctx, logger, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return lcmerr.New(lcmerr.KindInputError, "unknown command", nil).Kind.ExitCode()
	}
}

// readHookEvent parses the stdin JSON the host sends for init/capture/inject
// (spec §6), falling back to CLAUDE_SESSION_ID when the event omits one.
func readHookEvent() (hookEvent, error) {
	var ev hookEvent
	dec := json.NewDecoder(bufio.NewReader(os.Stdin))
	if err := dec.Decode(&ev); err != nil {
		return hookEvent{}, fmt.Errorf("decoding hook event: %w", err)
	}
	sid, err := config.SessionID(ev.SessionID)
	if err != nil {
		return hookEvent{}, err
	}
	ev.SessionID = sid
	return ev, nil
}

// openStore opens the configured database, translating open failures into
// the StoreUnavailable kind (spec §7).
func openStore() (*store.Store, error) {
	path, err := config.DBPath()
	if err != nil {
		return nil, lcmerr.New(lcmerr.KindStoreUnavailable, "resolving db path", err)
	}
	st, err := store.OpenStore(path)
	if err != nil {
		return nil, lcmerr.New(lcmerr.KindStoreUnavailable, "opening store", err)
	}
	return st, nil
}

func runHookCommand(ctx context.Context, logger *config.Logger, fn func(context.Context, *config.Logger, hookEvent, *store.Store) error) int {
	ev, err := readHookEvent()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return lcmerr.New(lcmerr.KindInputError, "bad hook event", err).Kind.ExitCode()
	}
	st, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeOf(err)
	}
	defer st.Close()

	hookCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := fn(hookCtx, logger, ev, st); err != nil {
		logger.Printf("hook %s: %v", ev.Event, err)
		fmt.Fprintln(os.Stderr, err)
		// Capture/inject degrade rather than fail the host turn (spec §6
		// "non-fatal, capture/inject still return 0 if they can degrade"),
		// except when the store itself is unavailable.
		var lerr *lcmerr.Error
		if errors.As(err, &lerr) && lerr.Kind == lcmerr.KindStoreUnavailable {
			return lcmerr.KindStoreUnavailable.ExitCode()
		}
		return 0
	}
	return 0
}

func initHook(ctx context.Context, logger *config.Logger, ev hookEvent, st *store.Store) error {
	return st.EnsureSession(ctx, ev.SessionID)
}

func captureHook(ctx context.Context, logger *config.Logger, ev hookEvent, st *store.Store) error {
	cp := &capture.Capture{Store: st, Logger: logger}
	result, err := cp.Run(ctx, ev.SessionID, ev.TranscriptPath)
	if err != nil {
		return err
	}
	logger.Printf("capture: appended=%d diverted=%d", result.Appended, result.Diverted)

	tunables, err := config.LoadEngineTunables()
	if err != nil {
		tunables = config.DefaultEngineTunables()
	}
	client := newLLMClient(logger)
	engine := compaction.New(st, client, tunables, logger)
	return engine.CheckAndMaybeCompact(ctx, ev.SessionID)
}

func injectHook(ctx context.Context, logger *config.Logger, ev hookEvent, st *store.Store) error {
	block, err := inject.Build(ctx, st, ev.SessionID)
	if err != nil {
		return err
	}
	if block != "" {
		fmt.Println(block)
	}
	return nil
}

func newLLMClient(logger *config.Logger) llm.Client {
	apiKey, err := config.APIKey()
	if err != nil || apiKey == "" {
		return nil
	}
	return llm.NewAnthropicClient(apiKey, "claude-3-5-haiku-latest", logger)
}

func runServe(ctx context.Context, logger *config.Logger) int {
	st, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeOf(err)
	}
	defer st.Close()

	sessionID, err := config.SessionID("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return lcmerr.KindInputError.ExitCode()
	}
	if err := st.EnsureSession(ctx, sessionID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return lcmerr.KindStoreUnavailable.ExitCode()
	}

	srv := mcpserver.New(st, newLLMClient(logger), sessionID)
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return lcmerr.KindStoreUnavailable.ExitCode()
	}
	return 0
}

func runBrowse(ctx context.Context, logger *config.Logger, rest []string) int {
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: lcm browse <session-id> [S<id>]")
		return lcmerr.KindInputError.ExitCode()
	}
	sessionID := rest[0]

	st, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeOf(err)
	}
	defer st.Close()

	tools := retrieval.New(st)
	model := tui.NewModel(ctx, tools, sessionID)
	if len(rest) > 1 {
		model = model.JumpTo(rest[1])
	}

	p := tea.NewProgram(model)
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return lcmerr.KindStoreUnavailable.ExitCode()
	}
	return 0
}

func runStatus(ctx context.Context, logger *config.Logger, rest []string) int {
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: lcm status <session-id>")
		return lcmerr.KindInputError.ExitCode()
	}
	sessionID := rest[0]

	st, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeOf(err)
	}
	defer st.Close()

	tools := retrieval.New(st)
	result, err := tools.Status(ctx, sessionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeOf(err)
	}

	fmt.Printf("session       %s\n", result.SessionID)
	fmt.Printf("messages      %s\n", humanize.Comma(int64(result.MessageCount)))
	fmt.Printf("dag depth     %d\n", result.DAGDepth)
	fmt.Printf("unsummarized  %s tokens\n", humanize.Comma(int64(result.UnsummarizedTokens)))
	fmt.Printf("uncondensed   %s tokens\n", humanize.Comma(int64(result.UncondensedSummaryTokens)))
	for level, count := range result.SummaryCountByLevel {
		fmt.Printf("level %-2d      %d summaries\n", level, count)
	}
	return 0
}

func exitCodeOf(err error) int {
	var lerr *lcmerr.Error
	if errors.As(err, &lerr) {
		return lerr.Kind.ExitCode()
	}
	return lcmerr.KindStoreUnavailable.ExitCode()
}
