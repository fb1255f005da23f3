// tradectl is the operator CLI: inspect positions, force-close one in
// an emergency, toggle the kill-switch and trigger walk-forward runs.
// Kill-switch and emergency close bypass the gate chain by design but
// still go through the same atomic ledger paths as the daemon.
//
// Exit codes: 0 success, 1 failure, 2 invalid arguments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signaldesk/internal/config"
	"signaldesk/internal/controls"
	"signaldesk/internal/domain"
	"signaldesk/internal/exchange"
	"signaldesk/internal/monitor"
	"signaldesk/internal/storage"
	"signaldesk/internal/storage/postgres"
	"signaldesk/internal/walkforward"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	ctx := context.Background()
	switch args[0] {
	case "positions":
		return cmdPositions(ctx, args[1:])
	case "sources":
		return cmdSources(ctx, args[1:])
	case "close":
		return cmdClose(ctx, args[1:])
	case "killswitch":
		return cmdKillSwitch(ctx, args[1:])
	case "walkforward":
		return cmdWalkForward(ctx, args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tradectl <command> [flags]

commands:
  positions    list open positions
  sources      show signal source reliability scores
  close        force-close a position (emergency)
  killswitch   show or set the kill-switch (status|on|off)
  walkforward  evaluate a candidate policy file`)
}

func cmdPositions(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("positions", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to YAML configuration")
	asJSON := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	store, cleanup, _, _, err := connect(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	defer cleanup()

	open, err := store.ListOpenPositions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: list open positions: %v\n", err)
		return exitFailure
	}

	if *asJSON {
		if err := json.NewEncoder(os.Stdout).Encode(open); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	if len(open) == 0 {
		fmt.Println("no open positions")
		return exitOK
	}
	fmt.Printf("%-36s  %-16s  %-5s  %12s  %12s  %s\n", "POSITION", "TOKEN", "SIDE", "ENTRY", "SIZE_USD", "OPENED")
	for _, p := range open {
		fmt.Printf("%-36s  %-16s  %-5s  %12.6f  %12.2f  %s\n",
			p.PositionID, p.TokenID, p.Side, p.EntryPrice, p.SizeUSD,
			time.UnixMilli(p.OpenedAtMs).UTC().Format(time.RFC3339))
	}
	return exitOK
}

func cmdSources(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sources", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to YAML configuration")
	asJSON := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	store, cleanup, _, _, err := connect(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	defer cleanup()

	scores, err := store.ListSourceScores(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: list source scores: %v\n", err)
		return exitFailure
	}

	if *asJSON {
		if err := json.NewEncoder(os.Stdout).Encode(scores); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitFailure
		}
		return exitOK
	}
	printSources(os.Stdout, scores)
	return exitOK
}

// printSources renders per-source reliability. The UCB column uses the
// trade total across all listed sources as its exploration base.
func printSources(w io.Writer, scores []*domain.SourceScore) {
	if len(scores) == 0 {
		fmt.Fprintln(w, "no source scores recorded")
		return
	}

	var totalTrades int64
	for _, s := range scores {
		totalTrades += s.TradeCount
	}

	fmt.Fprintf(w, "%-24s  %8s  %8s  %9s  %8s  %s\n", "SOURCE", "TRADES", "WINS", "WIN_RATE", "UCB", "GRADE")
	for _, s := range scores {
		fmt.Fprintf(w, "%-24s  %8d  %8d  %9.3f  %8.3f  %s\n",
			s.SourceID, s.TradeCount, s.WinCount, s.WinRate(), s.UCB(totalTrades), s.Grade())
	}
}

func cmdClose(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to YAML configuration")
	positionID := fs.String("position-id", "", "Position to close (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *positionID == "" {
		fmt.Fprintln(os.Stderr, "--position-id is required")
		return exitUsage
	}

	store, cleanup, ctrl, cfg, err := connect(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	defer cleanup()

	if err := requireSharedControls(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; the close commits to the ledger but the cooldown stamp stays local\n", err)
	}

	// The CLI has no live feed; the monitor falls back to the least
	// favorable watermark when no quote is available.
	feed := exchange.NewFeed(cfg.Feed.URL, nil, zerolog.Nop())
	adapter := exchange.NewPaperAdapter(feed, cfg.Trading.Venue)
	mon := monitor.New(store, adapter, ctrl, nil, nil, cfg.Trading.Venue, zerolog.Nop())

	err = mon.EmergencyClose(ctx, *positionID)
	if errors.Is(err, storage.ErrAlreadyClosed) {
		fmt.Printf("position %s is already closed\n", *positionID)
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	fmt.Printf("position %s closed\n", *positionID)
	return exitOK
}

func cmdKillSwitch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("killswitch", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to YAML configuration")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	action := fs.Arg(0)
	if action == "" {
		action = "status"
	}

	_, cleanup, ctrl, cfg, err := connect(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	defer cleanup()

	if err := requireSharedControls(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}

	switch action {
	case "status":
		active, err := ctrl.KillSwitchActive(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitFailure
		}
		if active {
			fmt.Println("kill-switch: ACTIVE (all trading blocked)")
		} else {
			fmt.Println("kill-switch: inactive")
		}
	case "on":
		if err := ctrl.SetKillSwitch(ctx, true); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitFailure
		}
		fmt.Println("kill-switch activated")
	case "off":
		if err := ctrl.SetKillSwitch(ctx, false); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitFailure
		}
		fmt.Println("kill-switch deactivated")
	default:
		fmt.Fprintf(os.Stderr, "unknown killswitch action: %s (valid: status, on, off)\n", action)
		return exitUsage
	}
	return exitOK
}

func cmdWalkForward(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("walkforward", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to YAML configuration")
	candidatePath := fs.String("candidate", "", "Path to candidate policy YAML (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *candidatePath == "" {
		fmt.Fprintln(os.Stderr, "--candidate is required")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	candidateBlock, err := config.LoadPolicy(*candidatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}

	store, cleanup, _, _, err := connect(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	defer cleanup()

	eval := walkforward.New(store, nil, walkforward.Config{
		WindowMs:             cfg.Eval.WindowMs,
		Folds:                cfg.Eval.Folds,
		MinTrades:            cfg.Eval.MinTrades,
		MaxDrawdownUSD:       cfg.Eval.MaxDrawdownUSD,
		MinMedianImprovement: cfg.Eval.MinMedianImprovement,
	}, nil, zerolog.Nop())

	candidate := candidateBlock.ToDomain(cfg.Mode(), time.Now().UnixMilli())
	run, err := eval.Run(ctx, candidate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}

	if run.Promoted {
		fmt.Printf("run %s: PROMOTED as version %d (%s)\n", run.RunID, run.CandidateVersion, run.Reason)
	} else {
		fmt.Printf("run %s: held (%s)\n", run.RunID, run.Reason)
	}
	for _, f := range run.Folds {
		fmt.Printf("  fold %d: candidate trades=%d net=%.2f dd=%.2f | active trades=%d net=%.2f\n",
			f.Fold, f.Candidate.Trades, f.Candidate.NetPnLUSD, f.Candidate.MaxDrawdown,
			f.Active.Trades, f.Active.NetPnLUSD)
	}
	return exitOK
}

// connect opens the ledger and control store from the config file.
func connect(ctx context.Context, configPath string) (storage.Ledger, func(), controls.Controls, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	pool, err := postgres.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	var ctrl controls.Controls = controls.NewMemoryControls()
	var client *redis.Client
	if cfg.Storage.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			pool.Close()
			client.Close()
			return nil, nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		ctrl = controls.NewRedisControls(client)
	}

	cleanup := func() {
		pool.Close()
		if client != nil {
			client.Close()
		}
	}
	return postgres.NewLedger(pool), cleanup, ctrl, cfg, nil
}

// requireSharedControls rejects control-plane commands when the config
// has no shared control store. A process-local kill-switch flip would
// exit 0 while the daemon keeps trading.
func requireSharedControls(cfg *config.Config) error {
	if cfg.Storage.RedisAddr == "" {
		return errors.New("storage.redis_addr is not configured: the kill-switch would only flip in this process while the daemon keeps trading")
	}
	return nil
}
