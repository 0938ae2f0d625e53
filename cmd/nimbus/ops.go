package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbus-platform/nimbus/cmd/nimbus/cli"
	"github.com/nimbus-platform/nimbus/internal/app"
	"github.com/nimbus-platform/nimbus/internal/permission"
	"github.com/nimbus-platform/nimbus/internal/platform/db"
)

const opsUsage = `Usage: nimbus <command> [flags]

Commands:
  jobs stats                        show default queue depths
  jobs trigger-audit                enqueue a catalog audit now
  jobs sweep-team -team N           enqueue a cache sweep for a team
  jobs invalidate-actor -actor N    enqueue a cache sweep for one actor
  catalog verify [-team N] [-json]  check stored closures against the catalog

Run without arguments to start the API server.
`

// runOps handles one-shot operator commands so the server binary doubles
// as the ops tool already present on every deploy.
func runOps(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	switch args[0] {
	case "jobs":
		return runJobsOps(ctx, cfg, args[1:])
	case "catalog":
		return runCatalogOps(ctx, cfg, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, opsUsage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", args[0], opsUsage)
		return 1
	}
}

func runJobsOps(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, opsUsage)
		return 1
	}

	ops, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init jobs cli: %v\n", err)
		return 1
	}
	defer func() { _ = ops.Close() }()

	switch args[0] {
	case "stats":
		stats, err := ops.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspect queue: %v\n", err)
			return 1
		}
		return printJSON(stats)
	case "trigger-audit":
		info, err := ops.TriggerCatalogAudit(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trigger audit: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "sweep-team":
		fs := flag.NewFlagSet("sweep-team", flag.ContinueOnError)
		team := fs.Int64("team", 0, "team id to sweep")
		reason := fs.String("reason", "manual", "reason recorded on the sweep")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		info, err := ops.TriggerTeamSweep(ctx, *team, *reason)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trigger sweep: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "invalidate-actor":
		fs := flag.NewFlagSet("invalidate-actor", flag.ContinueOnError)
		actor := fs.Int64("actor", 0, "actor id whose cache entries go away")
		reason := fs.String("reason", "manual", "reason recorded on the sweep")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		info, err := ops.TriggerActorInvalidation(ctx, *actor, *reason)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trigger invalidation: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n%s", args[0], opsUsage)
		return 1
	}
}

func runCatalogOps(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 || args[0] != "verify" {
		fmt.Fprint(os.Stderr, opsUsage)
		return 1
	}

	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	team := fs.Int64("team", 0, "limit the report to one team's roles")
	jsonOut := fs.Bool("json", false, "emit the summary as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		return 1
	}
	defer pool.Close()

	ops, err := cli.NewCatalogOpsCLI(permission.NewRepository(pool))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init catalog cli: %v\n", err)
		return 1
	}
	return ops.VerifyCommand(ctx, cli.CatalogVerifyOptions{
		TeamID:     *team,
		JSONOutput: *jsonOut,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	})
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}
