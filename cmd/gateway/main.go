// Package main is the entrypoint for the action gateway (binary name "gateway").
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/action-gateway/internal/config"
	"github.com/morezero/action-gateway/internal/server"
	"github.com/morezero/action-gateway/pkg/db"
)

const usage = `Usage: gateway [command]
       gateway serve              Start the gateway (WebSocket, HTTP, COMMS bridge).
       gateway migrate up         Run session audit migrations.
       gateway migrate down       Roll back the newest migration that has a down script.
       gateway migrate status     Show migration status.
       gateway sessions [open]    List recorded sessions for SERVICE_NAME, newest first.
       gateway clear              Truncate the session audit table; schema is preserved.

Commands:
  serve           (default) Start the action gateway.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration.
  migrate status  Show current migration status.
  sessions [open] List audit sessions; "open" shows only connected clients.
  clear           Truncate session audit data; schema preserved.

Environment: DATABASE_URL (required for migrate, sessions, clear), MIGRATION_PATH, COMMS_URL,
GATEWAY_HTTP_ADDR (default :8080), GATEWAY_WS_PATH, GATEWAY_ROUTES_FILE.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("gateway migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withPool(runMigrateUp); err != nil {
				log.Fatalf("gateway migrate up: %v", err)
			}
		case "status":
			if err := withPool(db.MigrationStatus); err != nil {
				log.Fatalf("gateway migrate status: %v", err)
			}
		case "down":
			if err := withPool(db.MigrationDown); err != nil {
				log.Fatalf("gateway migrate down: %v", err)
			}
		default:
			log.Fatalf("gateway migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "sessions":
		openOnly := len(args) > 1 && args[1] == "open"
		err := withConfigPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
			return runSessions(ctx, os.Stdout, db.NewSessionRepository(pool), cfg.COMMSName, openOnly)
		})
		if err != nil {
			log.Fatalf("gateway sessions: %v", err)
		}
		return
	case "clear":
		if err := withPool(func(ctx context.Context, pool *pgxpool.Pool, _ string) error {
			return db.ClearSessions(ctx, pool)
		}); err != nil {
			log.Fatalf("gateway clear: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

// withPool runs fn with a pool opened from DATABASE_URL and the configured migration path.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error) error {
	return withConfigPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return fn(ctx, pool, cfg.MigrationPath)
	})
}

func withConfigPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	migrationSQL, err := db.LoadMigrationFiles(migrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// sessionLister is the part of the session repository used by runSessions.
type sessionLister interface {
	ListSessions(ctx context.Context, p db.ListSessionsParams) ([]db.Session, error)
}

func runSessions(ctx context.Context, w io.Writer, repo sessionLister, gateway string, openOnly bool) error {
	sessions, err := repo.ListSessions(ctx, db.ListSessionsParams{Gateway: gateway, OpenOnly: openOnly})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	for _, s := range sessions {
		status := "open"
		if !s.Open() {
			status = "closed " + s.DisconnectedAt.UTC().Format(time.RFC3339)
			if s.CloseCode != nil {
				status += fmt.Sprintf(" code=%d", *s.CloseCode)
			}
			if s.CloseReason != nil && *s.CloseReason != "" {
				status += fmt.Sprintf(" reason=%q", *s.CloseReason)
			}
		}
		fmt.Fprintf(w, "%s client=%d addr=%s protocol=%s connected=%s %s\n",
			s.ID, s.ClientID, s.RemoteAddr, s.Protocol, s.ConnectedAt.UTC().Format(time.RFC3339), status)
	}
	return nil
}
