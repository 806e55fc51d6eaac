package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordertrack/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "ORDERTRACK_POSTGRES_DSN"
)

type options struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

// migrator описывает часть postgres.Store, нужная утилите.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

type opener func(ctx context.Context, dsn string) (migrator, error)

func openPostgres(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, openPostgres, os.Stdout, os.Stderr))
}

func parseOptions(args []string, getenv func(string) string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	if opts.steps < 0 {
		return options{}, errors.New("steps must be >= 0")
	}
	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%s (or -dsn) is required", envPostgresDSN)
	}
	return opts, nil
}

func run(args []string, getenv func(string) string, open opener, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, getenv, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := open(ctx, opts.dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open postgres store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	switch opts.direction {
	case "up":
		err = store.MigrateUp(ctx, opts.steps)
	case "down":
		steps := opts.steps
		if steps == 0 {
			steps = 1
		}
		err = store.MigrateDown(ctx, steps)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate %s failed: %v\n", opts.direction, err)
		return 1
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migration status failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, formatState(opts.direction, state))
	return 0
}

func formatState(direction string, state postgres.MigrationState) string {
	prefix := "migration status"
	if direction != "status" {
		prefix = "migrate " + direction + " ok"
	}
	line := fmt.Sprintf("%s: version=%d applied=%d pending=%d", prefix, state.Version, state.Applied, len(state.Pending))
	if len(state.Pending) > 0 {
		line += " (" + strings.Join(state.Pending, ", ") + ")"
	}
	return line
}
