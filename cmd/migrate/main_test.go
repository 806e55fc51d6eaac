package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordertrack/internal/storage/postgres"
)

type fakeMigrator struct {
	upSteps   []int
	downSteps []int
	upErr     error
	state     postgres.MigrationState
	closed    bool
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	f.upSteps = append(f.upSteps, steps)
	return f.upErr
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	f.downSteps = append(f.downSteps, steps)
	return nil
}

func (f *fakeMigrator) MigrationStatus(context.Context) (postgres.MigrationState, error) {
	return f.state, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func openFake(m *fakeMigrator) opener {
	return func(context.Context, string) (migrator, error) { return m, nil }
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"-direction", " DOWN ", "-steps", "2"}, env(map[string]string{envPostgresDSN: " postgres://env "}), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "down", opts.direction)
	assert.Equal(t, 2, opts.steps)
	assert.Equal(t, "postgres://env", opts.dsn)
	assert.Equal(t, defaultTimeout, opts.timeout)

	opts, err = parseOptions([]string{"-dsn", "postgres://flag", "-timeout", "5s"}, env(map[string]string{envPostgresDSN: "postgres://env"}), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag", opts.dsn, "flag wins over environment")
	assert.Equal(t, 5*time.Second, opts.timeout)
}

func TestParseOptions_Errors(t *testing.T) {
	cases := map[string][]string{
		"missing dsn":     {},
		"bad direction":   {"-dsn", "x", "-direction", "sideways"},
		"negative steps":  {"-dsn", "x", "-steps", "-1"},
		"unknown flag":    {"-dsn", "x", "-force"},
		"malformed steps": {"-dsn", "x", "-steps", "many"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseOptions(args, env(nil), io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestRun_Up(t *testing.T) {
	m := &fakeMigrator{state: postgres.MigrationState{Version: 3, Applied: 3}}
	var stdout, stderr bytes.Buffer

	code := run([]string{"-dsn", "postgres://test"}, env(nil), openFake(m), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, []int{0}, m.upSteps)
	assert.True(t, m.closed)
	assert.Equal(t, "migrate up ok: version=3 applied=3 pending=0\n", stdout.String())
}

func TestRun_DownDefaultsToOneStep(t *testing.T) {
	m := &fakeMigrator{state: postgres.MigrationState{Version: 2, Applied: 2, Pending: []string{"0003_refunds"}}}
	var stdout bytes.Buffer

	code := run([]string{"-dsn", "postgres://test", "-direction", "down"}, env(nil), openFake(m), &stdout, io.Discard)
	require.Equal(t, 0, code)
	assert.Equal(t, []int{1}, m.downSteps)
	assert.Equal(t, "migrate down ok: version=2 applied=2 pending=1 (0003_refunds)\n", stdout.String())
}

func TestRun_StatusDoesNotMigrate(t *testing.T) {
	m := &fakeMigrator{state: postgres.MigrationState{Version: 1, Applied: 1}}
	var stdout bytes.Buffer

	code := run([]string{"-dsn", "postgres://test", "-direction", "status"}, env(nil), openFake(m), &stdout, io.Discard)
	require.Equal(t, 0, code)
	assert.Empty(t, m.upSteps)
	assert.Empty(t, m.downSteps)
	assert.Contains(t, stdout.String(), "migration status: version=1")
}

func TestRun_Failures(t *testing.T) {
	var stderr bytes.Buffer
	code := run(nil, env(nil), openFake(&fakeMigrator{}), io.Discard, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), envPostgresDSN)

	stderr.Reset()
	failingOpen := func(context.Context, string) (migrator, error) { return nil, errors.New("connection refused") }
	code = run([]string{"-dsn", "postgres://test"}, env(nil), failingOpen, io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "connection refused")

	stderr.Reset()
	m := &fakeMigrator{upErr: errors.New("lock timeout")}
	code = run([]string{"-dsn", "postgres://test"}, env(nil), openFake(m), io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "migrate up failed: lock timeout")
	assert.True(t, m.closed)
}
