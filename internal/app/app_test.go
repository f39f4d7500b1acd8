package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/barryq93/promPSQL/internal/db"
	"github.com/barryq93/promPSQL/internal/metrics"
	"github.com/barryq93/promPSQL/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	result *db.Result
}

func (s *fakeSession) Exec(ctx context.Context, sql string) error { return nil }

func (s *fakeSession) Query(ctx context.Context, sql string) (*db.Result, error) {
	return s.result, nil
}

func (s *fakeSession) Close(ctx context.Context) error { return nil }

func sessionDialer(res *db.Result) db.Dialer {
	return func(ctx context.Context, cfg *pgx.ConnConfig) (db.Session, error) {
		return &fakeSession{result: res}, nil
	}
}

func refusingDialer(ctx context.Context, cfg *pgx.ConnConfig) (db.Session, error) {
	return nil, errors.New("connection refused")
}

func testTarget(name string, queries ...types.QuerySpec) types.DatabaseTarget {
	return types.DatabaseTarget{
		Name:               name,
		Host:               "localhost",
		Port:               5432,
		DBName:             "postgres",
		User:               "postgres",
		SSLMode:            types.SSLModeDisable,
		ConnectTimeout:     time.Second,
		BackoffInterval:    10 * time.Millisecond,
		MaxBackoffInterval: 50 * time.Millisecond,
		Queries:            queries,
	}
}

func runAsync(ctx context.Context, app *Application) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		app.Run(ctx)
		close(done)
	}()
	return done
}

func TestRunWithoutTargetsWaitsForShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, NewApplication(nil, prometheus.NewRegistry(), nil, nil))

	select {
	case <-done:
		t.Fatal("Run returned before shutdown")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestRunTargetsWithoutQueriesFinish(t *testing.T) {
	targets := []types.DatabaseTarget{testTarget("a/db"), testTarget("b/db")}
	health := NewHealth([]string{"a/db", "b/db"})
	app := NewApplication(targets, prometheus.NewRegistry(), nil, health, db.WithDialer(refusingDialer))

	select {
	case <-runAsync(context.Background(), app):
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateStopped, health.Get("a/db"))
	assert.Equal(t, StateStopped, health.Get("b/db"))
}

func TestRunShutdownWhileConnecting(t *testing.T) {
	targets := []types.DatabaseTarget{testTarget("a/db", query("pg_a", "select 1", time.Second))}
	health := NewHealth([]string{"a/db"})
	app := NewApplication(targets, prometheus.NewRegistry(), nil, health, db.WithDialer(refusingDialer))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, app)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnecting, health.Get("a/db"))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	assert.Equal(t, StateStopped, health.Get("a/db"))
}

func TestRunFatalTargetDoesNotStopOthers(t *testing.T) {
	reg := prometheus.NewRegistry()
	targets := []types.DatabaseTarget{
		testTarget("bad/db", query("bad-name", "select 1", time.Second)),
		testTarget("good/db", query("pg_good", "select 1", time.Hour)),
	}
	health := NewHealth([]string{"bad/db", "good/db"})
	res := &db.Result{Columns: []string{"count"}, Rows: [][]any{{int64(42)}}}
	app := NewApplication(targets, reg, nil, health, db.WithDialer(sessionDialer(res)))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, app)

	require.Eventually(t, func() bool {
		return health.Get("bad/db") == StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		out, err := metrics.ComposeReply(reg)
		return err == nil && out != metrics.NoMetrics
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateUp, health.Get("good/db"))

	out, err := metrics.ComposeReply(reg)
	require.NoError(t, err)
	assert.Contains(t, out, "pg_good 42\n")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	assert.Equal(t, StateStopped, health.Get("good/db"))
	assert.Equal(t, StateFailed, health.Get("bad/db"))
}
