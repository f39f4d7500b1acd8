package app

import (
	"context"
	"errors"
	"time"

	"github.com/barryq93/promPSQL/internal/db"
	"github.com/barryq93/promPSQL/internal/types"
	"github.com/barryq93/promPSQL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const closeTimeout = 5 * time.Second

// Application runs one task per database target until shutdown.
type Application struct {
	targets  []types.DatabaseTarget
	registry prometheus.Registerer
	inst     *Instruments
	health   *Health
	connOpts []db.Option
}

type targetResult struct {
	name string
	err  error
}

func NewApplication(targets []types.DatabaseTarget, registry prometheus.Registerer, inst *Instruments, health *Health, opts ...db.Option) *Application {
	return &Application{
		targets:  targets,
		registry: registry,
		inst:     inst,
		health:   health,
		connOpts: opts,
	}
}

// Run blocks until every target task has finished. Tasks end on shutdown,
// on a fatal per-target error or, for targets without queries, at once.
// Without targets Run waits for ctx to be cancelled.
func (app *Application) Run(ctx context.Context) {
	if len(app.targets) == 0 {
		logrus.Warn("no targets configured, waiting for shutdown signal")
		<-ctx.Done()
		return
	}

	done := make(chan targetResult, len(app.targets))
	for _, target := range app.targets {
		go func(target types.DatabaseTarget) {
			done <- targetResult{name: target.Name, err: app.runTarget(ctx, target)}
		}(target)
	}

	for remaining := len(app.targets); remaining > 0; remaining-- {
		res := <-done
		log := logrus.WithField("target", res.name)
		switch {
		case res.err == nil:
			log.Info("target task completed")
			app.health.Set(res.name, StateStopped)
		case errors.Is(res.err, utils.ErrShutdown):
			log.Debug("target task completed due to shutdown signal")
			app.health.Set(res.name, StateStopped)
		default:
			log.WithError(res.err).Error("target task completed unexpectedly")
			app.health.Set(res.name, StateFailed)
		}
		log.WithField("remaining", remaining-1).Debug("waiting for target tasks")
	}
	logrus.Info("all target tasks have been finished")
}

func (app *Application) runTarget(ctx context.Context, target types.DatabaseTarget) error {
	log := logrus.WithField("target", target.Name)
	if len(target.Queries) == 0 {
		log.Warn("no queries configured for target")
		return nil
	}
	log.WithField("dsn", target.String()).Info("starting target task")

	opts := append([]db.Option{
		db.WithLogger(log),
		db.WithReconnectHook(func() {
			app.inst.Reconnected(target.Name)
			app.health.Set(target.Name, StateReconnecting)
		}),
	}, app.connOpts...)

	watcher, err := db.WatchCerts(target.TLS, log)
	if err != nil {
		log.WithError(err).Warn("certificate rotation will not be detected")
	}
	if watcher != nil {
		defer watcher.Close()
		go watcher.Run(ctx)
		opts = append(opts, db.WithCertChanges(watcher.Changes()))
	}

	app.health.Set(target.Name, StateConnecting)
	conn, err := db.Connect(ctx, target, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			log.WithError(err).Debug("error while closing connection")
		}
	}()
	app.health.Set(target.Name, StateUp)

	sched, err := NewScheduler(target, conn, app.registry, app.inst, app.health, log)
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}
