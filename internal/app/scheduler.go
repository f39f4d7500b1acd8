package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/barryq93/promPSQL/internal/db"
	"github.com/barryq93/promPSQL/internal/metrics"
	"github.com/barryq93/promPSQL/internal/types"
	"github.com/barryq93/promPSQL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Querier runs one query on a target's connection.
type Querier interface {
	Query(ctx context.Context, query string, timeout time.Duration) (*db.Result, error)
}

// Scheduler runs the queries of one target sequentially, each on its own
// interval measured from the completion of its previous run.
type Scheduler struct {
	target types.DatabaseTarget
	conn   Querier
	reg    prometheus.Registerer
	sets   []*metrics.MetricSet
	inst   *Instruments
	health *Health
	log    *logrus.Entry

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewScheduler builds the metric sets of every query of target. All of
// them are due immediately.
func NewScheduler(target types.DatabaseTarget, conn Querier, reg prometheus.Registerer, inst *Instruments, health *Health, log *logrus.Entry) (*Scheduler, error) {
	s := &Scheduler{
		target: target,
		conn:   conn,
		reg:    reg,
		inst:   inst,
		health: health,
		log:    log,
		now:    time.Now,
		sleep:  utils.Sleep,
	}
	start := s.now()
	for _, q := range target.Queries {
		m, err := metrics.New(q, log)
		if err != nil {
			return nil, fmt.Errorf("unable to create metrics for target %s: %w", target.Name, err)
		}
		m.NextDue = start
		s.sets = append(s.sets, m)
	}
	return s, nil
}

// Run loops until ctx is cancelled, which yields utils.ErrShutdown, or a
// metric cannot be registered. A target without queries returns at once.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.sets) == 0 {
		s.log.Warn("no queries configured")
		return nil
	}
	for {
		wait, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RunOnce executes every due query and returns how long to wait until the
// next one is due.
func (s *Scheduler) RunOnce(ctx context.Context) (time.Duration, error) {
	for _, m := range s.sets {
		if ctx.Err() != nil {
			return 0, utils.ErrShutdown
		}
		if m.NextDue.After(s.now()) {
			continue
		}
		if err := s.execute(ctx, m); err != nil {
			return 0, err
		}
	}

	next := s.sets[0].NextDue
	for _, m := range s.sets[1:] {
		if m.NextDue.Before(next) {
			next = m.NextDue
		}
	}

	now := s.now()
	if !next.After(now) {
		drift := now.Sub(next)
		s.inst.Drift(s.target.Name, drift)
		s.log.WithField("drift", drift).Warn("scheduler is running behind, consider longer scrape intervals")
		return 0, nil
	}
	s.inst.Drift(s.target.Name, 0)
	return next.Sub(now), nil
}

func (s *Scheduler) execute(ctx context.Context, m *metrics.MetricSet) error {
	q := m.Query()
	log := s.log.WithField("metric", q.MetricName)

	start := s.now()
	res, err := s.conn.Query(ctx, q.Query, q.Timeout)
	if errors.Is(err, utils.ErrShutdown) {
		return err
	}
	now := s.now()
	s.inst.ObserveQuery(s.target.Name, q.MetricName, now.Sub(start), err)
	s.health.Set(s.target.Name, StateUp)

	sampled := false
	if err != nil {
		log.WithError(err).Error("query failed")
	} else {
		var uerr error
		sampled, uerr = m.Update(res)
		if uerr != nil {
			log.WithError(uerr).Error("unable to update metrics")
		}
	}

	if sampled {
		if !m.Registered() {
			if err := m.Register(s.reg); err != nil {
				return err
			}
			log.Info("metrics registered")
		}
		m.LastUpdated = now
	} else if m.Registered() && m.Expired(now) {
		log.WithField("last_updated", m.LastUpdated).Info("metrics expired")
		m.Unregister(s.reg)
	}

	m.NextDue = now.Add(q.ScrapeInterval)
	log.WithField("next_due", m.NextDue).Debug("query done")
	return nil
}
