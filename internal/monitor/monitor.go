// Package monitor implements the Monitor & PM (C10): a scheduled sweep that
// watches for stuck sessions and change plans abandoned mid-execution,
// escalating both into events and cancellations, and exposes the fleet's
// health as Prometheus metrics.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/forgeworks/conductor/internal/eventbus"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/session"
	"github.com/forgeworks/conductor/internal/store"
)

// StuckPlanAge is how long a change plan may sit in "executing" status
// before the monitor treats it as abandoned (its owning process died).
const StuckPlanAge = 15 * time.Minute

// Watcher runs the periodic sweep and keeps the Prometheus gauges current.
type Watcher struct {
	db       *sql.DB
	sessions *session.Manager
	agent    string
	log      zerolog.Logger

	stuckSessions  prometheus.Gauge
	abandonedPlans prometheus.Gauge
	deadLetters    prometheus.Gauge
	sweepTotal     prometheus.Counter
}

// New returns a Watcher. Metrics are registered against registerer (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests).
func New(db *sql.DB, sessions *session.Manager, agentName string, registerer prometheus.Registerer, log zerolog.Logger) (*Watcher, error) {
	w := &Watcher{
		db:       db,
		sessions: sessions,
		agent:    agentName,
		log:      log.With().Str("component", "monitor").Logger(),
		stuckSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_stuck_sessions",
			Help: "Number of agent sessions with no recent heartbeat.",
		}),
		abandonedPlans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_abandoned_change_plans",
			Help: "Number of change plans stuck in executing status past the stuck threshold.",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_dead_letter_events",
			Help: "Number of events dead-lettered for this monitor's subscription.",
		}),
		sweepTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_monitor_sweeps_total",
			Help: "Number of monitor sweep cycles completed.",
		}),
	}

	for _, c := range []prometheus.Collector{w.stuckSessions, w.abandonedPlans, w.deadLetters, w.sweepTotal} {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("register monitor metric: %w", err)
		}
	}
	return w, nil
}

// Sweep runs one pass: detect stuck sessions and cancel them, detect
// abandoned change plans and publish an alert for each (the plans are not
// rolled back here), and record dead-letter depth.
func (w *Watcher) Sweep(ctx context.Context) error {
	defer w.sweepTotal.Inc()

	stuck, err := w.sessions.ScanStuck(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("scan stuck sessions: %w", err)
	}
	w.stuckSessions.Set(float64(len(stuck)))
	for _, s := range stuck {
		if cerr := w.sessions.Cancel(s.ID); cerr != nil {
			w.log.Error().Err(cerr).Str("session_id", s.ID).Msg("cancel stuck session failed")
			continue
		}
		if _, perr := eventbus.Publish(w.db, models.EventKindAlertStuckTask, w.agent, s.TaskID, fmt.Sprintf("session %s cancelled: no heartbeat", s.ID), map[string]any{"session_id": s.ID}); perr != nil {
			w.log.Error().Err(perr).Msg("publish stuck session event failed")
		}
	}

	abandoned, err := store.ListChangePlansByStatus(w.db, models.PlanStatusExecuting)
	if err != nil {
		return fmt.Errorf("list executing change plans: %w", err)
	}
	var stale []*models.ChangePlan
	for _, p := range abandoned {
		if time.Since(p.CreatedAt) > StuckPlanAge {
			stale = append(stale, p)
		}
	}
	w.abandonedPlans.Set(float64(len(stale)))
	for _, p := range stale {
		if _, perr := eventbus.Publish(w.db, models.EventKindAlertRollbackIncon, w.agent, p.TaskID, fmt.Sprintf("change plan %s abandoned mid-execution", p.ID), map[string]any{"plan_id": p.ID}); perr != nil {
			w.log.Error().Err(perr).Msg("publish abandoned plan event failed")
		}
	}

	dead, err := store.CountDeadLetterEvents(w.db, w.agent)
	if err != nil {
		return fmt.Errorf("count dead letter events: %w", err)
	}
	w.deadLetters.Set(float64(dead))

	return nil
}

// Schedule runs Sweep on the given cron expression until ctx is cancelled.
// Returns the running cron.Cron so the caller can Stop it explicitly too.
func (w *Watcher) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := w.Sweep(ctx); err != nil {
			w.log.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
