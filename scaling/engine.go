package scaling

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config of the Engine.
type Config struct {
	Interval            time.Duration `long:"interval" env:"INTERVAL" default:"30s" description:"Interval between evaluations of scaling rules"`
	DistributeThreshold int64         `long:"distribute-threshold" env:"DISTRIBUTE_THRESHOLD" default:"1000" description:"Load difference between the most- and least-loaded brokers above which destinations are redistributed"`
	LockTimeout         time.Duration `long:"lock-timeout" env:"LOCK_TIMEOUT" default:"5s" description:"Timeout of each attempt to acquire the coordinator lock"`
}

// Authority gates the Engine: rules are evaluated only by the controller
// which holds the coordinator lock. AcquireLock of an already-held lock
// succeeds immediately.
type Authority interface {
	AcquireLock(ctx context.Context, timeout time.Duration) error
}

// Engine evaluates Rules in order of decreasing priority, and performs the
// actions of only the first Rule whose conditions hold.
type Engine struct {
	authority Authority
	cfg       Config
	rules     []Rule
}

// NewEngine returns an Engine of the Rules. A nil Authority is always held.
func NewEngine(authority Authority, cfg Config, rules ...Rule) *Engine {
	var sorted = append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Engine{authority: authority, cfg: cfg, rules: sorted}
}

// Rules of the Engine, in evaluation order.
func (e *Engine) Rules() []Rule { return append([]Rule(nil), e.rules...) }

// Tick evaluates Rules once. It returns the Rule whose actions were
// performed, or nil if no Rule's conditions held or the Engine lacks
// authority.
func (e *Engine) Tick(ctx context.Context) (Rule, error) {
	if e.authority != nil {
		if err := e.authority.AcquireLock(ctx, e.cfg.LockTimeout); err != nil {
			log.WithField("err", err).Debug("not authoritative; skipping scaling rules")
			return nil, nil
		}
	}
	for _, r := range e.rules {
		if !r.EvaluateConditions() {
			continue
		}
		log.WithFields(log.Fields{
			"rule":        r.Name(),
			"description": r.Description(),
		}).Info("performing scaling rule")

		return r, r.PerformActions(ctx)
	}
	return nil, nil
}

// Serve ticks the Engine each Interval until |ctx| is done.
func (e *Engine) Serve(ctx context.Context) error {
	var ticker = time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if r, err := e.Tick(ctx); err != nil {
			log.WithFields(log.Fields{"rule": r.Name(), "err": err}).Warn("scaling rule failed")
		}
	}
}
