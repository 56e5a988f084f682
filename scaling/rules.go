// Package scaling evaluates rules over the fleet Model on a periodic tick,
// performing the actions of the highest-priority rule whose conditions hold.
package scaling

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/migration"
	"go.gazette.dev/mqgate/protocol"
)

// Rule is a condition over the fleet Model, and actions to perform if it holds.
type Rule interface {
	Name() string
	Description() string
	// Priority orders Rules. Rules of higher Priority are evaluated first.
	Priority() int
	// EvaluateConditions inspects, and never mutates, the fleet Model.
	EvaluateConditions() bool
	// PerformActions of the Rule, after its conditions held.
	PerformActions(ctx context.Context) error
	// Calls is the number of evaluations of the Rule's conditions.
	Calls() int64
	// Executions is the number of performances of the Rule's actions.
	Executions() int64
}

// EventKind is the kind of an Event.
type EventKind int

const (
	ScaleUp EventKind = iota
	ScaleDown
	LoadDistributed
)

func (k EventKind) String() string {
	switch k {
	case ScaleUp:
		return "scale-up"
	case ScaleDown:
		return "scale-down"
	case LoadDistributed:
		return "load-distributed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is fired by a Rule which performed its actions. Rules don't create
// or destroy brokers: that's the responsibility of the fleet's orchestrator,
// which is informed through an EventListener.
type Event struct {
	Kind EventKind
	// Rule which fired the Event.
	Rule string
	// Brokers is the size of the fleet when the Event fired.
	Brokers int
	// Broker is the ID of the broker the Event concerns, if any.
	Broker string
	Reason string
}

// EventListener is notified of Events.
type EventListener interface {
	OnScalingEvent(Event)
}

// LogEventListener logs and counts Events.
type LogEventListener struct{}

// OnScalingEvent logs the Event.
func (LogEventListener) OnScalingEvent(ev Event) {
	metrics.ScalingEventsTotal.WithLabelValues(ev.Kind.String()).Inc()

	log.WithFields(log.Fields{
		"event":   ev.Kind,
		"rule":    ev.Rule,
		"brokers": ev.Brokers,
		"broker":  ev.Broker,
		"reason":  ev.Reason,
	}).Warn("scaling event")
}

// counters of a Rule.
type counters struct {
	calls, executions atomic.Int64
}

func (c *counters) Calls() int64      { return c.calls.Load() }
func (c *counters) Executions() int64 { return c.executions.Load() }

func fire(listeners []EventListener, ev Event) {
	for _, l := range listeners {
		l.OnScalingEvent(ev)
	}
}

// ScaleUpRule holds if the fleet is below its maximum size, and either some
// broker exceeds its connection limit while the fleet has no spare
// connection capacity, or some broker exceeds its destination limit while the
// fleet has no spare destination capacity.
type ScaleUpRule struct {
	counters
	Model     *fleet.Model
	Listeners []EventListener
}

func (r *ScaleUpRule) Name() string        { return "scale-up" }
func (r *ScaleUpRule) Priority() int       { return 100 }
func (r *ScaleUpRule) Description() string { return "Add a broker when the fleet cannot absorb further load" }

func (r *ScaleUpRule) EvaluateConditions() bool {
	r.calls.Add(1)
	metrics.ScalingRuleEvaluations.WithLabelValues(r.Name()).Inc()

	if r.Model.IsMaximumNumberOfBrokersReached() {
		return false
	}
	return (r.Model.AreBrokerConnectionLimitsExceeded() && r.Model.SpareConnections() < 1) ||
		(r.Model.AreDestinationLimitsExceeded() && r.Model.SpareDestinations() < 1)
}

func (r *ScaleUpRule) PerformActions(context.Context) error {
	r.executions.Add(1)
	metrics.ScalingRuleExecutions.WithLabelValues(r.Name()).Inc()

	fire(r.Listeners, Event{
		Kind:    ScaleUp,
		Rule:    r.Name(),
		Brokers: r.Model.Len(),
		Reason: fmt.Sprintf("spare connections %d, spare destinations %d",
			r.Model.SpareConnections(), r.Model.SpareDestinations()),
	})
	return nil
}

// ScaleDownRule holds if the fleet is above its minimum size, and the
// connections and destinations of the least-loaded broker fit within the
// spare capacity of the remaining brokers.
type ScaleDownRule struct {
	counters
	Model     *fleet.Model
	Listeners []EventListener
}

func (r *ScaleDownRule) Name() string        { return "scale-down" }
func (r *ScaleDownRule) Priority() int       { return 90 }
func (r *ScaleDownRule) Description() string { return "Remove a broker which the fleet could drain" }

func (r *ScaleDownRule) EvaluateConditions() bool {
	r.calls.Add(1)
	metrics.ScalingRuleEvaluations.WithLabelValues(r.Name()).Inc()

	if r.Model.IsMinimumNumberOfBrokersReached() {
		return false
	}
	var least = r.Model.LeastLoaded()
	if least == nil {
		return false
	}
	return least.Overview().TotalConnections <= r.Model.SpareConnectionsExcluding(least) &&
		r.Model.DestinationCount(least) <= r.Model.SpareDestinationsExcluding(least)
}

func (r *ScaleDownRule) PerformActions(context.Context) error {
	r.executions.Add(1)
	metrics.ScalingRuleExecutions.WithLabelValues(r.Name()).Inc()

	var least = r.Model.LeastLoaded()
	if least == nil {
		return nil
	}
	fire(r.Listeners, Event{
		Kind:    ScaleDown,
		Rule:    r.Name(),
		Brokers: r.Model.Len(),
		Broker:  least.ID(),
		Reason:  fmt.Sprintf("broker load %d fits within remaining capacity", least.Load()),
	})
	return nil
}

// DistributeLoadRule holds if the load of the most-loaded broker exceeds
// that of the least-loaded broker by more than Threshold. Its actions move
// the shallowest Destinations of the most-loaded broker, up to half of the
// difference, and then reassign moved Destinations.
type DistributeLoadRule struct {
	counters
	Model     *fleet.Model
	Store     migration.Store
	Migration migration.Config
	Threshold int64
	Listeners []EventListener
}

func (r *DistributeLoadRule) Name() string  { return "distribute-load" }
func (r *DistributeLoadRule) Priority() int { return 10 }
func (r *DistributeLoadRule) Description() string {
	return "Move destinations from the most- to the least-loaded broker"
}

func (r *DistributeLoadRule) EvaluateConditions() bool {
	r.calls.Add(1)
	metrics.ScalingRuleEvaluations.WithLabelValues(r.Name()).Inc()

	var most, least = r.Model.MostLoaded(), r.Model.LeastLoaded()
	if most == nil || most == least {
		return false
	}
	return most.Load()-least.Load() > r.Threshold
}

func (r *DistributeLoadRule) PerformActions(ctx context.Context) error {
	r.executions.Add(1)
	metrics.ScalingRuleExecutions.WithLabelValues(r.Name()).Inc()

	var most, least = r.Model.MostLoaded(), r.Model.LeastLoaded()
	if most == nil || most == least {
		return nil
	}
	var dests = selectDestinations(most.Overview(), (most.Load()-least.Load())/2)
	if len(dests) == 0 {
		return nil
	}

	var w = migration.NewWorker(r.Store, most, least, migration.Move, dests, r.Migration)
	if err := w.Run(ctx); err != nil {
		return errors.WithMessage(err, "moving destinations")
	}
	for _, dest := range w.CompletedList() {
		if err := r.Model.Reassign(dest, least.ID()); err != nil {
			return err
		}
	}
	for _, f := range w.FailedList() {
		log.WithFields(log.Fields{
			"destination": f.Destination,
			"from":        most.ID(),
			"to":          least.ID(),
			"err":         f.Err,
		}).Warn("failed to move destination")
	}
	fire(r.Listeners, Event{
		Kind:    LoadDistributed,
		Rule:    r.Name(),
		Brokers: r.Model.Len(),
		Broker:  most.ID(),
		Reason: fmt.Sprintf("moved %d of %d destinations to %s",
			len(w.CompletedList()), len(dests), least.ID()),
	})
	return nil
}

// selectDestinations returns the shallowest Destinations of the Overview
// whose summed depth doesn't exceed |target|. The shallowest Destination is
// always selected if the Overview has any.
func selectDestinations(o *fleet.Overview, target int64) []protocol.Destination {
	var out []protocol.Destination
	var moved int64

	for _, dest := range o.SortedDestinations() {
		var depth = o.Destinations[dest].Depth
		if len(out) != 0 && moved+depth > target {
			break
		}
		out = append(out, dest)
		moved += depth
	}
	return out
}
