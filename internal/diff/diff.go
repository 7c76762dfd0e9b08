// Package diff compares consecutive snapshots of a stop and extracts the
// changes worth notifying subscribers about.
package diff

import (
	"fmt"
	"time"

	"github.com/spb-transit/arrival-bot/internal/metrics"
	"github.com/spb-transit/arrival-bot/pkg/transit"
)

// Config contains diff engine configuration.
type Config struct {
	// MatchTolerance buckets arrival timestamps when matching events
	// across snapshots, absorbing prediction jitter.
	MatchTolerance time.Duration

	// DelayThreshold is the minimum delay movement that produces a
	// notification.
	DelayThreshold time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MatchTolerance: 30 * time.Second,
		DelayThreshold: 2 * time.Minute,
	}
}

// Engine computes notifiable changes between two snapshots of one stop.
// Stateless; snapshots come in, changes come out.
type Engine struct {
	config  Config
	metrics *metrics.Metrics
}

// NewEngine creates a diff engine.
func NewEngine(config Config) *Engine {
	def := DefaultConfig()
	if config.MatchTolerance <= 0 {
		config.MatchTolerance = def.MatchTolerance
	}
	if config.DelayThreshold <= 0 {
		config.DelayThreshold = def.DelayThreshold
	}

	return &Engine{
		config:  config,
		metrics: metrics.GetMetrics(),
	}
}

// tripKey is the matching identity of an event across snapshots: the route
// plus the arrival timestamp rounded to the tolerance bucket. Trip IDs are
// not stable across forecast responses, so they take no part in matching.
func (e *Engine) tripKey(ev transit.ArrivalEvent) string {
	ts := ev.Scheduled
	if ts.IsZero() {
		ts = ev.Predicted
	}
	return fmt.Sprintf("%s@%d", ev.RouteID, ts.Round(e.config.MatchTolerance).Unix())
}

// Diff returns the changes from the previous snapshot to the current one.
// A nil previous snapshot is a cold start and produces no changes; the
// first fetch after startup must not replay the whole forecast as news.
func (e *Engine) Diff(previous *transit.Snapshot, current transit.Snapshot, now time.Time) []transit.Change {
	if previous == nil {
		return nil
	}

	prevByKey := make(map[string]transit.ArrivalEvent, len(previous.Events))
	for _, ev := range previous.Events {
		prevByKey[e.tripKey(ev)] = ev
	}

	currentKeys := make(map[string]struct{}, len(current.Events))

	var changes []transit.Change
	for _, ev := range current.Events {
		key := e.tripKey(ev)
		currentKeys[key] = struct{}{}

		prev, existed := prevByKey[key]
		if !existed {
			// Past-due events are noise left over from the upstream
			// forecast window, not news.
			if !ev.EffectiveTime().After(now) {
				continue
			}
			changes = append(changes, transit.Change{
				Kind:  transit.ChangeNewArrival,
				Event: ev,
			})
			continue
		}

		// Same past-due rule for matched events: a vehicle that already
		// arrived cannot usefully report a delay change.
		if !ev.EffectiveTime().After(now) {
			continue
		}

		delta := ev.Delay - prev.Delay
		if delta < 0 {
			delta = -delta
		}
		if delta >= e.config.DelayThreshold {
			changes = append(changes, transit.Change{
				Kind:          transit.ChangeDelayChanged,
				Event:         ev,
				PreviousDelay: prev.Delay,
				NewDelay:      ev.Delay,
			})
		}
	}

	for _, ev := range previous.Events {
		key := e.tripKey(ev)
		if _, still := currentKeys[key]; still {
			continue
		}
		// A vanished event whose arrival time already passed simply
		// departed; only future disappearances are cancellations.
		if !ev.EffectiveTime().After(now) {
			continue
		}
		changes = append(changes, transit.Change{
			Kind:  transit.ChangeCancelled,
			Event: ev,
		})
	}

	for _, change := range changes {
		e.metrics.ChangesTotal.WithLabelValues(change.Kind.String()).Inc()
	}

	return changes
}
