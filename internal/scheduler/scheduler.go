// Package scheduler runs one poll loop per tracked stop: fetch the
// forecast, diff it against the previous snapshot, and hand the resulting
// changes to the dispatcher for the stop's subscribers.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/diff"
	"github.com/spb-transit/arrival-bot/internal/fetcher"
	"github.com/spb-transit/arrival-bot/internal/metrics"
	"github.com/spb-transit/arrival-bot/internal/registry"
	"github.com/spb-transit/arrival-bot/internal/snapshot"
	"github.com/spb-transit/arrival-bot/pkg/transit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher receives the changes the scheduler decides are worth a
// notification.
type Dispatcher interface {
	Dispatch(sub transit.Subscription, change transit.Change) error
}

// Timetable answers static-schedule queries for the time-to-leave
// fallback when the realtime forecast has nothing for a route.
type Timetable interface {
	Timetable(routeID transit.RouteID, direction string, stopID transit.StopID, now time.Time) ([]time.Time, error)
}

// Config contains scheduler configuration.
type Config struct {
	// PollInterval is the target spacing between cycle starts per stop.
	PollInterval time.Duration

	// MinSpacing is the floor between cycles, so a cycle slower than the
	// interval cannot compress the spacing to zero.
	MinSpacing time.Duration

	// RefreshInterval is how often the tracked stop set is reconciled
	// against the subscription registry.
	RefreshInterval time.Duration

	// DegradedThreshold is the consecutive-failure count after which a
	// stop is reported degraded.
	DegradedThreshold int

	// InitialBackoff is the first retry delay after a failed cycle;
	// subsequent delays grow exponentially up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      30 * time.Second,
		MinSpacing:        time.Second,
		RefreshInterval:   time.Minute,
		DegradedThreshold: 5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Minute,
	}
}

// StopHealth is the per-stop poll state surfaced on the status endpoint.
type StopHealth struct {
	StopID              transit.StopID `json:"stop_id"`
	LastSuccess         time.Time      `json:"last_success"`
	LastError           string         `json:"last_error,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Degraded            bool           `json:"degraded"`
}

// Deps are the collaborators a scheduler drives.
type Deps struct {
	Fetcher    fetcher.Fetcher
	Snapshots  *snapshot.Store
	Diff       *diff.Engine
	Registry   registry.Registry
	Dispatcher Dispatcher

	// Timetable is optional; without it the time-to-leave fallback is
	// skipped.
	Timetable Timetable
}

// Scheduler owns the per-stop poll loops. One goroutine per tracked stop;
// a loop never overlaps itself because the next cycle is only scheduled
// after the previous one finished.
type Scheduler struct {
	config  Config
	deps    Deps
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	clock   func() time.Time

	mu       sync.Mutex
	loops    map[transit.StopID]context.CancelFunc
	health   map[transit.StopID]*StopHealth
	reminded map[string]time.Time

	wg sync.WaitGroup
}

// New creates a scheduler.
func New(config Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MinSpacing <= 0 {
		config.MinSpacing = def.MinSpacing
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = def.RefreshInterval
	}
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = def.DegradedThreshold
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}

	return &Scheduler{
		config:   config,
		deps:     deps,
		logger:   log.With().Str("component", "scheduler").Logger(),
		metrics:  metrics.GetMetrics(),
		tracer:   otel.Tracer("arrival-bot/scheduler"),
		clock:    time.Now,
		loops:    make(map[transit.StopID]context.CancelFunc),
		health:   make(map[transit.StopID]*StopHealth),
		reminded: make(map[string]time.Time),
	}
}

// Start reconciles the tracked stop set periodically and blocks until the
// context is canceled, then stops every loop and waits for them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info().
		Dur("poll_interval", s.config.PollInterval).
		Dur("refresh_interval", s.config.RefreshInterval).
		Msg("Starting poll scheduler")

	s.reconcile(ctx)

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reconcile(ctx)
		case <-ctx.Done():
			s.mu.Lock()
			for _, cancel := range s.loops {
				cancel()
			}
			s.mu.Unlock()
			s.wg.Wait()
			s.logger.Info().Msg("Poll scheduler stopped")
			return ctx.Err()
		}
	}
}

// reconcile aligns the running loops with the stops that currently have
// subscribers: new stops get a loop, abandoned stops lose theirs along
// with their snapshot, so a later re-subscribe starts cold.
func (s *Scheduler) reconcile(ctx context.Context) {
	stops, err := s.deps.Registry.TrackedStops()
	if err != nil {
		s.logger.Error().Err(err).Msg("Tracked stop refresh failed")
		return
	}

	want := make(map[transit.StopID]struct{}, len(stops))
	for _, stopID := range stops {
		want[stopID] = struct{}{}
	}

	s.mu.Lock()
	for stopID := range want {
		if _, running := s.loops[stopID]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		s.loops[stopID] = cancel
		s.wg.Add(1)
		go s.runLoop(loopCtx, stopID)
		s.logger.Info().Str("stop_id", string(stopID)).Msg("Tracking stop")
	}
	for stopID, cancel := range s.loops {
		if _, still := want[stopID]; still {
			continue
		}
		cancel()
		delete(s.loops, stopID)
		delete(s.health, stopID)
		s.deps.Snapshots.Delete(stopID)
		s.metrics.ConsecutiveFailures.DeleteLabelValues(string(stopID))
		s.logger.Info().Str("stop_id", string(stopID)).Msg("Stopped tracking stop")
	}
	s.mu.Unlock()

	s.metrics.TrackedStops.Set(float64(len(want)))
}

// runLoop polls one stop until its context is canceled. Cycles are spaced
// PollInterval apart measured from cycle start; failures switch to
// exponential backoff until the next success.
func (s *Scheduler) runLoop(ctx context.Context, stopID transit.StopID) {
	defer s.wg.Done()

	bo := newCycleBackoff(s.config)

	for {
		start := s.clock()
		err := s.cycle(ctx, stopID)
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		if err == nil {
			bo.Reset()
			wait = s.config.PollInterval - s.clock().Sub(start)
			if wait < s.config.MinSpacing {
				wait = s.config.MinSpacing
			}
		} else {
			wait = s.failureWait(bo, err)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// failureWait picks the delay before the next cycle after a failed one.
// An upstream Retry-After hint can stretch the backoff delay but never
// past the configured cap.
func (s *Scheduler) failureWait(bo backoff.BackOff, err error) time.Duration {
	wait := bo.NextBackOff()
	var fe *fetcher.FetchError
	if errors.As(err, &fe) && fe.Kind == fetcher.KindRateLimited && fe.RetryAfter > wait {
		wait = fe.RetryAfter
		if wait > s.config.MaxBackoff {
			wait = s.config.MaxBackoff
		}
	}
	return wait
}

// newCycleBackoff builds the failure backoff for one stop loop: delays
// double from InitialBackoff up to MaxBackoff and never shrink until the
// next successful cycle resets them.
func newCycleBackoff(config Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = config.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// cycle runs one fetch-diff-dispatch pass for a stop.
func (s *Scheduler) cycle(ctx context.Context, stopID transit.StopID) error {
	ctx, span := s.tracer.Start(ctx, "poll.cycle",
		trace.WithAttributes(attribute.String("stop.id", string(stopID))))
	defer span.End()

	start := time.Now()

	snap, err := s.deps.Fetcher.Fetch(ctx, stopID)
	if err != nil {
		s.recordFailure(stopID, err)
		s.metrics.CyclesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return err
	}

	s.recordSuccess(stopID)

	subs, err := s.deps.Registry.SubscribersFor(stopID)
	if err != nil {
		s.logger.Error().Err(err).Str("stop_id", string(stopID)).Msg("Subscriber lookup failed")
		subs = nil
	}

	now := s.clock()
	previous, had := s.deps.Snapshots.Put(snap)
	var prevPtr *transit.Snapshot
	if had {
		prevPtr = &previous
	}

	changes := s.deps.Diff.Diff(prevPtr, snap, now)
	span.SetAttributes(attribute.Int("changes", len(changes)))

	for _, change := range changes {
		for _, sub := range subs {
			if !sub.Matches(change.Event.RouteID) {
				continue
			}
			if err := s.deps.Dispatcher.Dispatch(sub, change); err != nil {
				s.logger.Warn().
					Err(err).
					Int64("chat_id", int64(sub.ChatID)).
					Str("kind", change.Kind.String()).
					Msg("Change not dispatched")
			}
		}
	}

	s.remindTimeToLeave(snap, subs, now)

	s.metrics.CyclesTotal.WithLabelValues("success").Inc()
	s.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	return nil
}

// remindTimeToLeave fires the walk-out reminder for subscriptions whose
// leave-by moment (arrival minus leeway) falls within the next minute.
// An arrival already inside the leeway window cannot be caught anymore
// and never reminds; with no catchable realtime arrival at all, the
// static timetable is consulted instead. Each (subscription, arrival)
// pair reminds at most once.
func (s *Scheduler) remindTimeToLeave(snap transit.Snapshot, subs []transit.Subscription, now time.Time) {
	for _, sub := range subs {
		if sub.LeewayMinutes <= 0 {
			continue
		}
		leeway := time.Duration(sub.LeewayMinutes) * time.Minute

		var due *transit.ArrivalEvent
		catchable := false
		for i := range snap.Events {
			ev := snap.Events[i]
			if !sub.Matches(ev.RouteID) {
				continue
			}
			leaveBy := ev.EffectiveTime().Add(-leeway)
			if leaveBy.Before(now) {
				continue
			}
			// Events are sorted ascending; the first catchable arrival
			// is the one to catch.
			catchable = true
			if leaveBy.Before(now.Add(time.Minute)) {
				due = &ev
			}
			break
		}

		if due != nil {
			if s.alreadyReminded(sub.ID, due.EffectiveTime(), now) {
				continue
			}
			s.dispatchReminder(sub, transit.Change{
				Kind:  transit.ChangeTimeToLeave,
				Event: *due,
			})
			continue
		}
		if catchable {
			// Realtime data covers the route; just not time to go yet.
			continue
		}

		// No catchable realtime arrival for the route; the printed
		// timetable still knows when to leave.
		if s.deps.Timetable == nil || sub.RouteID == "" {
			continue
		}
		times, err := s.deps.Timetable.Timetable(sub.RouteID, sub.Direction, sub.StopID, now)
		if err != nil {
			continue
		}
		for _, at := range times {
			leaveBy := at.Add(-leeway)
			if leaveBy.Before(now) {
				continue
			}
			if leaveBy.Before(now.Add(time.Minute)) && !s.alreadyReminded(sub.ID, at, now) {
				s.dispatchReminder(sub, transit.Change{
					Kind: transit.ChangeTimeToLeave,
					Event: transit.ArrivalEvent{
						StopID:    sub.StopID,
						RouteID:   sub.RouteID,
						Scheduled: at,
					},
					FromTimetable: true,
				})
			}
			break
		}
	}
}

func (s *Scheduler) dispatchReminder(sub transit.Subscription, change transit.Change) {
	s.metrics.ChangesTotal.WithLabelValues(change.Kind.String()).Inc()
	if err := s.deps.Dispatcher.Dispatch(sub, change); err != nil {
		s.logger.Warn().
			Err(err).
			Int64("chat_id", int64(sub.ChatID)).
			Msg("Reminder not dispatched")
	}
}

// alreadyReminded marks a (subscription, arrival) pair and reports whether
// it was already marked. Arrival times are bucketed by minute so forecast
// jitter does not re-fire the reminder; stale entries age out.
func (s *Scheduler) alreadyReminded(subID string, at time.Time, now time.Time) bool {
	key := subID + "@" + strconv.FormatInt(at.Truncate(time.Minute).Unix(), 10)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, seen := range s.reminded {
		if now.Sub(seen) > 2*time.Hour {
			delete(s.reminded, k)
		}
	}

	if _, sent := s.reminded[key]; sent {
		return true
	}
	s.reminded[key] = now
	return false
}

func (s *Scheduler) recordSuccess(stopID transit.StopID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.healthFor(stopID)
	h.LastSuccess = s.clock()
	h.LastError = ""
	h.ConsecutiveFailures = 0
	if h.Degraded {
		h.Degraded = false
		s.logger.Info().Str("stop_id", string(stopID)).Msg("Stop recovered")
	}

	s.metrics.ConsecutiveFailures.WithLabelValues(string(stopID)).Set(0)
	s.refreshDegradedGaugeLocked()
}

func (s *Scheduler) recordFailure(stopID transit.StopID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.healthFor(stopID)
	h.LastError = err.Error()
	h.ConsecutiveFailures++
	if !h.Degraded && h.ConsecutiveFailures >= s.config.DegradedThreshold {
		h.Degraded = true
		s.logger.Warn().
			Str("stop_id", string(stopID)).
			Int("consecutive_failures", h.ConsecutiveFailures).
			Msg("Stop degraded")
	}

	s.metrics.ConsecutiveFailures.WithLabelValues(string(stopID)).Set(float64(h.ConsecutiveFailures))
	s.refreshDegradedGaugeLocked()
}

func (s *Scheduler) healthFor(stopID transit.StopID) *StopHealth {
	h, ok := s.health[stopID]
	if !ok {
		h = &StopHealth{StopID: stopID}
		s.health[stopID] = h
	}
	return h
}

func (s *Scheduler) refreshDegradedGaugeLocked() {
	degraded := 0
	for _, h := range s.health {
		if h.Degraded {
			degraded++
		}
	}
	s.metrics.StopsDegraded.Set(float64(degraded))
}

// Health returns a copy of the per-stop poll state, sorted by stop ID.
func (s *Scheduler) Health() []StopHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StopHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StopID < out[j].StopID })
	return out
}
