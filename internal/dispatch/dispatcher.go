// Package dispatch delivers notification messages to subscribers with
// global rate limiting, per-subscriber ordering and retry on transient
// failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/metrics"
	"github.com/spb-transit/arrival-bot/pkg/transit"
	"golang.org/x/time/rate"
)

// Sender is the outbound messaging capability. Implementations return a
// *SendError to classify failures; anything else is treated as transient.
type Sender interface {
	Send(ctx context.Context, chatID transit.ChatID, text string) error
}

// Task is one message to one subscriber about one change. Created on
// dispatch, destroyed once delivered or permanently failed.
type Task struct {
	ID        string
	ChatID    transit.ChatID
	Text      string
	CreatedAt time.Time
	Attempts  int
}

// Config contains dispatcher configuration.
type Config struct {
	// SendsPerSecond is the global token-bucket rate across all
	// subscribers, respecting the messaging platform's limits.
	SendsPerSecond float64

	// Burst is the token bucket depth.
	Burst int

	// MaxAttempts bounds delivery attempts per task.
	MaxAttempts int

	// InitialBackoff is the first retry delay; subsequent delays double
	// up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// SendTimeout bounds each send call.
	SendTimeout time.Duration

	// QueueSize is the per-subscriber task buffer.
	QueueSize int

	// IdleTimeout is how long a subscriber's worker sits without tasks
	// before its queue is torn down. The queue is recreated on the next
	// dispatch to that chat.
	IdleTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		SendsPerSecond: 25,
		Burst:          5,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		SendTimeout:    10 * time.Second,
		QueueSize:      64,
		IdleTimeout:    5 * time.Minute,
	}
}

// Dispatcher fans notification tasks out to per-subscriber queues, each
// drained by a single worker so one subscriber's messages arrive in
// creation order. The rate limiter is the only state shared across
// workers.
type Dispatcher struct {
	config   Config
	sender   Sender
	renderer *Renderer
	limiter  *rate.Limiter
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	// onDrop is invoked for permanently failed tasks so the owner can
	// surface them (e.g. prune dead subscriptions).
	onDrop func(task Task, err error)

	mu      sync.Mutex
	queues  map[transit.ChatID]chan Task
	ctx     context.Context
	running bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering through the given sender.
func NewDispatcher(config Config, sender Sender, renderer *Renderer) *Dispatcher {
	def := DefaultConfig()
	if config.SendsPerSecond <= 0 {
		config.SendsPerSecond = def.SendsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}

	return &Dispatcher{
		config:   config,
		sender:   sender,
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Limit(config.SendsPerSecond), config.Burst),
		logger:   log.With().Str("component", "dispatcher").Logger(),
		metrics:  metrics.GetMetrics(),
		queues:   make(map[transit.ChatID]chan Task),
	}
}

// OnDrop registers a handler for permanently failed tasks. Must be called
// before Start.
func (d *Dispatcher) OnDrop(fn func(task Task, err error)) {
	d.onDrop = fn
}

// Start runs the dispatcher until the context is canceled, then waits for
// in-flight deliveries to finish.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info().
		Float64("sends_per_second", d.config.SendsPerSecond).
		Int("max_attempts", d.config.MaxAttempts).
		Msg("Starting notification dispatcher")

	d.mu.Lock()
	d.ctx = ctx
	d.running = true
	d.mu.Unlock()

	<-ctx.Done()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	// Workers observe ctx and exit; give in-flight sends a moment.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.config.SendTimeout):
		d.logger.Warn().Msg("Dispatcher shutdown grace period expired")
	}

	d.logger.Info().Msg("Notification dispatcher stopped")
	return ctx.Err()
}

// Dispatch renders the change for the subscription and enqueues a
// notification task. A full queue drops the task rather than blocking the
// poll cycle.
func (d *Dispatcher) Dispatch(sub transit.Subscription, change transit.Change) error {
	text := d.renderer.Render(sub, change)

	task := Task{
		ID:        uuid.NewString(),
		ChatID:    sub.ChatID,
		Text:      text,
		CreatedAt: time.Now(),
	}

	// Enqueuing happens under the lock so an idle worker tearing its
	// queue down cannot strand a task in a channel nobody drains.
	d.mu.Lock()

	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not running")
	}

	queue, ok := d.queues[sub.ChatID]
	if !ok {
		queue = make(chan Task, d.config.QueueSize)
		d.queues[sub.ChatID] = queue
		d.wg.Add(1)
		go d.drain(sub.ChatID, queue)
	}

	select {
	case queue <- task:
		d.mu.Unlock()
		d.metrics.TasksEnqueuedTotal.Inc()
		d.metrics.QueueDepth.Inc()
		return nil
	default:
		d.mu.Unlock()
		d.metrics.TasksDroppedTotal.WithLabelValues("queue_full").Inc()
		d.logger.Warn().
			Int64("chat_id", int64(sub.ChatID)).
			Str("kind", change.Kind.String()).
			Msg("Subscriber queue full, dropping notification")
		return fmt.Errorf("queue full for chat %d", sub.ChatID)
	}
}

// drain delivers one chat's tasks strictly in order: the next task is not
// attempted until the previous one reached a terminal outcome. A worker
// with nothing to do for IdleTimeout removes its queue and exits.
func (d *Dispatcher) drain(chatID transit.ChatID, queue chan Task) {
	defer d.wg.Done()

	idle := time.NewTimer(d.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case task := <-queue:
			d.metrics.QueueDepth.Dec()
			d.deliver(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.config.IdleTimeout)
		case <-idle.C:
			d.mu.Lock()
			if len(queue) == 0 {
				delete(d.queues, chatID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.config.IdleTimeout)
		case <-d.ctx.Done():
			return
		}
	}
}

// deliver tries a task to its terminal outcome: delivered, permanently
// failed, or retries exhausted.
func (d *Dispatcher) deliver(task Task) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.config.InitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = d.config.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		task.Attempts++

		if err := d.limiter.Wait(d.ctx); err != nil {
			// Shutting down; the task is lost with the process.
			return
		}

		sendCtx, cancel := context.WithTimeout(d.ctx, d.config.SendTimeout)
		start := time.Now()
		err := d.sender.Send(sendCtx, task.ChatID, task.Text)
		cancel()
		d.metrics.SendDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			d.metrics.TasksDeliveredTotal.Inc()
			d.logger.Debug().
				Int64("chat_id", int64(task.ChatID)).
				Int("attempts", task.Attempts).
				Msg("Notification delivered")
			return
		}

		if d.ctx.Err() != nil {
			return
		}

		if ClassOf(err) == SendPermanent {
			d.drop(task, err, "permanent_failure")
			return
		}

		if task.Attempts >= d.config.MaxAttempts {
			d.drop(task, err, "retry_exhausted")
			return
		}

		d.metrics.SendRetriesTotal.Inc()

		wait := bo.NextBackOff()
		var se *SendError
		if errors.As(err, &se) && se.RetryAfter > wait {
			wait = se.RetryAfter
			if wait > d.config.MaxBackoff {
				wait = d.config.MaxBackoff
			}
		}

		d.logger.Debug().
			Int64("chat_id", int64(task.ChatID)).
			Int("attempt", task.Attempts).
			Dur("backoff", wait).
			Err(err).
			Msg("Transient send failure, retrying")

		select {
		case <-time.After(wait):
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) drop(task Task, err error, reason string) {
	d.metrics.TasksDroppedTotal.WithLabelValues(reason).Inc()
	d.logger.Error().
		Int64("chat_id", int64(task.ChatID)).
		Int("attempts", task.Attempts).
		Str("reason", reason).
		Err(err).
		Msg("Notification dropped")

	if d.onDrop != nil {
		d.onDrop(task, err)
	}
}
