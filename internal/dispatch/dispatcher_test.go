package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spb-transit/arrival-bot/pkg/transit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idNamer echoes IDs back as names so tests can match texts to tasks.
type idNamer struct{}

func (idNamer) RouteName(routeID transit.RouteID) (string, error) { return string(routeID), nil }
func (idNamer) StopName(stopID transit.StopID) (string, error)    { return string(stopID), nil }

type funcSender struct {
	fn func(ctx context.Context, chatID transit.ChatID, text string) error
}

func (s *funcSender) Send(ctx context.Context, chatID transit.ChatID, text string) error {
	return s.fn(ctx, chatID, text)
}

// recorder collects send attempts in order.
type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) add(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testConfig() Config {
	return Config{
		SendsPerSecond: 10000,
		Burst:          100,
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SendTimeout:    time.Second,
		QueueSize:      16,
	}
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.running
	}, time.Second, time.Millisecond)
}

func newArrivalChange(routeID transit.RouteID, at time.Time) transit.Change {
	return transit.Change{
		Kind: transit.ChangeNewArrival,
		Event: transit.ArrivalEvent{
			RouteID:   routeID,
			Predicted: at,
		},
	}
}

func TestTasksForOneChatDeliveredInOrder(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	firstFailures := 0

	sender := &funcSender{fn: func(_ context.Context, _ transit.ChatID, text string) error {
		rec.add(text)
		if strings.Contains(text, "route-first") {
			mu.Lock()
			defer mu.Unlock()
			if firstFailures < 2 {
				firstFailures++
				return errors.New("flaky network")
			}
		}
		return nil
	}}

	d := NewDispatcher(testConfig(), sender, NewRenderer(idNamer{}))
	startDispatcher(t, d)

	sub := transit.Subscription{ChatID: 1, StopID: "stop-1"}
	at := time.Now().Add(10 * time.Minute)
	require.NoError(t, d.Dispatch(sub, newArrivalChange("route-first", at)))
	require.NoError(t, d.Dispatch(sub, newArrivalChange("route-second", at)))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 4
	}, 2*time.Second, time.Millisecond)

	texts := rec.snapshot()
	// The first task reaches its terminal outcome (two retries, then
	// success) before the second is attempted at all.
	assert.Contains(t, texts[0], "route-first")
	assert.Contains(t, texts[1], "route-first")
	assert.Contains(t, texts[2], "route-first")
	assert.Contains(t, texts[3], "route-second")
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	rec := &recorder{}
	sender := &funcSender{fn: func(_ context.Context, _ transit.ChatID, text string) error {
		rec.add(text)
		return &SendError{Class: SendPermanent, Err: errors.New("bot was blocked by the user")}
	}}

	d := NewDispatcher(testConfig(), sender, NewRenderer(idNamer{}))
	dropped := make(chan Task, 1)
	d.OnDrop(func(task Task, err error) {
		dropped <- task
	})
	startDispatcher(t, d)

	sub := transit.Subscription{ChatID: 2, StopID: "stop-1"}
	require.NoError(t, d.Dispatch(sub, newArrivalChange("route-a", time.Now().Add(time.Minute))))

	select {
	case task := <-dropped:
		assert.Equal(t, transit.ChatID(2), task.ChatID)
		assert.Equal(t, 1, task.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("dropped task not reported")
	}

	assert.Len(t, rec.snapshot(), 1)
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	rec := &recorder{}
	sender := &funcSender{fn: func(_ context.Context, _ transit.ChatID, text string) error {
		rec.add(text)
		return errors.New("connection reset")
	}}

	config := testConfig()
	config.MaxAttempts = 3

	d := NewDispatcher(config, sender, NewRenderer(idNamer{}))
	dropped := make(chan Task, 1)
	d.OnDrop(func(task Task, err error) {
		dropped <- task
	})
	startDispatcher(t, d)

	sub := transit.Subscription{ChatID: 3, StopID: "stop-1"}
	require.NoError(t, d.Dispatch(sub, newArrivalChange("route-a", time.Now().Add(time.Minute))))

	select {
	case task := <-dropped:
		assert.Equal(t, 3, task.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("dropped task not reported")
	}

	assert.Len(t, rec.snapshot(), 3)
}

func TestRetryAfterHintDelaysNextAttempt(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time

	sender := &funcSender{fn: func(_ context.Context, _ transit.ChatID, _ string) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			return &SendError{Class: SendTransient, RetryAfter: 100 * time.Millisecond}
		}
		return nil
	}}

	config := testConfig()
	config.MaxBackoff = time.Second

	d := NewDispatcher(config, sender, NewRenderer(idNamer{}))
	startDispatcher(t, d)

	sub := transit.Subscription{ChatID: 4, StopID: "stop-1"}
	require.NoError(t, d.Dispatch(sub, newArrivalChange("route-a", time.Now().Add(time.Minute))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	gap := attempts[1].Sub(attempts[0])
	mu.Unlock()
	assert.GreaterOrEqual(t, gap, 90*time.Millisecond)
}

func TestFullQueueRejectsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sender := &funcSender{fn: func(_ context.Context, _ transit.ChatID, _ string) error {
		started <- struct{}{}
		<-release
		return nil
	}}

	config := testConfig()
	config.QueueSize = 1

	d := NewDispatcher(config, sender, NewRenderer(idNamer{}))
	startDispatcher(t, d)
	defer close(release)

	sub := transit.Subscription{ChatID: 5, StopID: "stop-1"}
	change := newArrivalChange("route-a", time.Now().Add(time.Minute))

	require.NoError(t, d.Dispatch(sub, change))

	// Wait for the worker to be mid-send so the next task sits in the
	// buffer.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started sending")
	}

	require.NoError(t, d.Dispatch(sub, change))
	assert.Error(t, d.Dispatch(sub, change))
}

func TestIdleSubscriberQueueIsReaped(t *testing.T) {
	sender := &funcSender{fn: func(_ context.Context, _ transit.ChatID, _ string) error {
		return nil
	}}

	config := testConfig()
	config.IdleTimeout = 20 * time.Millisecond

	d := NewDispatcher(config, sender, NewRenderer(idNamer{}))
	startDispatcher(t, d)

	queueCount := func() int {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.queues)
	}

	sub := transit.Subscription{ChatID: 7, StopID: "stop-1"}
	require.NoError(t, d.Dispatch(sub, newArrivalChange("route-a", time.Now().Add(time.Minute))))
	assert.Equal(t, 1, queueCount())

	// After the delivery the worker sits idle past the timeout and tears
	// its queue down.
	require.Eventually(t, func() bool {
		return queueCount() == 0
	}, 2*time.Second, time.Millisecond)

	// A later dispatch to the same chat builds a fresh queue and still
	// delivers.
	rec := &recorder{}
	sender.fn = func(_ context.Context, _ transit.ChatID, text string) error {
		rec.add(text)
		return nil
	}
	require.NoError(t, d.Dispatch(sub, newArrivalChange("route-b", time.Now().Add(time.Minute))))
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestDispatchBeforeStartFails(t *testing.T) {
	sender := &funcSender{fn: func(_ context.Context, _ transit.ChatID, _ string) error {
		return nil
	}}

	d := NewDispatcher(testConfig(), sender, NewRenderer(idNamer{}))

	sub := transit.Subscription{ChatID: 6, StopID: "stop-1"}
	err := d.Dispatch(sub, newArrivalChange("route-a", time.Now()))
	assert.Error(t, err)
}
