// Package fetcher wraps the SPb transport portal's realtime stop forecast
// endpoint and normalizes its responses into arrival snapshots.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/metrics"
	"github.com/spb-transit/arrival-bot/pkg/transit"
	"google.golang.org/protobuf/proto"
)

// DefaultForecastURL is the SPb transport portal stop forecast endpoint.
const DefaultForecastURL = "https://transport.orgp.spb.ru/Portal/transport/internalapi/gtfs/realtime/stopforecast"

// Fetcher produces a fresh arrival snapshot for a stop. Implementations
// must impose their own per-call timeout and must not retry; retry policy
// belongs to the poll scheduler.
type Fetcher interface {
	Fetch(ctx context.Context, stopID transit.StopID) (transit.Snapshot, error)
}

// Config contains fetcher configuration.
type Config struct {
	// ForecastURL is the stop forecast endpoint; the stop ID is passed as
	// the stopID query parameter.
	ForecastURL string

	// Timeout bounds each fetch call.
	Timeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ForecastURL: DefaultForecastURL,
		Timeout:     10 * time.Second,
	}
}

// StopForecast fetches GTFS-RT stop forecasts over HTTP.
type StopForecast struct {
	config  Config
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

var _ Fetcher = (*StopForecast)(nil)

// New creates a stop forecast fetcher.
func New(config Config) *StopForecast {
	if config.ForecastURL == "" {
		config.ForecastURL = DefaultConfig().ForecastURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &StopForecast{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		logger:  log.With().Str("component", "fetcher").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Fetch retrieves the current forecast for a stop and returns it as a
// normalized snapshot: events sorted by arrival time ascending, duplicate
// (route, timestamp) pairs removed.
func (f *StopForecast) Fetch(ctx context.Context, stopID transit.StopID) (transit.Snapshot, error) {
	start := time.Now()

	snap, err := f.fetch(ctx, stopID)

	f.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		f.metrics.FetchesTotal.WithLabelValues("error").Inc()
		if kind, ok := KindOf(err); ok {
			f.metrics.FetchErrorsTotal.WithLabelValues(kind.String()).Inc()
		}
		return transit.Snapshot{}, err
	}

	f.metrics.FetchesTotal.WithLabelValues("success").Inc()
	f.metrics.ArrivalsPerFetch.Observe(float64(len(snap.Events)))
	return snap, nil
}

func (f *StopForecast) fetch(ctx context.Context, stopID transit.StopID) (transit.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	reqURL := f.config.ForecastURL + "?stopID=" + url.QueryEscape(string(stopID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return transit.Snapshot{}, &FetchError{Kind: KindUnreachable, StopID: stopID, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		kind := KindUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return transit.Snapshot{}, &FetchError{Kind: kind, StopID: stopID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return transit.Snapshot{}, &FetchError{
			Kind:       KindRateLimited,
			StopID:     stopID,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return transit.Snapshot{}, &FetchError{
			Kind:   KindUnreachable,
			StopID: stopID,
			Err:    fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		kind := KindUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return transit.Snapshot{}, &FetchError{Kind: kind, StopID: stopID, Err: err}
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return transit.Snapshot{}, &FetchError{Kind: KindMalformedResponse, StopID: stopID, Err: err}
	}

	return f.normalize(stopID, feed), nil
}

// normalize converts a forecast feed into a snapshot. The SPb portal keys
// feed entities by route ID; trip updates carry per-stop arrival times and
// optional delays.
func (f *StopForecast) normalize(stopID transit.StopID, feed *gtfs.FeedMessage) transit.Snapshot {
	snap := transit.Snapshot{
		StopID: stopID,
		AsOf:   time.Now(),
	}

	seen := make(map[string]struct{})

	for _, entity := range feed.GetEntity() {
		update := entity.GetTripUpdate()
		if update == nil {
			continue
		}

		routeID := update.GetTrip().GetRouteId()
		if routeID == "" {
			routeID = entity.GetId()
		}
		tripID := update.GetTrip().GetTripId()

		for _, stu := range update.GetStopTimeUpdate() {
			arrival := stu.GetArrival()
			if arrival == nil {
				continue
			}
			ts := arrival.GetTime()
			if ts == 0 {
				continue
			}

			predicted := time.Unix(ts, 0)
			delay := time.Duration(arrival.GetDelay()) * time.Second

			// Duplicate (route, timestamp) pairs are collapsed.
			key := routeID + "@" + strconv.FormatInt(ts, 10)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			ev := transit.ArrivalEvent{
				StopID:    stopID,
				RouteID:   transit.RouteID(routeID),
				TripID:    transit.TripID(tripID),
				Predicted: predicted,
				Delay:     delay,
			}
			if delay != 0 {
				ev.Scheduled = predicted.Add(-delay)
			}
			snap.Events = append(snap.Events, ev)
		}
	}

	sort.Slice(snap.Events, func(i, j int) bool {
		return snap.Events[i].EffectiveTime().Before(snap.Events[j].EffectiveTime())
	})

	return snap
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
