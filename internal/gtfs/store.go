package gtfs

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/pkg/transit"
)

// DefaultFeedURL is the SPb transport portal static feed archive.
const DefaultFeedURL = "https://transport.orgp.spb.ru/Portal/transport/internalapi/gtfs/feed.zip"

// Config contains static feed settings.
type Config struct {
	// FeedURL is the feed.zip download location.
	FeedURL string

	// RefreshInterval is how often the feed is re-downloaded. Zero
	// disables periodic refresh (the startup load still happens).
	RefreshInterval time.Duration

	// DownloadTimeout bounds the archive download.
	DownloadTimeout time.Duration

	// NameCacheSize bounds the formatted-name LRU cache.
	NameCacheSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		FeedURL:         DefaultFeedURL,
		RefreshInterval: 24 * time.Hour,
		DownloadTimeout: 2 * time.Minute,
		NameCacheSize:   4096,
	}
}

// Store holds the current static feed and serves lookups. The feed value is
// swapped whole under a write lock on refresh; lookups take a read lock.
type Store struct {
	config    Config
	mu        sync.RWMutex
	feed      *Feed
	nameCache *lru.Cache
	client    *http.Client
	logger    zerolog.Logger
}

// NewStore creates an empty store. Load must run before lookups return data.
func NewStore(config Config) (*Store, error) {
	if config.FeedURL == "" {
		config.FeedURL = DefaultConfig().FeedURL
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = DefaultConfig().DownloadTimeout
	}
	if config.NameCacheSize <= 0 {
		config.NameCacheSize = DefaultConfig().NameCacheSize
	}

	cache, err := lru.New(config.NameCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating name cache: %w", err)
	}

	return &Store{
		config:    config,
		nameCache: cache,
		client:    &http.Client{Timeout: config.DownloadTimeout},
		logger:    log.With().Str("component", "gtfs").Logger(),
	}, nil
}

// Load downloads and parses the feed archive, replacing the current feed.
func (s *Store) Load(ctx context.Context) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("building feed request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading feed: HTTP %d", resp.StatusCode)
	}

	// The archive does not fit a streaming reader; spool it to disk the
	// same way the portal's own tooling does.
	tmp, err := os.CreateTemp("", "gtfs-feed-*.zip")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return fmt.Errorf("spooling feed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	zr, err := zip.OpenReader(tmp.Name())
	if err != nil {
		return fmt.Errorf("opening feed archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	feed, err := ParseArchive(&zr.Reader, time.Now())
	if err != nil {
		return fmt.Errorf("parsing feed: %w", err)
	}

	s.Replace(feed)

	s.logger.Info().
		Int64("archive_bytes", size).
		Int("routes", len(feed.Routes)).
		Int("stops", len(feed.Stops)).
		Dur("took", time.Since(start)).
		Msg("Static feed loaded")

	return nil
}

// Replace swaps in a parsed feed and invalidates the name cache.
func (s *Store) Replace(feed *Feed) {
	s.mu.Lock()
	s.feed = feed
	s.mu.Unlock()
	s.nameCache.Purge()
}

// Run loads the feed once, then refreshes on the configured interval until
// the context is canceled. The initial load failing is fatal; later refresh
// failures keep the previous feed and are retried next interval.
func (s *Store) Run(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return fmt.Errorf("initial feed load: %w", err)
	}

	if s.config.RefreshInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Load(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Feed refresh failed, keeping previous feed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Loaded reports whether a feed is available.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feed != nil
}

// RouteName returns the formatted display name for a route.
func (s *Store) RouteName(routeID transit.RouteID) (string, error) {
	if v, ok := s.nameCache.Get("r:" + string(routeID)); ok {
		return v.(string), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.feed == nil {
		return "", fmt.Errorf("static feed not loaded")
	}
	raw, ok := s.feed.Routes[routeID]
	if !ok {
		return "", fmt.Errorf("unknown route %s", routeID)
	}

	name := FormatRouteName(raw)
	s.nameCache.Add("r:"+string(routeID), name)
	return name, nil
}

// StopName returns the formatted display name for a stop.
func (s *Store) StopName(stopID transit.StopID) (string, error) {
	if v, ok := s.nameCache.Get("s:" + string(stopID)); ok {
		return v.(string), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.feed == nil {
		return "", fmt.Errorf("static feed not loaded")
	}
	raw, ok := s.feed.Stops[stopID]
	if !ok {
		return "", fmt.Errorf("unknown stop %s", stopID)
	}

	name := FormatStopName(raw)
	s.nameCache.Add("s:"+string(stopID), name)
	return name, nil
}

// RouteMatch is a route found by its display number.
type RouteMatch struct {
	Kind transit.VehicleKind
	Info RouteInfo
}

// FindByNumber returns all routes carrying the given display number, one
// per vehicle kind at most.
func (s *Store) FindByNumber(number string) []RouteMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.feed == nil {
		return nil
	}

	upper := toUpper(number)
	var matches []RouteMatch
	for _, kind := range []transit.VehicleKind{transit.VehicleBus, transit.VehicleTrolley, transit.VehicleTram} {
		if info, ok := s.feed.ByNumber[kind][upper]; ok {
			matches = append(matches, RouteMatch{Kind: kind, Info: info})
		}
	}
	return matches
}

// StopsOnRoute returns the ordered stops served by a route in the given
// direction ("0" forward, "1" backward). Circular routes sometimes list
// trips for a return direction that has no stop times; when the requested
// direction yields nothing, the other direction is tried before giving up.
func (s *Store) StopsOnRoute(routeID transit.RouteID, direction string) ([]transit.StopID, error) {
	stops, err := s.stopsOnRoute(routeID, direction)
	if err == nil {
		return stops, nil
	}

	flipped := "1"
	if direction == "1" {
		flipped = "0"
	}
	if stops, err2 := s.stopsOnRoute(routeID, flipped); err2 == nil {
		return stops, nil
	}
	return nil, err
}

func (s *Store) stopsOnRoute(routeID transit.RouteID, direction string) ([]transit.StopID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.feed == nil {
		return nil, fmt.Errorf("static feed not loaded")
	}

	trips, ok := s.feed.Trips[routeID]
	if !ok {
		return nil, fmt.Errorf("no trips for route %s", routeID)
	}

	tripIDs := trips.Forward
	if direction == "1" {
		tripIDs = trips.Backward
	}

	for _, trip := range tripIDs {
		stopTimes, ok := s.feed.StopTimes[trip]
		if !ok || len(stopTimes) == 0 {
			continue
		}
		ordered := make([]tripStop, len(stopTimes))
		copy(ordered, stopTimes)
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].StopSequence < ordered[j].StopSequence
		})
		stops := make([]transit.StopID, 0, len(ordered))
		for _, st := range ordered {
			stops = append(stops, st.StopID)
		}
		return stops, nil
	}

	return nil, fmt.Errorf("no stop times for route %s direction %s", routeID, direction)
}

// Timetable returns the scheduled future arrivals of a route at a stop,
// ascending. Used as a fallback when the realtime forecast has nothing.
func (s *Store) Timetable(routeID transit.RouteID, direction string, stopID transit.StopID, now time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.feed == nil {
		return nil, fmt.Errorf("static feed not loaded")
	}

	trips, ok := s.feed.Trips[routeID]
	if !ok {
		return nil, fmt.Errorf("no trips for route %s", routeID)
	}

	tripIDs := trips.Forward
	if direction == "1" {
		tripIDs = trips.Backward
	}

	var timetable []time.Time
	for _, trip := range tripIDs {
		for _, st := range s.feed.StopTimes[trip] {
			if st.StopID == stopID && st.Timestamp.After(now) {
				timetable = append(timetable, st.Timestamp)
			}
		}
	}

	sort.Slice(timetable, func(i, j int) bool {
		return timetable[i].Before(timetable[j])
	})

	return timetable, nil
}
