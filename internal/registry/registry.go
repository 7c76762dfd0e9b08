// Package registry persists subscriptions (saved routes) in badger and
// answers the core's read-only subscribers-by-stop queries.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spb-transit/arrival-bot/internal/metrics"
	"github.com/spb-transit/arrival-bot/pkg/transit"
)

const (
	// Prefix keys for the two key families.
	prefixSub  = "sub:"  // sub:<chatID>:<subID> -> subscription JSON
	prefixStop = "stop:" // stop:<stopID>:<chatID>:<subID> -> primary key
)

// Registry is the read side consumed by the poll scheduler.
type Registry interface {
	// SubscribersFor returns every subscription interested in a stop. An
	// empty result is a normal state, not an error.
	SubscribersFor(stopID transit.StopID) ([]transit.Subscription, error)

	// TrackedStops returns the distinct stops with at least one
	// subscription.
	TrackedStops() ([]transit.StopID, error)
}

// Config contains registry configuration.
type Config struct {
	// DataDir is the badger database directory.
	DataDir string
}

// Store is a badger-backed subscription registry with full CRUD for the
// bot frontend. The polling core only uses the Registry read interface.
type Store struct {
	db      *badger.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

var _ Registry = (*Store)(nil)

// Open opens (creating if needed) the registry database.
func Open(config Config) (*Store, error) {
	opts := badger.DefaultOptions(config.DataDir).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  log.With().Str("component", "registry").Logger(),
		metrics: metrics.GetMetrics(),
	}
	s.refreshGauge()
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func subKey(chatID transit.ChatID, subID string) []byte {
	return []byte(prefixSub + strconv.FormatInt(int64(chatID), 10) + ":" + subID)
}

func stopKey(stopID transit.StopID, chatID transit.ChatID, subID string) []byte {
	return []byte(prefixStop + string(stopID) + ":" + strconv.FormatInt(int64(chatID), 10) + ":" + subID)
}

// Add stores a new subscription and returns it with ID and creation time
// filled in.
func (s *Store) Add(sub transit.Subscription) (transit.Subscription, error) {
	if sub.StopID == "" {
		return transit.Subscription{}, fmt.Errorf("subscription has no stop")
	}

	sub.ID = uuid.NewString()
	sub.CreatedAt = time.Now()

	value, err := json.Marshal(sub)
	if err != nil {
		return transit.Subscription{}, fmt.Errorf("encoding subscription: %w", err)
	}

	primary := subKey(sub.ChatID, sub.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(primary, value); err != nil {
			return err
		}
		return txn.Set(stopKey(sub.StopID, sub.ChatID, sub.ID), primary)
	})
	if err != nil {
		return transit.Subscription{}, fmt.Errorf("storing subscription: %w", err)
	}

	s.logger.Info().
		Int64("chat_id", int64(sub.ChatID)).
		Str("stop_id", string(sub.StopID)).
		Str("route_id", string(sub.RouteID)).
		Str("name", sub.Name).
		Msg("Subscription added")

	s.refreshGauge()
	return sub, nil
}

// Remove deletes a subscription and its stop index entry.
func (s *Store) Remove(chatID transit.ChatID, subID string) error {
	primary := subKey(chatID, subID)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(primary)
		if err != nil {
			return err
		}

		var sub transit.Subscription
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		}); err != nil {
			return err
		}

		if err := txn.Delete(stopKey(sub.StopID, chatID, subID)); err != nil {
			return err
		}
		return txn.Delete(primary)
	})
	if err != nil {
		return fmt.Errorf("removing subscription: %w", err)
	}

	s.logger.Info().
		Int64("chat_id", int64(chatID)).
		Str("subscription_id", subID).
		Msg("Subscription removed")

	s.refreshGauge()
	return nil
}

// ListByChat returns a chat's saved subscriptions, oldest first.
func (s *Store) ListByChat(chatID transit.ChatID) ([]transit.Subscription, error) {
	prefix := []byte(prefixSub + strconv.FormatInt(int64(chatID), 10) + ":")

	var subs []transit.Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sub transit.Subscription
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

// SubscribersFor returns every subscription for a stop via the stop index.
func (s *Store) SubscribersFor(stopID transit.StopID) ([]transit.Subscription, error) {
	prefix := []byte(prefixStop + string(stopID) + ":")

	var subs []transit.Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var primary []byte
			if err := it.Item().Value(func(val []byte) error {
				primary = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get(primary)
			if err != nil {
				// Dangling index entry; skip rather than fail the
				// whole query.
				continue
			}
			var sub transit.Subscription
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying subscribers for stop %s: %w", stopID, err)
	}

	return subs, nil
}

// TrackedStops returns the distinct stops that have subscribers.
func (s *Store) TrackedStops() ([]transit.StopID, error) {
	prefix := []byte(prefixStop)

	seen := make(map[transit.StopID]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, prefixStop)
			// stop:<stopID>:<chatID>:<subID>; stop IDs contain no
			// colons in the SPb feed.
			if idx := strings.Index(rest, ":"); idx > 0 {
				seen[transit.StopID(rest[:idx])] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tracked stops: %w", err)
	}

	stops := make([]transit.StopID, 0, len(seen))
	for stop := range seen {
		stops = append(stops, stop)
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i] < stops[j] })
	return stops, nil
}

// refreshGauge recounts stored subscriptions for the metrics gauge.
func (s *Store) refreshGauge() {
	count := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixSub)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	s.metrics.SubscriptionsActive.Set(float64(count))
}
