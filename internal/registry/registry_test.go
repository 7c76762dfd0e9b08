package registry

import (
	"testing"

	"github.com/spb-transit/arrival-bot/pkg/transit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestAddAssignsIdentity(t *testing.T) {
	store := openTestStore(t)

	sub, err := store.Add(transit.Subscription{
		ChatID:        42,
		StopID:        "stop-1",
		RouteID:       "route-a",
		Name:          "домой",
		LeewayMinutes: 7,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sub.ID)
	assert.False(t, sub.CreatedAt.IsZero())
}

func TestAddRequiresStop(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Add(transit.Subscription{ChatID: 42})
	assert.Error(t, err)
}

func TestListByChat(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Add(transit.Subscription{ChatID: 42, StopID: "stop-1", Name: "домой"})
	require.NoError(t, err)
	_, err = store.Add(transit.Subscription{ChatID: 42, StopID: "stop-2", Name: "на работу"})
	require.NoError(t, err)
	_, err = store.Add(transit.Subscription{ChatID: 7, StopID: "stop-1"})
	require.NoError(t, err)

	subs, err := store.ListByChat(42)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "домой", subs[0].Name)
	assert.Equal(t, "на работу", subs[1].Name)
}

func TestSubscribersForStop(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Add(transit.Subscription{ChatID: 42, StopID: "stop-1", RouteID: "route-a"})
	require.NoError(t, err)
	_, err = store.Add(transit.Subscription{ChatID: 7, StopID: "stop-1"})
	require.NoError(t, err)
	_, err = store.Add(transit.Subscription{ChatID: 9, StopID: "stop-2"})
	require.NoError(t, err)

	subs, err := store.SubscribersFor("stop-1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	empty, err := store.SubscribersFor("stop-without-subscribers")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRemoveDropsStopIndex(t *testing.T) {
	store := openTestStore(t)

	sub, err := store.Add(transit.Subscription{ChatID: 42, StopID: "stop-1"})
	require.NoError(t, err)

	require.NoError(t, store.Remove(42, sub.ID))

	subs, err := store.SubscribersFor("stop-1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	list, err := store.ListByChat(42)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTrackedStops(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Add(transit.Subscription{ChatID: 42, StopID: "stop-2"})
	require.NoError(t, err)
	_, err = store.Add(transit.Subscription{ChatID: 7, StopID: "stop-1"})
	require.NoError(t, err)
	_, err = store.Add(transit.Subscription{ChatID: 9, StopID: "stop-1"})
	require.NoError(t, err)

	stops, err := store.TrackedStops()
	require.NoError(t, err)
	assert.Equal(t, []transit.StopID{"stop-1", "stop-2"}, stops)
}
