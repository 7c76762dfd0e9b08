package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/spb-transit/arrival-bot/pkg/transit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func feedWithArrivals(routeID string, times ...int64) []byte {
	update := &gtfs.TripUpdate{
		Trip: &gtfs.TripDescriptor{
			RouteId: proto.String(routeID),
			TripId:  proto.String("trip-1"),
		},
	}
	for _, ts := range times {
		update.StopTimeUpdate = append(update.StopTimeUpdate, &gtfs.TripUpdate_StopTimeUpdate{
			Arrival: &gtfs.TripUpdate_StopTimeEvent{
				Time: proto.Int64(ts),
			},
		})
	}

	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: []*gtfs.FeedEntity{
			{
				Id:         proto.String(routeID),
				TripUpdate: update,
			},
		},
	}

	data, err := proto.Marshal(feed)
	if err != nil {
		panic(err)
	}
	return data
}

func newTestFetcher(serverURL string) *StopForecast {
	return New(Config{
		ForecastURL: serverURL,
		Timeout:     2 * time.Second,
	})
}

func TestFetchNormalizesAndSorts(t *testing.T) {
	later := time.Now().Add(20 * time.Minute).Unix()
	sooner := time.Now().Add(10 * time.Minute).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "stop-1", r.URL.Query().Get("stopID"))
		_, _ = w.Write(feedWithArrivals("route-a", later, sooner))
	}))
	defer server.Close()

	f := newTestFetcher(server.URL)

	snap, err := f.Fetch(context.Background(), "stop-1")
	require.NoError(t, err)

	require.Len(t, snap.Events, 2)
	assert.Equal(t, transit.StopID("stop-1"), snap.StopID)
	assert.Equal(t, transit.RouteID("route-a"), snap.Events[0].RouteID)
	assert.True(t, snap.Events[0].Predicted.Before(snap.Events[1].Predicted))
}

func TestFetchDeduplicatesRouteTimestampPairs(t *testing.T) {
	ts := time.Now().Add(10 * time.Minute).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(feedWithArrivals("route-a", ts, ts))
	}))
	defer server.Close()

	f := newTestFetcher(server.URL)

	snap, err := f.Fetch(context.Background(), "stop-1")
	require.NoError(t, err)
	assert.Len(t, snap.Events, 1)
}

func TestFetchMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>definitely not protobuf</html>"))
	}))
	defer server.Close()

	f := newTestFetcher(server.URL)

	_, err := f.Fetch(context.Background(), "stop-1")
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMalformedResponse, kind)
}

func TestFetchRateLimitedWithRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := newTestFetcher(server.URL)

	_, err := f.Fetch(context.Background(), "stop-1")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindRateLimited, fe.Kind)
	assert.Equal(t, 30*time.Second, fe.RetryAfter)
}

func TestFetchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := newTestFetcher(server.URL)

	_, err := f.Fetch(context.Background(), "stop-1")
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUnreachable, kind)
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	f := New(Config{
		ForecastURL: server.URL,
		Timeout:     50 * time.Millisecond,
	})

	_, err := f.Fetch(context.Background(), "stop-1")
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestFetchUnreachableHost(t *testing.T) {
	f := New(Config{
		// Reserved TEST-NET address, nothing listens there.
		ForecastURL: "http://192.0.2.1:9",
		Timeout:     200 * time.Millisecond,
	})

	_, err := f.Fetch(context.Background(), "stop-1")
	require.Error(t, err)

	_, ok := KindOf(err)
	assert.True(t, ok)
}
