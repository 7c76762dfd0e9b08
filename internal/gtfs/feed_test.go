package gtfs

import (
	"archive/zip"
	"bytes"
	"testing"
	"time"

	"github.com/spb-transit/arrival-bot/pkg/transit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serviceDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func buildArchive(t *testing.T, files map[string]string) *zip.Reader {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return zr
}

func testArchive(t *testing.T) *zip.Reader {
	return buildArchive(t, map[string]string{
		"routes.txt": "route_id,agency_id,route_short_name,route_long_name,transport_type\n" +
			"r-1,a-1,3,\"ПЛОЩАДЬ ЛЕНИНА - ФИНЛЯНДСКИЙ ВОКЗАЛ\",tram\n" +
			"r-2,a-1,3,НЕВСКИЙ ПРОСПЕКТ,bus\n" +
			"r-3,a-1,10К,СКОРОСТНАЯ ЛИНИЯ,trolley\n" +
			"r-4,a-1,99,ФУНИКУЛЕР,funicular\n",
		"stops.txt": "stop_id,stop_name\n" +
			"s-1,\"УЛИЦА ДЫБЕНКО\"\n" +
			"s-2,ПРОСПЕКТ БОЛЬШЕВИКОВ\n",
		"trips.txt": "route_id,service_id,trip_id,direction_id\n" +
			"r-1,wd,t-1,0\n" +
			"r-1,wd,t-2,1\n" +
			"r-2,wd,t-3,0\n",
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"t-1,10:00:00,10:00:30,s-1,1\n" +
			"t-1,10:05:00,10:05:30,s-2,2\n" +
			"t-3,25:30:00,25:30:30,s-1,1\n",
	})
}

func TestParseArchiveRoutes(t *testing.T) {
	feed, err := ParseArchive(testArchive(t), serviceDay)
	require.NoError(t, err)

	assert.Len(t, feed.Routes, 4)

	tram, ok := feed.ByNumber[transit.VehicleTram]["3"]
	require.True(t, ok)
	assert.Equal(t, transit.RouteID("r-1"), tram.ID)

	bus, ok := feed.ByNumber[transit.VehicleBus]["3"]
	require.True(t, ok)
	assert.Equal(t, transit.RouteID("r-2"), bus.ID)

	trolley, ok := feed.ByNumber[transit.VehicleTrolley]["10К"]
	require.True(t, ok)
	assert.Equal(t, transit.RouteID("r-3"), trolley.ID)

	// Unknown vehicle kinds keep their name entry but no number entry.
	assert.Contains(t, feed.Routes, transit.RouteID("r-4"))
}

func TestParseArchiveStopTimesRollover(t *testing.T) {
	feed, err := ParseArchive(testArchive(t), serviceDay)
	require.NoError(t, err)

	times := feed.StopTimes["t-3"]
	require.Len(t, times, 1)

	// 25:30 on March 1st is 01:30 on March 2nd.
	want := time.Date(2024, 3, 2, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, want, times[0].Timestamp)
}

func TestParseArchiveRequiresRoutes(t *testing.T) {
	empty := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name\ns-1,X\n",
	})

	_, err := ParseArchive(empty, serviceDay)
	assert.Error(t, err)
}

func newLoadedStore(t *testing.T) *Store {
	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)

	feed, err := ParseArchive(testArchive(t), serviceDay)
	require.NoError(t, err)
	store.Replace(feed)
	return store
}

func TestStoreNames(t *testing.T) {
	store := newLoadedStore(t)

	route, err := store.RouteName("r-1")
	require.NoError(t, err)
	assert.Equal(t, "Площадь Ленина - Финляндский Вокзал", route)

	stop, err := store.StopName("s-1")
	require.NoError(t, err)
	assert.Equal(t, "Улица Дыбенко", stop)

	_, err = store.StopName("missing")
	assert.Error(t, err)
}

func TestStoreFindByNumber(t *testing.T) {
	store := newLoadedStore(t)

	matches := store.FindByNumber("3")
	require.Len(t, matches, 2)

	kinds := []transit.VehicleKind{matches[0].Kind, matches[1].Kind}
	assert.Contains(t, kinds, transit.VehicleBus)
	assert.Contains(t, kinds, transit.VehicleTram)

	assert.Empty(t, store.FindByNumber("777"))
}

func TestStoreStopsOnRoute(t *testing.T) {
	store := newLoadedStore(t)

	stops, err := store.StopsOnRoute("r-1", "0")
	require.NoError(t, err)
	assert.Equal(t, []transit.StopID{"s-1", "s-2"}, stops)
}

func TestStoreStopsOnRouteDirectionFallback(t *testing.T) {
	store := newLoadedStore(t)

	// r-1 has backward trip t-2 with no stop times; the forward
	// direction is used instead.
	stops, err := store.StopsOnRoute("r-1", "1")
	require.NoError(t, err)
	assert.Equal(t, []transit.StopID{"s-1", "s-2"}, stops)
}

func TestStoreTimetable(t *testing.T) {
	store := newLoadedStore(t)

	now := time.Date(2024, 3, 1, 10, 2, 0, 0, time.UTC)
	timetable, err := store.Timetable("r-1", "0", "s-2", now)
	require.NoError(t, err)

	require.Len(t, timetable, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), timetable[0])

	// The 10:00 arrival at s-1 is already past.
	past, err := store.Timetable("r-1", "0", "s-1", now)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestFormatRouteName(t *testing.T) {
	assert.Equal(t,
		"Площадь Ленина - Финляндский Вокзал",
		FormatRouteName(`"ПЛОЩАДЬ ЛЕНИНА - ФИНЛЯНДСКИЙ ВОКЗАЛ"`),
	)
}
