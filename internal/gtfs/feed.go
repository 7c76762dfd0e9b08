// Package gtfs loads the SPb transport portal's static GTFS feed and
// answers route, stop and timetable lookups for the rest of the service.
package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spb-transit/arrival-bot/pkg/transit"
)

// RouteInfo is one route as listed in routes.txt.
type RouteInfo struct {
	ID   transit.RouteID
	Name string
}

// tripStop is one row of stop_times.txt resolved to a service-day timestamp.
type tripStop struct {
	Timestamp    time.Time
	StopID       transit.StopID
	StopSequence int
}

// routeTrips groups a route's trips by direction.
type routeTrips struct {
	Forward  []transit.TripID
	Backward []transit.TripID
}

// Feed is an immutable parse of the static GTFS archive. The Store swaps
// whole Feed values on refresh, so readers never see a partial load.
type Feed struct {
	// Routes by display number, per vehicle kind. The SPb feed reuses
	// numbers across kinds (bus 3 and tram 3 coexist).
	ByNumber map[transit.VehicleKind]map[string]RouteInfo

	// All route names by ID.
	Routes map[transit.RouteID]string

	// Stop names by ID.
	Stops map[transit.StopID]string

	// Trips per route, split by direction.
	Trips map[transit.RouteID]routeTrips

	// Stop times per trip, anchored to the load's service day.
	StopTimes map[transit.TripID][]tripStop

	LoadedAt time.Time
}

func newFeed() *Feed {
	return &Feed{
		ByNumber: map[transit.VehicleKind]map[string]RouteInfo{
			transit.VehicleBus:     {},
			transit.VehicleTram:    {},
			transit.VehicleTrolley: {},
		},
		Routes:    map[transit.RouteID]string{},
		Stops:     map[transit.StopID]string{},
		Trips:     map[transit.RouteID]routeTrips{},
		StopTimes: map[transit.TripID][]tripStop{},
		LoadedAt:  time.Now(),
	}
}

// ParseArchive reads the GTFS zip and builds a feed. serviceDay anchors
// stop_times.txt clock values; entries past 24:00 roll into the next day,
// as GTFS prescribes for overnight service.
func ParseArchive(zr *zip.Reader, serviceDay time.Time) (*Feed, error) {
	feed := newFeed()

	for _, f := range zr.File {
		var err error
		switch strings.ToLower(f.Name) {
		case "routes.txt":
			err = consume(f, feed.consumeRoute)
		case "stops.txt":
			err = consume(f, feed.consumeStop)
		case "trips.txt":
			err = consume(f, feed.consumeTrip)
		case "stop_times.txt":
			err = consume(f, func(row map[string]string) error {
				return feed.consumeStopTime(row, serviceDay)
			})
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f.Name, err)
		}
	}

	if len(feed.Routes) == 0 {
		return nil, fmt.Errorf("feed archive contains no routes")
	}

	return feed, nil
}

// consume streams a CSV file from the archive row by row, handing each row
// to fn as a header-keyed map. Malformed rows are skipped rather than
// failing the whole load; the upstream feed is not always clean.
func consume(f *zip.File, fn func(row map[string]string) error) error {
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			continue
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = strings.TrimSpace(rec[i])
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func (f *Feed) consumeRoute(row map[string]string) error {
	id := transit.RouteID(row["route_id"])
	if id == "" {
		return nil
	}

	name := row["route_long_name"]
	if name == "" {
		name = row["route_short_name"]
	}
	number := row["route_short_name"]

	f.Routes[id] = name

	// The SPb feed carries the vehicle kind as a word (bus, tram,
	// trolley) in the transport_type column.
	kindField := row["transport_type"]
	if kindField == "" {
		kindField = row["route_type"]
	}
	kind, err := transit.ParseVehicleKind(kindField)
	if err != nil {
		// Entry skipped, same as the unknown-vehicle case upstream.
		return nil
	}

	f.ByNumber[kind][strings.ToUpper(number)] = RouteInfo{ID: id, Name: name}
	return nil
}

func (f *Feed) consumeStop(row map[string]string) error {
	id := transit.StopID(row["stop_id"])
	if id == "" {
		return nil
	}
	f.Stops[id] = row["stop_name"]
	return nil
}

func (f *Feed) consumeTrip(row map[string]string) error {
	routeID := transit.RouteID(row["route_id"])
	tripID := transit.TripID(row["trip_id"])
	if routeID == "" || tripID == "" {
		return nil
	}

	trips := f.Trips[routeID]
	if row["direction_id"] == "0" {
		trips.Forward = append(trips.Forward, tripID)
	} else {
		trips.Backward = append(trips.Backward, tripID)
	}
	f.Trips[routeID] = trips
	return nil
}

func (f *Feed) consumeStopTime(row map[string]string, serviceDay time.Time) error {
	tripID := transit.TripID(row["trip_id"])
	stopID := transit.StopID(row["stop_id"])
	if tripID == "" || stopID == "" {
		return nil
	}

	ts, ok := parseServiceTime(row["arrival_time"], serviceDay)
	if !ok {
		return nil
	}

	seq, _ := strconv.Atoi(row["stop_sequence"])

	f.StopTimes[tripID] = append(f.StopTimes[tripID], tripStop{
		Timestamp:    ts,
		StopID:       stopID,
		StopSequence: seq,
	})
	return nil
}

// parseServiceTime converts a GTFS HH:MM:SS clock value to a timestamp on
// the service day. Hours of 24 and above wrap into the next calendar day.
func parseServiceTime(value string, serviceDay time.Time) (time.Time, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	nextDay := false
	if h >= 24 {
		h -= 24
		nextDay = true
	}

	y, mo, d := serviceDay.Date()
	ts := time.Date(y, mo, d, h, m, s, 0, serviceDay.Location())
	if nextDay {
		ts = ts.Add(24 * time.Hour)
	}
	return ts, true
}
