package transit

import (
	"fmt"
	"time"
)

// StopID identifies a physical transit stop in the SPb GTFS feed.
type StopID string

// RouteID identifies a route in the SPb GTFS feed.
type RouteID string

// TripID identifies a single scheduled trip of a route.
type TripID string

// ChatID identifies a Telegram chat subscribed to notifications.
type ChatID int64

// VehicleKind is the kind of vehicle serving a route.
type VehicleKind int

const (
	VehicleUnknown VehicleKind = iota
	VehicleBus
	VehicleTram
	VehicleTrolley
)

// ParseVehicleKind maps a GTFS route_type string from the SPb feed
// ("bus", "tram", "trolley") to a VehicleKind.
func ParseVehicleKind(s string) (VehicleKind, error) {
	switch s {
	case "bus":
		return VehicleBus, nil
	case "tram":
		return VehicleTram, nil
	case "trolley":
		return VehicleTrolley, nil
	default:
		return VehicleUnknown, fmt.Errorf("unknown vehicle kind %q", s)
	}
}

// String returns the user-facing label with the vehicle emoji, matching the
// message texts sent to subscribers.
func (v VehicleKind) String() string {
	switch v {
	case VehicleBus:
		return "Автобус 🚌"
	case VehicleTram:
		return "Трамвай 🚋"
	case VehicleTrolley:
		return "Троллейбус 🚎"
	default:
		return "Транспорт"
	}
}

// Stop is a physical transit location tracked for arrivals. Immutable once
// loaded from the static feed.
type Stop struct {
	ID   StopID
	Name string
}

// ArrivalEvent is one predicted or scheduled arrival at a stop. Events are
// produced fresh on every fetch and never mutated.
type ArrivalEvent struct {
	StopID    StopID
	RouteID   RouteID
	TripID    TripID
	// Scheduled is the timetabled arrival, zero when the upstream only
	// reports a prediction.
	Scheduled time.Time
	// Predicted is the realtime arrival estimate.
	Predicted time.Time
	// Delay is Predicted minus Scheduled when both are known.
	Delay time.Duration
}

// EffectiveTime is the best known arrival time for the event: the prediction
// when present, otherwise the schedule.
func (e ArrivalEvent) EffectiveTime() time.Time {
	if !e.Predicted.IsZero() {
		return e.Predicted
	}
	return e.Scheduled
}

// Snapshot is the set of upcoming arrivals for one stop as of a point in
// time. Events are sorted by arrival time ascending with no duplicate
// (route, timestamp) pairs; the fetcher enforces both.
type Snapshot struct {
	StopID    StopID
	AsOf      time.Time
	Events    []ArrivalEvent
}

// Subscription binds a chat to a stop, optionally narrowed to one route.
// LeewayMinutes is the subscriber's walking time to the stop; time-to-leave
// reminders fire that many minutes before an arrival.
type Subscription struct {
	ID            string
	ChatID        ChatID
	StopID        StopID
	RouteID       RouteID // empty means all routes at the stop
	Direction     string  // "0" forward, "1" backward; used for timetable fallback
	Name          string  // user-chosen label for the saved route
	LeewayMinutes int
	CreatedAt     time.Time
}

// Matches reports whether the subscription wants changes for the given route.
func (s Subscription) Matches(route RouteID) bool {
	return s.RouteID == "" || s.RouteID == route
}
