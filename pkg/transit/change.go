package transit

import "time"

// ChangeKind classifies a notification-worthy difference between two
// snapshots of the same stop.
type ChangeKind int

const (
	// ChangeNewArrival: the event appears in the current snapshot only.
	ChangeNewArrival ChangeKind = iota
	// ChangeDelayChanged: same trip identity, delay moved beyond the
	// configured threshold.
	ChangeDelayChanged
	// ChangeCancelled: the event disappeared while its arrival time was
	// still in the future.
	ChangeCancelled
	// ChangeTimeToLeave: a forecast arrival minus the subscriber's leeway
	// falls due. Emitted per subscription by the scheduler, not the diff
	// engine.
	ChangeTimeToLeave
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNewArrival:
		return "new_arrival"
	case ChangeDelayChanged:
		return "delay_changed"
	case ChangeCancelled:
		return "cancelled"
	case ChangeTimeToLeave:
		return "time_to_leave"
	default:
		return "unknown"
	}
}

// Change is one notifiable difference for a stop.
type Change struct {
	Kind  ChangeKind
	Event ArrivalEvent

	// Delay transition, set for ChangeDelayChanged.
	PreviousDelay time.Duration
	NewDelay      time.Duration

	// FromTimetable marks a ChangeTimeToLeave produced from the static
	// timetable because no realtime data was available.
	FromTimetable bool
}
