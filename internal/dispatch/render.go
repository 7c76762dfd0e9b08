package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/spb-transit/arrival-bot/pkg/transit"
)

// Namer resolves route and stop IDs to display names. The static GTFS
// store satisfies it; tests substitute a stub.
type Namer interface {
	RouteName(routeID transit.RouteID) (string, error)
	StopName(stopID transit.StopID) (string, error)
}

// Renderer turns changes into message texts for subscribers.
type Renderer struct {
	namer Namer
}

// NewRenderer creates a renderer backed by the given name resolver.
func NewRenderer(namer Namer) *Renderer {
	return &Renderer{namer: namer}
}

// Render produces the message text for one change at one subscription.
func (r *Renderer) Render(sub transit.Subscription, change transit.Change) string {
	route := r.routeLabel(change.Event.RouteID)
	stop := r.stopLabel(sub.StopID)

	var b strings.Builder
	fmt.Fprintf(&b, "🚏 %s\r\n", stop)

	switch change.Kind {
	case transit.ChangeNewArrival:
		fmt.Fprintf(&b, "🔔 %s: ожидается прибытие в %s",
			route, formatClock(change.Event.EffectiveTime()))

	case transit.ChangeDelayChanged:
		fmt.Fprintf(&b, "⏳ %s задерживается: прибытие в %s (было %s)",
			route,
			formatClock(change.Event.EffectiveTime()),
			formatClock(change.Event.EffectiveTime().Add(change.PreviousDelay-change.NewDelay)))

	case transit.ChangeCancelled:
		fmt.Fprintf(&b, "🚫 %s: рейс на %s отменен",
			route, formatClock(change.Event.EffectiveTime()))

	case transit.ChangeTimeToLeave:
		if change.FromTimetable {
			b.Reset()
			b.WriteString("⏰Я не нашел актуальных данных, но если верить расписанию, пора выходить!⏰")
		} else {
			b.Reset()
			b.WriteString("⏰Пора выходить!⏰")
		}
	}

	return b.String()
}

func (r *Renderer) routeLabel(routeID transit.RouteID) string {
	if name, err := r.namer.RouteName(routeID); err == nil {
		return name
	}
	// The feed may be mid-refresh; the raw ID still identifies the route.
	return "Маршрут " + string(routeID)
}

func (r *Renderer) stopLabel(stopID transit.StopID) string {
	if name, err := r.namer.StopName(stopID); err == nil {
		return name
	}
	return "Остановка " + string(stopID)
}

func formatClock(t time.Time) string {
	return t.Local().Format("15:04")
}
