package ws

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/domain"
	"github.com/mmuslimabdulj/goat-relay/internal/metrics"
)

// Conn is one live transport session as seen by the registry and router.
// Send must never block; it reports false when the frame was dropped
// because the connection is gone or saturated.
type Conn interface {
	ID() string
	Send(frame []byte) bool
}

// deliver enqueues frame on every conn. Dropped frames are a no-op beyond the
// counter; the next presence update cleans the connection up.
func deliver(conns []Conn, t domain.EventType, frame []byte) int {
	sent := 0
	for _, c := range conns {
		if err := sendTo(c, frame); err != nil {
			metrics.DeliveriesDropped.Inc()
			log.Debug().Err(err).Str("event", string(t)).Msg("frame dropped")
			continue
		}
		sent++
	}
	if sent > 0 {
		metrics.EventsDelivered.WithLabelValues(string(t)).Add(float64(sent))
	}
	return sent
}

// sendTo enqueues frame on c, or returns ErrStaleConnection
func sendTo(c Conn, frame []byte) error {
	if !c.Send(frame) {
		return fmt.Errorf("%w: conn %s", domain.ErrStaleConnection, c.ID())
	}
	return nil
}

// uniqueConns drops duplicate handles, keeping first occurrence order.
func uniqueConns(groups ...[]Conn) []Conn {
	seen := make(map[string]struct{})
	var out []Conn
	for _, g := range groups {
		for _, c := range g {
			if _, ok := seen[c.ID()]; ok {
				continue
			}
			seen[c.ID()] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
