// Package provider defines the contract between the lease coordinator and the
// subsystem that asynchronously grants and revokes network bearers.
package provider

import (
	"context"
	"errors"
	"net"
	"time"
)

// Class ranks bearer transport types. Higher values are preferred when the
// coordinator decides whether a newly reported bearer should replace a held
// one.
type Class int

const (
	// ClassCellular is the primary transport a request asks for.
	ClassCellular Class = iota
	// ClassSatellite is the broadened fallback transport; bearers of this
	// class may be restricted.
	ClassSatellite
	// ClassWLAN is the preferred alternative transport. Its availability
	// means the qualified-network layer recommends it over cellular.
	ClassWLAN
)

// String returns the lowercase transport name.
func (c Class) String() string {
	switch c {
	case ClassCellular:
		return "cellular"
	case ClassSatellite:
		return "satellite"
	case ClassWLAN:
		return "wlan"
	default:
		return "unknown"
	}
}

// FallbackSpec broadens a request so bearers of a relaxed capability set can
// satisfy it when the primary transport is unavailable.
type FallbackSpec struct {
	Transport       Class
	AllowRestricted bool
}

// RequestSpec is the immutable description of a bearer request.
type RequestSpec struct {
	Owner      string
	Capability string
	Transport  Class
	Fallback   *FallbackSpec
}

// Bearer is the opaque handle to a granted network transport. Implementations
// must be comparable via ID and expose a dialer bound to the transport so
// derived clients route their traffic over it.
type Bearer interface {
	ID() string
	Class() Class
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Capabilities is the capability snapshot delivered alongside bearer events.
type Capabilities struct {
	Suspended  bool
	Transports []string
	Metered    bool
	Name       string
}

// Has reports whether the snapshot includes the given transport.
func (c Capabilities) Has(transport string) bool {
	for _, t := range c.Transports {
		if t == transport {
			return true
		}
	}
	return false
}

// EventKind tags a bearer event.
type EventKind int

const (
	// EventAvailable reports a newly granted bearer.
	EventAvailable EventKind = iota
	// EventCapabilitiesChanged reports a capability update for a bearer.
	EventCapabilitiesChanged
	// EventLost reports that a bearer disappeared.
	EventLost
	// EventUnavailable reports terminal failure of the outstanding request.
	EventUnavailable
)

// String returns a short event name for logging.
func (k EventKind) String() string {
	switch k {
	case EventAvailable:
		return "available"
	case EventCapabilitiesChanged:
		return "capabilities_changed"
	case EventLost:
		return "lost"
	case EventUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Event is the tagged union of bearer notifications. Bearer and Caps are only
// meaningful for kinds that carry them; EventUnavailable carries neither.
type Event struct {
	Kind   EventKind
	Bearer Bearer
	Caps   Capabilities
}

// EventSink receives bearer events for one outstanding request. The sink
// handed to Request doubles as the cancellation token: Cancel is keyed by it.
type EventSink interface {
	HandleBearerEvent(Event)
}

// Info is the classification of a bearer at query time.
type Info struct {
	Suitable  bool
	Preferred bool
	Name      string
}

var (
	// ErrUnknownSink is returned by Cancel when the sink was never
	// registered or was already cancelled. Callers treat this as a
	// harmless race and proceed.
	ErrUnknownSink = errors.New("provider: unknown event sink")
	// ErrUnknownBearer is returned by Info for bearers the provider does
	// not track.
	ErrUnknownBearer = errors.New("provider: unknown bearer")
)

// Provider grants bearers asynchronously in response to requests.
//
// Request registers the sink and starts provisioning; events arrive on the
// sink from provider-owned goroutines until the sink is cancelled. Cancel must
// tolerate double cancellation and unknown sinks by returning ErrUnknownSink
// rather than corrupting internal state.
type Provider interface {
	Request(spec RequestSpec, sink EventSink, timeout time.Duration) error
	Cancel(sink EventSink) error
	Info(bearer Bearer) (Info, error)
}

// SlotResolver maps an owner identity to the physical slot identity that
// backs it. Resolution failure makes an acquire fail fast without issuing a
// request.
type SlotResolver interface {
	Slot(owner string) (string, error)
}
