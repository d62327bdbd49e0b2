// ABOUTME: Session payload correlating authorized network names to connection handles by position
// ABOUTME: Built only from Entry values so credentials can never enter a token

package session

import (
	"github.com/2389/comcenter/internal/connector"
)

// Entry pairs a network name with the handle opened for it. A nil Handle means
// the connection could not be opened.
type Entry struct {
	Network string
	Handle  *connector.Handle
}

// Payload is the verified content of a session token. Networks[i] is the
// network whose handle is Connections[i].
type Payload struct {
	Networks    []string
	Connections []*connector.Handle
}

// NewPayload builds a payload from entries, filling both sequences in lock-step.
func NewPayload(entries []Entry) *Payload {
	p := &Payload{
		Networks:    make([]string, len(entries)),
		Connections: make([]*connector.Handle, len(entries)),
	}
	for i, e := range entries {
		p.Networks[i] = e.Network
		p.Connections[i] = e.Handle
	}
	return p
}

// IndexOf returns the position of network, or -1 if the payload does not grant it.
func (p *Payload) IndexOf(network string) int {
	for i, n := range p.Networks {
		if n == network {
			return i
		}
	}
	return -1
}

// HandleAt returns the handle at position i and whether it is live.
func (p *Payload) HandleAt(i int) (connector.Handle, bool) {
	if i < 0 || i >= len(p.Connections) || p.Connections[i] == nil {
		return "", false
	}
	return *p.Connections[i], true
}

// Unverified is a payload read from a token whose signature was not checked.
// It only supports enumerating handles for cleanup.
type Unverified struct {
	networks    []string
	connections []*connector.Handle
}

// EachHandle calls fn for every position that carries both a network name and
// a non-nil handle. Positions beyond the shorter sequence are ignored.
func (u *Unverified) EachHandle(fn func(network string, h connector.Handle)) {
	n := min(len(u.networks), len(u.connections))
	for i := 0; i < n; i++ {
		if u.connections[i] == nil || u.networks[i] == "" {
			continue
		}
		fn(u.networks[i], *u.connections[i])
	}
}
