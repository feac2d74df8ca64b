package presence

import (
	"slices"
	"sort"
	"strings"
	"sync"
)

// Directory tracks which agent connections are online.
//
// An agent is present while it has at least one open connection and
// available while present and not busy on a live session. The entry for an
// identity disappears with its last connection.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*agent
}

type agent struct {
	conns map[string]struct{}
	busy  string // session id, empty when free
}

// Agent is a read-only view of one identity.
type Agent struct {
	Identity    string   `json:"identity"`
	Connections []string `json:"connections"`
	BusyWith    string   `json:"busy_with,omitempty"`
}

func (a Agent) Available() bool { return len(a.Connections) > 0 && a.BusyWith == "" }

func NewDirectory() *Directory {
	return &Directory{agents: make(map[string]*agent)}
}

// Register adds connID under identity and returns a release func that
// removes it again. Release is safe to call more than once. first reports
// whether this connection brought the identity online.
func (d *Directory) Register(identity, connID string) (release func() (last bool), first bool) {
	d.mu.Lock()
	a, ok := d.agents[identity]
	if !ok {
		a = &agent{conns: make(map[string]struct{})}
		d.agents[identity] = a
	}
	first = len(a.conns) == 0
	a.conns[connID] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	release = func() bool {
		var wentOffline bool
		once.Do(func() { wentOffline = d.leave(identity, connID) })
		return wentOffline
	}
	return release, first
}

func (d *Directory) leave(identity, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.agents[identity]
	if !ok {
		return false
	}
	if _, ok := a.conns[connID]; !ok {
		return false
	}
	delete(a.conns, connID)
	if len(a.conns) > 0 {
		return false
	}
	delete(d.agents, identity)
	return true
}

func (d *Directory) Present(identity string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[identity]
	return ok && len(a.conns) > 0
}

func (d *Directory) Available(identity string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[identity]
	return ok && len(a.conns) > 0 && a.busy == ""
}

// AvailableAgents lists available identities in stable order.
func (d *Directory) AvailableAgents() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.agents))
	for id, a := range d.agents {
		if len(a.conns) > 0 && a.busy == "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Connections returns the open connection ids for identity.
func (d *Directory) Connections(identity string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[identity]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a.conns))
	for c := range a.conns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// All returns every present agent.
func (d *Directory) All() []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agent, 0, len(d.agents))
	for id, a := range d.agents {
		v := Agent{Identity: id, BusyWith: a.busy}
		for c := range a.conns {
			v.Connections = append(v.Connections, c)
		}
		sort.Strings(v.Connections)
		out = append(out, v)
	}
	slices.SortFunc(out, func(x, y Agent) int { return strings.Compare(x.Identity, y.Identity) })
	return out
}

// MarkBusy binds identity to sessionID. It fails if the agent is offline or
// already busy with another session.
func (d *Directory) MarkBusy(identity, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[identity]
	if !ok || len(a.conns) == 0 {
		return false
	}
	if a.busy != "" && a.busy != sessionID {
		return false
	}
	a.busy = sessionID
	return true
}

// MarkFree clears the busy flag if it still points at sessionID.
func (d *Directory) MarkFree(identity, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[identity]; ok && a.busy == sessionID {
		a.busy = ""
	}
}
