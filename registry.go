package dotp

import (
	"slices"
	"strings"
)

// registry is the table of processes hosted by a node, indexed by visible
// id. It is guarded by the lock of its `Node`.
type registry struct {
	isolates map[VisibleID]*Isolate
}

func newRegistry() *registry {
	return &registry{
		isolates: make(map[VisibleID]*Isolate),
	}
}

// add returns false if vid is already taken.
func (reg *registry) add(iso *Isolate) bool {
	if _, has := reg.isolates[iso.pid.vid]; has {
		return false
	}
	reg.isolates[iso.pid.vid] = iso
	return true
}

// remove only removes the entry if it still points to iso.
func (reg *registry) remove(iso *Isolate) bool {
	current, has := reg.isolates[iso.pid.vid]
	if !has || current != iso {
		return false
	}
	delete(reg.isolates, iso.pid.vid)
	return true
}

func (reg *registry) lookup(vid VisibleID) (*Isolate, bool) {
	iso, has := reg.isolates[vid]
	return iso, has
}

func (reg *registry) len() int {
	return len(reg.isolates)
}

// pids are sorted by visible id, hence by spawn time with the default
// id generator.
func (reg *registry) pids() []PID {
	pids := make([]PID, 0, len(reg.isolates))
	for _, iso := range reg.isolates {
		pids = append(pids, iso.pid)
	}
	slices.SortFunc(pids, func(a, b PID) int {
		return strings.Compare(string(a.vid), string(b.vid))
	})
	return pids
}

func (reg *registry) all() []*Isolate {
	isolates := make([]*Isolate, 0, len(reg.isolates))
	for _, iso := range reg.isolates {
		isolates = append(isolates, iso)
	}
	return isolates
}
