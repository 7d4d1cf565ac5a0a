package class

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yomgui1/helios/event"
)

// registration tracks one registered Class plus the units currently
// bound to it, so Unregister can force-unbind everything before
// terminating the class.
type registration struct {
	class Class

	mu    sync.Mutex
	bound []Unit
}

func (r *registration) addBound(u Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = append(r.bound, u)
}

func (r *registration) removeBound(u Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range r.bound {
		if b == u {
			r.bound = append(r.bound[:i], r.bound[i+1:]...)
			return
		}
	}
}

func (r *registration) snapshotBound() []Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Unit, len(r.bound))
	copy(out, r.bound)
	return out
}

// Registry holds every registered Class, consulted in priority order
// for each newly discovered Unit.
type Registry struct {
	events *event.Bus

	mu    sync.RWMutex
	regs  []*registration
}

// NewRegistry builds an empty Registry. events may be nil.
func NewRegistry(events *event.Bus) *Registry {
	if events == nil {
		events = &event.Bus{}
	}
	return &Registry{events: events}
}

// Register initializes c and adds it to the registry, sorted by
// descending Priority (ties keep registration order).
func (r *Registry) Register(c Class) error {
	if err := c.Initialize(); err != nil {
		return fmt.Errorf("class: initialize %q: %w", c.Name(), err)
	}

	r.mu.Lock()
	reg := &registration{class: c}
	r.regs = append(r.regs, reg)
	sort.SliceStable(r.regs, func(i, j int) bool {
		return r.regs[i].class.Priority() > r.regs[j].class.Priority()
	})
	r.mu.Unlock()

	r.events.Publish(event.Msg{ID: event.NewClass, Data: c})
	return nil
}

// Unregister force-unbinds every unit currently bound to name's class
// and terminates it. Returns the units that were unbound so the device
// registry can clear their BoundClass/ClassData state.
func (r *Registry) Unregister(name string) ([]Unit, error) {
	r.mu.Lock()
	idx := -1
	for i, reg := range r.regs {
		if reg.class.Name() == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("class: %q not registered", name)
	}
	reg := r.regs[idx]
	r.regs = append(r.regs[:idx], r.regs[idx+1:]...)
	r.mu.Unlock()

	units := reg.snapshotBound()
	for _, u := range units {
		reg.class.ReleaseUnitBinding(u)
		reg.removeBound(u)
	}
	reg.class.Terminate()

	r.events.Publish(event.Msg{ID: event.ClassRemoved, Data: reg.class})
	return units, nil
}

// AttemptBind offers unit to every registered class in priority order,
// stopping at the first that claims it. Returns the claiming Class, or
// nil if none bound.
func (r *Registry) AttemptBind(unit Unit) Class {
	r.mu.RLock()
	snapshot := make([]*registration, len(r.regs))
	copy(snapshot, r.regs)
	r.mu.RUnlock()

	for _, reg := range snapshot {
		if reg.class.AttemptUnitBinding(unit) {
			reg.addBound(unit)
			return reg.class
		}
	}
	return nil
}

// ReleaseBind releases unit's binding to c, calling c's
// ReleaseUnitBinding. No-op if c is not registered.
func (r *Registry) ReleaseBind(c Class, unit Unit) {
	r.mu.RLock()
	var reg *registration
	for _, candidate := range r.regs {
		if candidate.class == c {
			reg = candidate
			break
		}
	}
	r.mu.RUnlock()
	if reg == nil {
		return
	}
	c.ReleaseUnitBinding(unit)
	reg.removeBound(unit)
}

// Len returns the number of registered classes, for diagnostics/tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}
