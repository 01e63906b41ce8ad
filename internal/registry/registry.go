// Package registry tracks instance records, port reservations and cached tabs.
package registry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/keylock"
	"github.com/pinchtab/pinchtab/internal/supervisor"
)

type entry struct {
	inst   domain.Instance
	proc   *supervisor.Process
	cancel context.CancelFunc
	tabs   []domain.Tab
}

// Registry is the single source of truth for instance state. Readers always
// get copies.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*entry
	ports     map[string]string
	profiles  *keylock.Map
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]*entry),
		ports:     make(map[string]string),
		profiles:  keylock.New(),
	}
}

// LockProfile serializes lifecycle commands for one profile.
func (r *Registry) LockProfile(name string) func() {
	return r.profiles.Lock(name)
}

// LockProfiles serializes commands touching several profiles, such as a rename.
func (r *Registry) LockProfiles(names ...string) func() {
	return r.profiles.LockAll(names...)
}

// Reserve inserts inst in the starting state and takes its port. It fails if
// the profile already has a live instance or the port is reserved.
func (r *Registry) Reserve(inst domain.Instance) (domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkProfileLocked(inst.Name); err != nil {
		return domain.Instance{}, err
	}
	if owner, ok := r.ports[inst.Port]; ok {
		return domain.Instance{}, domain.NewError(domain.KindPortInUse, "port %s is already reserved by %s", inst.Port, owner)
	}
	return r.insertLocked(inst), nil
}

// Release drops a reservation that never got a process, as when admission
// fails after a port was picked.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.instances[id]
	if !ok || e.proc != nil {
		return
	}
	if r.ports[e.inst.Port] == id {
		delete(r.ports, e.inst.Port)
	}
	delete(r.instances, id)
}

// ReserveAuto is Reserve with the first port in [start, end] that is neither
// reserved nor rejected by available.
func (r *Registry) ReserveAuto(inst domain.Instance, start, end int, available func(port string) bool) (domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkProfileLocked(inst.Name); err != nil {
		return domain.Instance{}, err
	}
	for p := start; p <= end; p++ {
		port := strconv.Itoa(p)
		if _, taken := r.ports[port]; taken {
			continue
		}
		if available != nil && !available(port) {
			continue
		}
		inst.Port = port
		return r.insertLocked(inst), nil
	}
	return domain.Instance{}, domain.NewError(domain.KindPortInUse, "no free port in range %d-%d", start, end)
}

func (r *Registry) checkProfileLocked(name string) error {
	for _, e := range r.instances {
		if e.inst.Name == name && !e.inst.Status.Terminal() {
			return domain.NewError(domain.KindAlreadyRunning, "profile %q already has an active instance (%s, %s)", name, e.inst.ID, e.inst.Status)
		}
	}
	return nil
}

func (r *Registry) insertLocked(inst domain.Instance) domain.Instance {
	if inst.Status == "" {
		inst.Status = domain.InstanceStatusStarting
	}
	if inst.StartTime.IsZero() {
		inst.StartTime = time.Now()
	}
	r.instances[inst.ID] = &entry{inst: inst}
	r.ports[inst.Port] = inst.ID
	return inst
}

// Attach binds a process handle and the cancel function of its health check.
func (r *Registry) Attach(id string, proc *supervisor.Process, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.instances[id]; ok {
		e.proc = proc
		e.cancel = cancel
		if proc != nil {
			e.inst.PID = proc.PID()
		}
	}
}

// Transition moves an instance to status to, applying mutate to the record
// in the same critical section. Illegal transitions are ignored and reported
// with ok=false. Reaching a terminal state releases the port and cancels any
// pending health check.
func (r *Registry) Transition(id string, to domain.InstanceStatus, mutate func(*domain.Instance)) (domain.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return domain.Instance{}, false
	}
	if !e.inst.Status.CanTransition(to) {
		return e.inst, false
	}

	e.inst.Status = to
	if mutate != nil {
		mutate(&e.inst)
	}
	if to.Terminal() {
		now := time.Now()
		e.inst.EndTime = &now
		e.inst.TabCount = 0
		e.tabs = nil
		if r.ports[e.inst.Port] == id {
			delete(r.ports, e.inst.Port)
		}
		if e.cancel != nil {
			e.cancel()
		}
	}
	return e.inst, true
}

// CancelHealthCheck aborts a pending health check without changing state.
func (r *Registry) CancelHealthCheck(id string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.instances[id]; ok && e.cancel != nil {
		e.cancel()
	}
}

// Get returns a copy of an instance record.
func (r *Registry) Get(id string) (domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.instances[id]
	if !ok {
		return domain.Instance{}, false
	}
	return e.inst, true
}

// Process returns the process handle of an instance, if one is attached.
func (r *Registry) Process(id string) (*supervisor.Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.instances[id]
	if !ok || e.proc == nil {
		return nil, false
	}
	return e.proc, true
}

// List returns all instances ordered by start time.
func (r *Registry) List() []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(domain.Instance) bool { return true })
}

// Active returns all non-terminal instances ordered by start time.
func (r *Registry) Active() []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(i domain.Instance) bool { return !i.Status.Terminal() })
}

// Running returns instances that passed their health check.
func (r *Registry) Running() []domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(i domain.Instance) bool { return i.Status == domain.InstanceStatusRunning })
}

func (r *Registry) listLocked(keep func(domain.Instance) bool) []domain.Instance {
	out := make([]domain.Instance, 0, len(r.instances))
	for _, e := range r.instances {
		if keep(e.inst) {
			out = append(out, e.inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// ActiveForProfile returns the live instance bound to a profile, if any.
func (r *Registry) ActiveForProfile(name string) (domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.instances {
		if e.inst.Name == name && !e.inst.Status.Terminal() {
			return e.inst, true
		}
	}
	return domain.Instance{}, false
}

// LatestForProfile returns the most recently started instance of a profile,
// live or not.
func (r *Registry) LatestForProfile(name string) (domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest domain.Instance
	found := false
	for _, e := range r.instances {
		if e.inst.Name != name {
			continue
		}
		if !found || e.inst.StartTime.After(latest.StartTime) {
			latest = e.inst
			found = true
		}
	}
	return latest, found
}

// PortOwner returns the instance holding a port reservation.
func (r *Registry) PortOwner(port string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ports[port]
	return id, ok
}

// SetTabs caches the tabs last reported by a running instance.
func (r *Registry) SetTabs(id string, tabs []domain.Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.instances[id]
	if !ok || e.inst.Status != domain.InstanceStatusRunning {
		return
	}
	e.tabs = append([]domain.Tab(nil), tabs...)
	e.inst.TabCount = len(tabs)
}

// Tabs returns the cached tabs of an instance.
func (r *Registry) Tabs(id string) []domain.Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.instances[id]; ok {
		return append([]domain.Tab(nil), e.tabs...)
	}
	return nil
}

// AllTabs returns the cached tabs of all running instances.
func (r *Registry) AllTabs() []domain.InstanceTab {
	running := r.Running()

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.InstanceTab
	for _, inst := range running {
		e, ok := r.instances[inst.ID]
		if !ok {
			continue
		}
		for _, tab := range e.tabs {
			out = append(out, domain.InstanceTab{
				InstanceID:   inst.ID,
				InstanceName: inst.Name,
				InstancePort: inst.Port,
				TabID:        tab.ID,
				URL:          tab.URL,
				Title:        tab.Title,
			})
		}
	}
	return out
}

// FindTab returns the running instance whose cached tabs include tabID.
func (r *Registry) FindTab(tabID string) (domain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.instances {
		if e.inst.Status != domain.InstanceStatusRunning {
			continue
		}
		for _, tab := range e.tabs {
			if tab.ID == tabID {
				return e.inst, true
			}
		}
	}
	return domain.Instance{}, false
}

// Prune forgets terminal instances that ended more than retention ago and
// returns their ids.
func (r *Registry) Prune(retention time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var removed []string
	for id, e := range r.instances {
		if e.inst.Status.Terminal() && e.inst.EndTime != nil && e.inst.EndTime.Before(cutoff) {
			delete(r.instances, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
