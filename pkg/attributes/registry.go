package attributes

import (
	"slices"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
)

// Registry holds the observations and written attributes the harness
// expects the device to honour. Attributes may be written before the
// resource is observed; they apply once it is.
type Registry struct {
	mu           sync.RWMutex
	observations map[Key]*Observation
	attrs        map[Key]Attributes
}

func NewRegistry() *Registry {
	return &Registry{
		observations: make(map[Key]*Observation),
		attrs:        make(map[Key]Attributes),
	}
}

// Observe starts (or restarts) an observation with the initial value as
// baseline.
func (r *Registry) Observe(key Key, token message.Token, baseline []byte, at time.Time) Observation {
	r.mu.Lock()
	defer r.mu.Unlock()

	obs := &Observation{
		Key:          key,
		Token:        slices.Clone(token),
		Active:       true,
		Attributes:   r.attrs[key],
		LastValue:    slices.Clone(baseline),
		LastNotified: at,
	}
	r.observations[key] = obs
	return *obs
}

// WriteAttributes merges u into the attributes of key.
func (r *Registry) WriteAttributes(key Key, u Update) Attributes {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.attrs[key].Merge(u)
	r.attrs[key] = merged
	if obs, ok := r.observations[key]; ok {
		obs.Attributes = merged
	}
	return merged
}

// Notified records a notification the device sent.
func (r *Registry) Notified(key Key, value []byte, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if obs, ok := r.observations[key]; ok && obs.Active {
		obs.LastValue = slices.Clone(value)
		obs.LastNotified = at
		obs.Notified++
	}
}

// Cancel deactivates the observation; its attributes are kept.
func (r *Registry) Cancel(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if obs, ok := r.observations[key]; ok {
		obs.Active = false
	}
}

// DestroyInstance drops observations and attributes of every resource of
// (oid, iid) for all servers.
func (r *Registry) DestroyInstance(oid, iid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.observations {
		if k.Object == oid && k.Instance == iid {
			delete(r.observations, k)
		}
	}
	for k := range r.attrs {
		if k.Object == oid && k.Instance == iid {
			delete(r.attrs, k)
		}
	}
}

func (r *Registry) Get(key Key) (Observation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obs, ok := r.observations[key]
	if !ok {
		return Observation{}, false
	}
	return *obs, true
}

// Attributes returns what has been written for key, observed or not.
func (r *Registry) Attributes(key Key) Attributes {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attrs[key]
}

// ByToken finds the observation a notification belongs to.
func (r *Registry) ByToken(ssid uint16, token message.Token) (Observation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, obs := range r.observations {
		if obs.Key.SSID == ssid && slices.Equal(obs.Token, token) {
			return *obs, true
		}
	}
	return Observation{}, false
}

// Active lists active observations of one server.
func (r *Registry) Active(ssid uint16) []Observation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Observation
	for _, obs := range r.observations {
		if obs.Active && obs.Key.SSID == ssid {
			out = append(out, *obs)
		}
	}
	slices.SortFunc(out, func(a, b Observation) int {
		if a.Key.Object != b.Key.Object {
			return int(a.Key.Object) - int(b.Key.Object)
		}
		if a.Key.Instance != b.Key.Instance {
			return int(a.Key.Instance) - int(b.Key.Instance)
		}
		return int(a.Key.Resource) - int(b.Key.Resource)
	})
	return out
}

// Reset forgets everything.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.observations)
	clear(r.attrs)
}
