package attributes

import (
	"bytes"
	"math"
	"slices"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/twinfer/lwm2m-harness/pkg/access"
)

// Key identifies one observation of a resource by one server.
type Key struct {
	SSID     uint16
	Object   uint16
	Instance uint16
	Resource uint16
}

// Observation is the harness-side state of an active observe.
type Observation struct {
	Key          Key
	Token        message.Token
	Active       bool
	Attributes   Attributes
	LastValue    []byte
	LastNotified time.Time
	Notified     int
}

type Verdict int

const (
	Suppress Verdict = iota
	NotifyNow
	// Defer means notify at Decision.At, with whatever value is current then.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Suppress:
		return "suppress"
	case NotifyNow:
		return "notify"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

type Decision struct {
	Verdict Verdict
	At      time.Time
	Reason  string
}

// Change is a resource value change on the device at a point in time.
type Change struct {
	At    time.Time
	Value []byte
}

// Notification is one expected notification.
type Notification struct {
	At     time.Time
	Value  []byte
	Reason string
}

// Model evaluates attributes with a configurable time unit and optional
// access control gating.
type Model struct {
	TimeUnit time.Duration
	Access   *access.Table
}

// DefaultModel uses one-second time units and no access control.
var DefaultModel = Model{TimeUnit: time.Second}

func (m Model) unit() time.Duration {
	if m.TimeUnit <= 0 {
		return time.Second
	}
	return m.TimeUnit
}

func (m Model) pmin(a Attributes) time.Duration {
	if a.PMin == nil {
		return 0
	}
	return time.Duration(*a.PMin) * m.unit()
}

// pmax returns zero when pmax is unset, zero, or below pmin.
func (m Model) pmax(a Attributes) time.Duration {
	if a.PMax == nil || *a.PMax == 0 {
		return 0
	}
	if a.PMin != nil && *a.PMax < *a.PMin {
		return 0
	}
	return time.Duration(*a.PMax) * m.unit()
}

// Periods returns the effective pmin and pmax of a.
func (m Model) Periods(a Attributes) (pmin, pmax time.Duration) {
	return m.pmin(a), m.pmax(a)
}

// ShouldNotify decides what a conforming device does when the observed
// value becomes newValue at now.
func ShouldNotify(obs Observation, newValue []byte, now time.Time) Decision {
	return DefaultModel.ShouldNotify(obs, newValue, now)
}

func (m Model) ShouldNotify(obs Observation, newValue []byte, now time.Time) Decision {
	if !obs.Active {
		return Decision{Verdict: Suppress, Reason: "observation inactive"}
	}
	if !m.readable(obs.Key) {
		return Decision{Verdict: Suppress, Reason: "no read permission"}
	}
	if bytes.Equal(obs.LastValue, newValue) {
		return Decision{Verdict: Suppress, Reason: "value unchanged"}
	}
	if ok, reason := passesThresholds(obs.Attributes, obs.LastValue, newValue); !ok {
		return Decision{Verdict: Suppress, Reason: reason}
	}
	if pmin := m.pmin(obs.Attributes); pmin > 0 && !obs.LastNotified.IsZero() {
		if due := obs.LastNotified.Add(pmin); now.Before(due) {
			return Decision{Verdict: Defer, At: due, Reason: "pmin"}
		}
	}
	return Decision{Verdict: NotifyNow, At: now, Reason: "changed"}
}

// passesThresholds applies gt, lt and st. With several set, crossing any of
// them is enough. Non-numeric values are only subject to change detection.
func passesThresholds(a Attributes, last, next []byte) (bool, string) {
	if !a.HasThresholds() {
		return true, ""
	}
	prev, okPrev := Numeric(last)
	cur, okCur := Numeric(next)
	if !okPrev || !okCur {
		return true, ""
	}
	if a.GT != nil && prev <= *a.GT && cur > *a.GT {
		return true, ""
	}
	if a.LT != nil && prev >= *a.LT && cur < *a.LT {
		return true, ""
	}
	if a.Step != nil && math.Abs(cur-prev) >= *a.Step {
		return true, ""
	}
	return false, "no threshold crossed"
}

func (m Model) readable(k Key) bool {
	if m.Access == nil {
		return true
	}
	return m.Access.CanObserve(k.SSID, k.Object, k.Instance)
}

// Predict simulates the device for window starting at the observation's
// last notification and returns the notifications it must send.
func Predict(obs Observation, changes []Change, window time.Duration) []Notification {
	return DefaultModel.Predict(obs, changes, window)
}

// PredictFor is Predict gated by access control: a server without read
// permission on the instance gets nothing.
func (m Model) PredictFor(obs Observation, changes []Change, window time.Duration) []Notification {
	if !m.readable(obs.Key) {
		return nil
	}
	return m.Predict(obs, changes, window)
}

func (m Model) Predict(obs Observation, changes []Change, window time.Duration) []Notification {
	start := obs.LastNotified
	if start.IsZero() {
		start = time.Now()
		obs.LastNotified = start
	}
	return m.predict(obs, start, changes, window)
}

// Expected is what a server holding obs must receive in [from, from+window]
// given changes: PredictFor started at from instead of at the last
// notification. A pmax period already elapsed at from is due at from.
func (m Model) Expected(obs Observation, from time.Time, changes []Change, window time.Duration) []Notification {
	if !m.readable(obs.Key) {
		return nil
	}
	if obs.LastNotified.IsZero() || obs.LastNotified.After(from) {
		obs.LastNotified = from
	}
	if pmax := m.pmax(obs.Attributes); pmax > 0 && obs.LastNotified.Add(pmax).Before(from) {
		obs.LastNotified = from.Add(-pmax)
	}
	var pending []Change
	for _, c := range changes {
		if !c.At.Before(from) {
			pending = append(pending, c)
		}
	}
	return m.predict(obs, from, pending, window)
}

func (m Model) predict(obs Observation, start time.Time, changes []Change, window time.Duration) []Notification {
	if !obs.Active {
		return nil
	}
	end := start.Add(window)

	pending := slices.Clone(changes)
	slices.SortStableFunc(pending, func(a, b Change) int {
		return a.At.Compare(b.At)
	})

	current := obs.LastValue
	var deferredAt time.Time
	var out []Notification

	emit := func(at time.Time, reason string) {
		out = append(out, Notification{At: at, Value: current, Reason: reason})
		obs.LastValue = current
		obs.LastNotified = at
		obs.Notified++
		deferredAt = time.Time{}
	}

	pmax := m.pmax(obs.Attributes)
	for {
		next := end
		kind := ""
		if len(pending) > 0 && !pending[0].At.After(next) {
			next, kind = pending[0].At, "change"
		}
		if !deferredAt.IsZero() && deferredAt.Before(next) {
			next, kind = deferredAt, "pmin"
		}
		if pmax > 0 {
			if due := obs.LastNotified.Add(pmax); due.Before(next) || (kind == "" && !due.After(end)) {
				next, kind = due, "pmax"
			}
		}
		if kind == "" || next.After(end) {
			return out
		}

		switch kind {
		case "change":
			current = pending[0].Value
			pending = pending[1:]
			d := m.ShouldNotify(obs, current, next)
			switch d.Verdict {
			case NotifyNow:
				emit(next, d.Reason)
			case Defer:
				if deferredAt.IsZero() {
					deferredAt = d.At
				}
			}
		case "pmin":
			deferredAt = time.Time{}
			// Last value wins: re-check what is current now.
			recheck := obs
			recheck.LastNotified = time.Time{}
			if m.ShouldNotify(recheck, current, next).Verdict == NotifyNow {
				emit(next, "pmin")
			}
		case "pmax":
			emit(next, "pmax")
		}
	}
}
