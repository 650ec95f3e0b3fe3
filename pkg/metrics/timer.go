// pkg/metrics/timer.go
package metrics

import (
	"time"
)

// Timer measures one operation for a Recorder.
type Timer struct {
	start time.Time
	name  string
}

// StartTimer creates and starts a new timer
func StartTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// StopOperation records the elapsed time as a data-model operation.
func (t *Timer) StopOperation(r Recorder, err error) {
	r.RecordOperation(t.name, err == nil, time.Since(t.start))
}

// StopScenario records the elapsed time as a scenario run.
func (t *Timer) StopScenario(r Recorder, err error) {
	r.RecordScenario(t.name, err == nil, time.Since(t.start))
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
