package metrics

import (
	"sync"
	"time"
)

// Recorder provides an interface for recording harness metrics.
// This allows for easier testing by decoupling from Benthos types.
type Recorder interface {
	RecordPacketSent(ssid int)
	RecordPacketReceived(ssid int)
	RecordDecodeError(ssid int)
	RecordReceiveTimeout(ssid int)
	RecordRegistrationEvent(event string)
	RecordOperation(op string, success bool, duration time.Duration)
	RecordScenario(name string, passed bool, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordPacketSent(int)                        {}
func (Nop) RecordPacketReceived(int)                    {}
func (Nop) RecordDecodeError(int)                       {}
func (Nop) RecordReceiveTimeout(int)                    {}
func (Nop) RecordRegistrationEvent(string)              {}
func (Nop) RecordOperation(string, bool, time.Duration) {}
func (Nop) RecordScenario(string, bool, time.Duration)  {}

// CountingRecorder keeps totals in memory. It backs the CLI summary and tests.
type CountingRecorder struct {
	mu sync.Mutex

	PacketsSent        int64
	PacketsReceived    int64
	DecodeErrors       int64
	ReceiveTimeouts    int64
	RegistrationEvents map[string]int64
	Operations         map[string]int64
	OperationsFailed   map[string]int64
	ScenariosPassed    int64
	ScenariosFailed    int64
}

func NewCountingRecorder() *CountingRecorder {
	return &CountingRecorder{
		RegistrationEvents: make(map[string]int64),
		Operations:         make(map[string]int64),
		OperationsFailed:   make(map[string]int64),
	}
}

func (c *CountingRecorder) RecordPacketSent(int) {
	c.mu.Lock()
	c.PacketsSent++
	c.mu.Unlock()
}

func (c *CountingRecorder) RecordPacketReceived(int) {
	c.mu.Lock()
	c.PacketsReceived++
	c.mu.Unlock()
}

func (c *CountingRecorder) RecordDecodeError(int) {
	c.mu.Lock()
	c.DecodeErrors++
	c.mu.Unlock()
}

func (c *CountingRecorder) RecordReceiveTimeout(int) {
	c.mu.Lock()
	c.ReceiveTimeouts++
	c.mu.Unlock()
}

func (c *CountingRecorder) RecordRegistrationEvent(event string) {
	c.mu.Lock()
	c.RegistrationEvents[event]++
	c.mu.Unlock()
}

func (c *CountingRecorder) RecordOperation(op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Operations[op]++
	if !success {
		c.OperationsFailed[op]++
	}
}

func (c *CountingRecorder) RecordScenario(_ string, passed bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if passed {
		c.ScenariosPassed++
	} else {
		c.ScenariosFailed++
	}
}

// Snapshot is a copy of the counters safe to read without locking.
type Snapshot struct {
	PacketsSent        int64
	PacketsReceived    int64
	DecodeErrors       int64
	ReceiveTimeouts    int64
	RegistrationEvents map[string]int64
	Operations         map[string]int64
	OperationsFailed   map[string]int64
	ScenariosPassed    int64
	ScenariosFailed    int64
}

func (c *CountingRecorder) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		PacketsSent:        c.PacketsSent,
		PacketsReceived:    c.PacketsReceived,
		DecodeErrors:       c.DecodeErrors,
		ReceiveTimeouts:    c.ReceiveTimeouts,
		RegistrationEvents: copyCounts(c.RegistrationEvents),
		Operations:         copyCounts(c.Operations),
		OperationsFailed:   copyCounts(c.OperationsFailed),
		ScenariosPassed:    c.ScenariosPassed,
		ScenariosFailed:    c.ScenariosFailed,
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
