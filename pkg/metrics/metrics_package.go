// pkg/metrics/metrics.go
package metrics

import (
	"strconv"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
)

// Manager owns the harness metrics registered on a Benthos metrics sink.
type Manager struct {
	// Endpoint metrics
	PacketsSent     *service.MetricCounter
	PacketsReceived *service.MetricCounter
	DecodeErrors    *service.MetricCounter
	ReceiveTimeouts *service.MetricCounter

	// Registration metrics
	RegistrationEvents *service.MetricCounter

	// Data-model operation metrics
	Operations       *service.MetricCounter
	OperationsFailed *service.MetricCounter
	OperationLatency *service.MetricTimer

	// Scenario metrics
	ScenariosPassed  *service.MetricCounter
	ScenariosFailed  *service.MetricCounter
	ScenarioDuration *service.MetricTimer
}

// NewManager registers every harness metric on m.
func NewManager(m *service.Metrics) *Manager {
	return &Manager{
		PacketsSent:     m.NewCounter("lwm2m_packets_sent_total", "ssid"),
		PacketsReceived: m.NewCounter("lwm2m_packets_received_total", "ssid"),
		DecodeErrors:    m.NewCounter("lwm2m_decode_errors_total", "ssid"),
		ReceiveTimeouts: m.NewCounter("lwm2m_receive_timeouts_total", "ssid"),

		RegistrationEvents: m.NewCounter("lwm2m_registration_events_total", "event"),

		Operations:       m.NewCounter("lwm2m_operations_total", "operation"),
		OperationsFailed: m.NewCounter("lwm2m_operations_failed_total", "operation"),
		OperationLatency: m.NewTimer("lwm2m_operation_latency_seconds", "operation"),

		ScenariosPassed:  m.NewCounter("lwm2m_scenarios_passed_total", "scenario"),
		ScenariosFailed:  m.NewCounter("lwm2m_scenarios_failed_total", "scenario"),
		ScenarioDuration: m.NewTimer("lwm2m_scenario_duration_seconds", "scenario"),
	}
}

// BenthosRecorder implements Recorder on top of a Manager.
type BenthosRecorder struct {
	manager *Manager
}

func NewBenthosRecorder(m *service.Metrics) *BenthosRecorder {
	return &BenthosRecorder{manager: NewManager(m)}
}

func (r *BenthosRecorder) RecordPacketSent(ssid int) {
	r.manager.PacketsSent.Incr(1, strconv.Itoa(ssid))
}

func (r *BenthosRecorder) RecordPacketReceived(ssid int) {
	r.manager.PacketsReceived.Incr(1, strconv.Itoa(ssid))
}

func (r *BenthosRecorder) RecordDecodeError(ssid int) {
	r.manager.DecodeErrors.Incr(1, strconv.Itoa(ssid))
}

func (r *BenthosRecorder) RecordReceiveTimeout(ssid int) {
	r.manager.ReceiveTimeouts.Incr(1, strconv.Itoa(ssid))
}

func (r *BenthosRecorder) RecordRegistrationEvent(event string) {
	r.manager.RegistrationEvents.Incr(1, event)
}

func (r *BenthosRecorder) RecordOperation(op string, success bool, duration time.Duration) {
	r.manager.Operations.Incr(1, op)
	if !success {
		r.manager.OperationsFailed.Incr(1, op)
	}
	r.manager.OperationLatency.Timing(duration.Nanoseconds(), op)
}

func (r *BenthosRecorder) RecordScenario(name string, passed bool, duration time.Duration) {
	if passed {
		r.manager.ScenariosPassed.Incr(1, name)
	} else {
		r.manager.ScenariosFailed.Incr(1, name)
	}
	r.manager.ScenarioDuration.Timing(duration.Nanoseconds(), name)
}
