package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
)

func TestCountingRecorder(t *testing.T) {
	rec := NewCountingRecorder()

	rec.RecordPacketSent(1)
	rec.RecordPacketSent(2)
	rec.RecordPacketReceived(1)
	rec.RecordDecodeError(1)
	rec.RecordReceiveTimeout(2)
	rec.RecordRegistrationEvent("register")
	rec.RecordRegistrationEvent("register")
	rec.RecordRegistrationEvent("deregister")
	rec.RecordOperation("observe", true, time.Millisecond)
	rec.RecordOperation("observe", false, time.Millisecond)
	rec.RecordScenario("modify-servers", true, time.Second)
	rec.RecordScenario("observe-attributes", false, time.Second)

	snap := rec.Snapshot()
	assert.Equal(t, int64(2), snap.PacketsSent)
	assert.Equal(t, int64(1), snap.PacketsReceived)
	assert.Equal(t, int64(1), snap.DecodeErrors)
	assert.Equal(t, int64(1), snap.ReceiveTimeouts)
	assert.Equal(t, int64(2), snap.RegistrationEvents["register"])
	assert.Equal(t, int64(1), snap.RegistrationEvents["deregister"])
	assert.Equal(t, int64(2), snap.Operations["observe"])
	assert.Equal(t, int64(1), snap.OperationsFailed["observe"])
	assert.Equal(t, int64(1), snap.ScenariosPassed)
	assert.Equal(t, int64(1), snap.ScenariosFailed)
}

func TestTimer(t *testing.T) {
	rec := NewCountingRecorder()

	StartTimer("execute").StopOperation(rec, nil)
	StartTimer("execute").StopOperation(rec, errors.New("boom"))
	StartTimer("scenario").StopScenario(rec, nil)

	snap := rec.Snapshot()
	assert.Equal(t, int64(2), snap.Operations["execute"])
	assert.Equal(t, int64(1), snap.OperationsFailed["execute"])
	assert.Equal(t, int64(1), snap.ScenariosPassed)
}

func TestBenthosRecorder(t *testing.T) {
	res := service.MockResources()
	rec := NewBenthosRecorder(res.Metrics())

	assert.NotPanics(t, func() {
		rec.RecordPacketSent(1)
		rec.RecordPacketReceived(1)
		rec.RecordDecodeError(1)
		rec.RecordReceiveTimeout(1)
		rec.RecordRegistrationEvent("update")
		rec.RecordOperation("read", false, time.Millisecond)
		rec.RecordScenario("modify-servers", true, time.Second)
	})
}

var (
	_ Recorder = (*BenthosRecorder)(nil)
	_ Recorder = (*CountingRecorder)(nil)
	_ Recorder = Nop{}
)
