package scenarios

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/lwm2m-harness/pkg/dut"
	"github.com/twinfer/lwm2m-harness/pkg/harness"
	"github.com/twinfer/lwm2m-harness/pkg/metrics"
	lwmtest "github.com/twinfer/lwm2m-harness/pkg/testing"
)

const testUnit = 100 * time.Millisecond

func testLogger() *service.Logger {
	return service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
}

func setupRunner(t *testing.T, mutate func(*lwmtest.MockDeviceConfig)) (*harness.Runner, *metrics.CountingRecorder) {
	t.Helper()
	cfg := lwmtest.MockDeviceConfig{
		TimeUnit:          testUnit,
		RetransmitTimeout: 300 * time.Millisecond,
		MaxRetransmit:     2,
		Logger:            testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rec := metrics.NewCountingRecorder()
	runner := harness.NewRunner(harness.Options{
		Launcher: func(ctx context.Context, uris []string) (dut.Controller, error) {
			return lwmtest.NewMockDevice(cfg).Launch(ctx, uris)
		},
		Timeouts: harness.Timeouts{Register: 2 * time.Second, Deregister: time.Second, Response: time.Second, Exit: 2 * time.Second},
		TimeUnit: testUnit,
		Metrics:  rec,
		Logger:   testLogger(),
	})
	return runner, rec
}

func TestBuiltinScenariosPass(t *testing.T) {
	for _, sc := range All() {
		t.Run(sc.Name, func(t *testing.T) {
			runner, _ := setupRunner(t, nil)
			res := runner.Run(context.Background(), sc)
			require.NoError(t, res.Err)
			assert.True(t, res.Passed())
		})
	}
}

func TestModifyServers_DetectsMissingDeregistration(t *testing.T) {
	runner, _ := setupRunner(t, func(cfg *lwmtest.MockDeviceConfig) {
		cfg.SkipDeregister = true
	})
	res := runner.Run(context.Background(), ModifyServers())
	require.Error(t, res.Err)
	assert.Equal(t, harness.ErrCatExpectation, res.Category)
}

func TestObserveAttributes_DetectsMissingPeriodicNotifications(t *testing.T) {
	runner, _ := setupRunner(t, func(cfg *lwmtest.MockDeviceConfig) {
		// pmax of 2 units on the device is now 20 harness units away.
		cfg.TimeUnit = 10 * testUnit
	})
	res := runner.Run(context.Background(), ObserveAttributes())
	require.Error(t, res.Err)
	assert.Equal(t, harness.ErrCatExpectation, res.Category)
}

func TestObserveAccessControl_DetectsIgnoredACL(t *testing.T) {
	runner, _ := setupRunner(t, func(cfg *lwmtest.MockDeviceConfig) {
		cfg.IgnoreAccess = true
	})
	res := runner.Run(context.Background(), ObserveAccessControl())
	require.Error(t, res.Err)
	assert.False(t, res.Passed())
}

func TestSuite_AllScenarios(t *testing.T) {
	runner, rec := setupRunner(t, nil)
	suite := harness.NewSuite("default", runner, All()...)
	res := suite.Run(context.Background())

	assert.True(t, res.Passed())
	assert.Equal(t, len(All()), res.PassCount)
	assert.Equal(t, int64(len(All())), rec.Snapshot().ScenariosPassed)
}

func TestSelect(t *testing.T) {
	all, err := Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	picked, err := Select([]string{"observe-empty-handler", "modify-servers"})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "observe-empty-handler", picked[0].Name)

	_, err = Select([]string{"nope"})
	assert.Error(t, err)

	assert.Equal(t, []string{"modify-servers", "observe-access-control", "observe-attributes", "observe-empty-handler", "observe-multiple-servers"}, Names())
}
