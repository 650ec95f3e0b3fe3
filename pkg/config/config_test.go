package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
dut:
  binary: ./demo
  args: ["-e", "urn:dev:1"]
  server_args: ["-s", "{uri}"]
  shutdown_command: quit
  command_timeout: 3s
endpoint:
  bind: 127.0.0.1:0
timeouts:
  register: 8s
time_unit: 500ms
trace:
  cbor_file: run.cbor
report:
  format: json
  verbose: true
scenarios:
  - modify-servers
  - observe-attributes
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "./demo", cfg.DUT.Binary)
	assert.Equal(t, []string{"-s", "{uri}"}, cfg.DUT.ServerArgs)
	assert.Equal(t, "quit", cfg.DUT.ShutdownCommand)
	assert.Equal(t, 3*time.Second, cfg.DUT.CommandTimeout)
	assert.Equal(t, 2*time.Second, cfg.DUT.TerminateGrace)
	assert.Equal(t, "udp", cfg.Endpoint.Protocol)
	assert.Equal(t, "none", cfg.Endpoint.Security.Mode)
	assert.Equal(t, 8*time.Second, cfg.Timeouts.Register)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Deregister)
	assert.Equal(t, 500*time.Millisecond, cfg.TimeUnit)
	assert.Equal(t, "run.cbor", cfg.Trace.CBORFile)
	assert.Equal(t, "json", cfg.Report.Format)
	assert.True(t, cfg.Report.Verbose)
	assert.Equal(t, []string{"modify-servers", "observe-attributes"}, cfg.Scenarios)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = LoadFile(writeConfig(t, "dut: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestHarnessConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *HarnessConfig)
		wantErr string
	}{
		{"Valid", func(c *HarnessConfig) {}, ""},
		{"MissingBinary", func(c *HarnessConfig) { c.DUT.Binary = "" }, "binary is required"},
		{"MockNeedsNoBinary", func(c *HarnessConfig) { c.DUT.Binary = ""; c.DUT.Mock = true }, ""},
		{"ServerArgsWithoutURI", func(c *HarnessConfig) { c.DUT.ServerArgs = []string{"--server"} }, "{uri}"},
		{"BadProtocol", func(c *HarnessConfig) { c.Endpoint.Protocol = "tcp" }, "invalid protocol"},
		{"BadBind", func(c *HarnessConfig) { c.Endpoint.Bind = "nowhere" }, "invalid bind address"},
		{"DTLSWithoutPSK", func(c *HarnessConfig) { c.Endpoint.Protocol = "udp-dtls" }, "invalid security config"},
		{"ZeroTimeUnit", func(c *HarnessConfig) { c.TimeUnit = 0 }, "time_unit"},
		{"NegativeOutputDelay", func(c *HarnessConfig) { c.DUT.OutputDelay = -time.Second }, "output_delay"},
		{"NegativeTimeout", func(c *HarnessConfig) { c.Timeouts.Exit = -time.Second }, "timeouts must be positive"},
		{"BadReportFormat", func(c *HarnessConfig) { c.Report.Format = "xml" }, "report format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DUT.Binary = "./demo"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPresets(t *testing.T) {
	secure := SecureConfig("harness", "secret-key")
	secure.DUT.Binary = "./demo"
	require.NoError(t, secure.Validate())
	assert.Equal(t, "udp-dtls", secure.Endpoint.Protocol)
	assert.Equal(t, "psk", secure.EndpointSecurity().Mode)
	assert.Equal(t, "harness", secure.EndpointSecurity().PSKIdentity)

	mock := MockConfig()
	require.NoError(t, mock.Validate())
	assert.True(t, mock.DUT.Mock)
	assert.Equal(t, 100*time.Millisecond, mock.TimeUnit)
}

func TestHarnessConfig_Clone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DUT.Args = []string{"-e", "dev"}
	cfg.Scenarios = []string{"modify-servers"}

	clone := cfg.Clone()
	clone.DUT.Args[1] = "other"
	clone.DUT.ServerArgs[0] = "-s"
	clone.Scenarios = append(clone.Scenarios, "observe-attributes")

	assert.Equal(t, []string{"-e", "dev"}, cfg.DUT.Args)
	assert.Equal(t, "--server-uri", cfg.DUT.ServerArgs[0])
	assert.Equal(t, []string{"modify-servers"}, cfg.Scenarios)
}

func TestHarnessConfig_DUTProcess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DUT.Binary = "./demo"
	cfg.DUT.ShutdownCommand = "quit"
	cfg.DUT.OutputDelay = 250 * time.Millisecond

	p := cfg.DUTProcess()
	assert.Equal(t, "./demo", p.Binary)
	assert.Equal(t, "quit", p.ShutdownCommand)
	assert.Equal(t, cfg.DUT.ServerArgs, p.ServerArgs)
	assert.Equal(t, 5*time.Second, p.CommandTimeout)
	assert.Equal(t, 250*time.Millisecond, p.OutputDelay)
}
