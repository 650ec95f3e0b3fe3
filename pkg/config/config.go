// pkg/config/config.go
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twinfer/lwm2m-harness/pkg/dut"
	"github.com/twinfer/lwm2m-harness/pkg/endpoint"
)

// HarnessConfig represents the complete configuration for a harness run
type HarnessConfig struct {
	DUT       DUTConfig      `yaml:"dut"`
	Endpoint  EndpointConfig `yaml:"endpoint"`
	Timeouts  Timeouts       `yaml:"timeouts"`
	TimeUnit  time.Duration  `yaml:"time_unit"`
	Trace     TraceConfig    `yaml:"trace,omitempty"`
	Report    ReportConfig   `yaml:"report"`
	Scenarios []string       `yaml:"scenarios,omitempty"`
}

type DUTConfig struct {
	// Mock runs the in-process mock device instead of Binary.
	Mock            bool          `yaml:"mock"`
	Binary          string        `yaml:"binary,omitempty"`
	Args            []string      `yaml:"args,omitempty"`
	ServerArgs      []string      `yaml:"server_args,omitempty"`
	ShutdownCommand string        `yaml:"shutdown_command,omitempty"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	TerminateGrace  time.Duration `yaml:"terminate_grace"`
	OutputDelay     time.Duration `yaml:"output_delay,omitempty"`
	Dir             string        `yaml:"dir,omitempty"`
	Env             []string      `yaml:"env,omitempty"`
}

type EndpointConfig struct {
	Bind      string         `yaml:"bind"`
	Protocol  string         `yaml:"protocol"`
	QueueSize int            `yaml:"queue_size"`
	Security  SecurityConfig `yaml:"security"`
}

type SecurityConfig struct {
	Mode        string `yaml:"mode"`
	PSKIdentity string `yaml:"psk_identity,omitempty"`
	PSKKey      string `yaml:"psk_key,omitempty"`
	CertFile    string `yaml:"cert_file,omitempty"`
	KeyFile     string `yaml:"key_file,omitempty"`
	CACertFile  string `yaml:"ca_cert_file,omitempty"`
}

type Timeouts struct {
	Register   time.Duration `yaml:"register"`
	Deregister time.Duration `yaml:"deregister"`
	Response   time.Duration `yaml:"response"`
	Exit       time.Duration `yaml:"exit"`
}

type TraceConfig struct {
	CBORFile string `yaml:"cbor_file,omitempty"`
	PcapFile string `yaml:"pcap_file,omitempty"`
}

type ReportConfig struct {
	Format  string `yaml:"format"`
	Verbose bool   `yaml:"verbose"`
}

// LoadFile reads a YAML configuration and applies defaults. It does not
// validate.
func LoadFile(path string) (*HarnessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg HarnessConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate performs comprehensive validation of the harness configuration
func (c *HarnessConfig) Validate() error {
	if err := c.validateDUT(); err != nil {
		return fmt.Errorf("invalid dut config: %w", err)
	}

	if err := ValidateProtocol(c.Endpoint.Protocol); err != nil {
		return fmt.Errorf("invalid protocol: %w", err)
	}

	if err := ValidateBindAddress(c.Endpoint.Bind); err != nil {
		return fmt.Errorf("invalid bind address: %w", err)
	}

	if err := ValidateSecurityConfig(c.Endpoint.Protocol, c.Endpoint.Security); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("invalid timeouts: %w", err)
	}

	if err := c.validateReport(); err != nil {
		return fmt.Errorf("invalid report config: %w", err)
	}

	return nil
}

func (c *HarnessConfig) validateDUT() error {
	if c.DUT.Mock {
		return nil
	}
	if c.DUT.Binary == "" {
		return fmt.Errorf("binary is required unless mock is set")
	}
	if c.DUT.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if c.DUT.TerminateGrace < 0 {
		return fmt.Errorf("terminate_grace cannot be negative")
	}
	if c.DUT.OutputDelay < 0 {
		return fmt.Errorf("output_delay cannot be negative")
	}
	if len(c.DUT.ServerArgs) > 0 && !slices.ContainsFunc(c.DUT.ServerArgs, func(a string) bool {
		return strings.Contains(a, "{uri}")
	}) {
		return fmt.Errorf("server_args must reference {uri}")
	}
	return nil
}

func (c *HarnessConfig) validateTimeouts() error {
	if c.TimeUnit <= 0 {
		return fmt.Errorf("time_unit must be positive")
	}
	if c.Timeouts.Register <= 0 || c.Timeouts.Deregister <= 0 || c.Timeouts.Response <= 0 || c.Timeouts.Exit <= 0 {
		return fmt.Errorf("register, deregister, response and exit timeouts must be positive")
	}
	if c.Endpoint.QueueSize < 0 {
		return fmt.Errorf("endpoint queue_size cannot be negative")
	}
	return nil
}

func (c *HarnessConfig) validateReport() error {
	switch c.Report.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("report format must be one of: text, json")
	}
}

// ApplyDefaults sets default values for unspecified configuration options
func (c *HarnessConfig) ApplyDefaults() {
	if c.Endpoint.Bind == "" {
		c.Endpoint.Bind = "127.0.0.1:0"
	}
	if c.Endpoint.Protocol == "" {
		c.Endpoint.Protocol = "udp"
	}
	if c.Endpoint.Security.Mode == "" {
		c.Endpoint.Security.Mode = "none"
	}
	if c.Endpoint.QueueSize == 0 {
		c.Endpoint.QueueSize = 64
	}

	// DUT defaults
	if c.DUT.CommandTimeout == 0 {
		c.DUT.CommandTimeout = 5 * time.Second
	}
	if c.DUT.TerminateGrace == 0 {
		c.DUT.TerminateGrace = 2 * time.Second
	}

	// Timeout defaults
	if c.Timeouts.Register == 0 {
		c.Timeouts.Register = 5 * time.Second
	}
	if c.Timeouts.Deregister == 0 {
		c.Timeouts.Deregister = 5 * time.Second
	}
	if c.Timeouts.Response == 0 {
		c.Timeouts.Response = 5 * time.Second
	}
	if c.Timeouts.Exit == 0 {
		c.Timeouts.Exit = 5 * time.Second
	}
	if c.TimeUnit == 0 {
		c.TimeUnit = time.Second
	}

	if c.Report.Format == "" {
		c.Report.Format = "text"
	}
}

// Clone creates a deep copy of the configuration
func (c *HarnessConfig) Clone() *HarnessConfig {
	clone := *c

	// Deep copy slices
	clone.DUT.Args = slices.Clone(c.DUT.Args)
	clone.DUT.ServerArgs = slices.Clone(c.DUT.ServerArgs)
	clone.DUT.Env = slices.Clone(c.DUT.Env)
	clone.Scenarios = slices.Clone(c.Scenarios)

	return &clone
}

// DUTProcess converts the dut section for dut.Launch.
func (c *HarnessConfig) DUTProcess() dut.Config {
	return dut.Config{
		Binary:          c.DUT.Binary,
		Args:            slices.Clone(c.DUT.Args),
		ServerArgs:      slices.Clone(c.DUT.ServerArgs),
		ShutdownCommand: c.DUT.ShutdownCommand,
		CommandTimeout:  c.DUT.CommandTimeout,
		TerminateGrace:  c.DUT.TerminateGrace,
		OutputDelay:     c.DUT.OutputDelay,
		Dir:             c.DUT.Dir,
		Env:             slices.Clone(c.DUT.Env),
	}
}

// EndpointSecurity converts the security section for endpoint.Open.
func (c *HarnessConfig) EndpointSecurity() endpoint.Security {
	s := c.Endpoint.Security
	return endpoint.Security{
		Mode:        s.Mode,
		PSKIdentity: s.PSKIdentity,
		PSKKey:      s.PSKKey,
		CertFile:    s.CertFile,
		KeyFile:     s.KeyFile,
		CACertFile:  s.CACertFile,
	}
}
