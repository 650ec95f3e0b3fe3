// pkg/config/defaults.go
package config

import "time"

// DefaultConfig returns a plain UDP configuration for a device binary. The
// binary itself still has to be set.
func DefaultConfig() *HarnessConfig {
	config := &HarnessConfig{
		DUT: DUTConfig{
			ServerArgs:     []string{"--server-uri", "{uri}"},
			CommandTimeout: 5 * time.Second,
			TerminateGrace: 2 * time.Second,
		},
		Endpoint: EndpointConfig{
			Bind:      "127.0.0.1:0",
			Protocol:  "udp",
			QueueSize: 64,
			Security: SecurityConfig{
				Mode: "none",
			},
		},
		Timeouts: Timeouts{
			Register:   5 * time.Second,
			Deregister: 5 * time.Second,
			Response:   5 * time.Second,
			Exit:       5 * time.Second,
		},
		TimeUnit: time.Second,
		Report: ReportConfig{
			Format: "text",
		},
	}

	return config
}

// SecureConfig returns a DTLS-PSK configuration.
func SecureConfig(identity, key string) *HarnessConfig {
	config := DefaultConfig()

	config.Endpoint.Protocol = "udp-dtls"
	config.Endpoint.Security = SecurityConfig{
		Mode:        "psk",
		PSKIdentity: identity,
		PSKKey:      key,
	}
	// Handshakes add a round trip or two before registration.
	config.Timeouts.Register = 10 * time.Second

	return config
}

// MockConfig runs against the in-process mock device with a compressed
// time unit.
func MockConfig() *HarnessConfig {
	config := DefaultConfig()

	config.DUT = DUTConfig{
		Mock:           true,
		CommandTimeout: time.Second,
		TerminateGrace: 100 * time.Millisecond,
	}
	config.TimeUnit = 100 * time.Millisecond
	config.Timeouts = Timeouts{
		Register:   2 * time.Second,
		Deregister: 2 * time.Second,
		Response:   2 * time.Second,
		Exit:       2 * time.Second,
	}

	return config
}
