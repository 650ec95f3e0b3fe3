// pkg/config/validation.go
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

var (
	// Transports the harness endpoint can listen on
	validProtocols = map[string]bool{
		"udp":      true,
		"udp-dtls": true,
	}

	// Valid security modes per protocol
	validSecurityModes = map[string][]string{
		"udp":      {"none"},
		"udp-dtls": {"psk", "certificate"},
	}
)

// ValidateProtocol checks if the protocol is supported
func ValidateProtocol(protocol string) error {
	if !validProtocols[protocol] {
		return fmt.Errorf("unsupported protocol %s, must be one of: %s",
			protocol, strings.Join(getKeys(validProtocols), ", "))
	}
	return nil
}

// ValidateBindAddress validates a host:port the server endpoints bind to.
// Port 0 picks an ephemeral port per endpoint.
func ValidateBindAddress(bind string) error {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: %w", bind, err)
	}

	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return fmt.Errorf("host %s must be an IP address or localhost", host)
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}

	return nil
}

// ValidateSecurityConfig validates security configuration against protocol
func ValidateSecurityConfig(protocol string, security SecurityConfig) error {
	validModes := validSecurityModes[protocol]
	if validModes == nil {
		return fmt.Errorf("unknown protocol: %s", protocol)
	}

	if !slices.Contains(validModes, security.Mode) {
		return fmt.Errorf("security mode %s not valid for protocol %s, must be one of: %s",
			security.Mode, protocol, strings.Join(validModes, ", "))
	}

	switch security.Mode {
	case "psk":
		if security.PSKIdentity == "" {
			return fmt.Errorf("psk_identity is required for PSK mode")
		}
		if security.PSKKey == "" {
			return fmt.Errorf("psk_key is required for PSK mode")
		}
		if len(security.PSKKey) < 4 {
			return fmt.Errorf("psk_key too short (minimum 4 characters)")
		}

	case "certificate":
		if security.CertFile == "" {
			return fmt.Errorf("cert_file is required for certificate mode")
		}
		if security.KeyFile == "" {
			return fmt.Errorf("key_file is required for certificate mode")
		}
		if err := validateFileExists(security.CertFile); err != nil {
			return fmt.Errorf("cert_file: %w", err)
		}
		if err := validateFileExists(security.KeyFile); err != nil {
			return fmt.Errorf("key_file: %w", err)
		}
		if security.CACertFile != "" {
			if err := validateFileExists(security.CACertFile); err != nil {
				return fmt.Errorf("ca_cert_file: %w", err)
			}
		}
	}

	return nil
}

func getKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func validateFileExists(filename string) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	expanded := expandPath(filename)
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", expanded)
		}
		return fmt.Errorf("cannot access file %s: %w", expanded, err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", expanded)
	}

	file, err := os.Open(expanded)
	if err != nil {
		return fmt.Errorf("file is not readable: %s (%w)", expanded, err)
	}
	return file.Close()
}

// expandPath expands environment variables and a leading ~/.
func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[2:])
		}
	}
	return expanded
}
