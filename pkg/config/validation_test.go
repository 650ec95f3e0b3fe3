package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Helper function to create a temporary file with specific content
func createTempFile(t *testing.T, pattern, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		t.Fatalf("Failed to write to temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}
	return f.Name()
}

func TestValidateFileExists(t *testing.T) {
	t.Run("FileDoesNotExist", func(t *testing.T) {
		err := validateFileExists("non_existent_file.txt")
		if err == nil || !strings.Contains(err.Error(), "file does not exist") {
			t.Errorf("Expected 'file does not exist', got: %v", err)
		}
	})

	t.Run("FileExistsAndReadable", func(t *testing.T) {
		if err := validateFileExists(createTempFile(t, "readable_*.pem", "hello")); err != nil {
			t.Errorf("Expected no error for a readable file, got: %v", err)
		}
	})

	t.Run("EmptyFileExistsAndReadable", func(t *testing.T) {
		if err := validateFileExists(createTempFile(t, "empty_*.pem", "")); err != nil {
			t.Errorf("Expected no error for an empty file, got: %v", err)
		}
	})

	t.Run("PathIsADirectory", func(t *testing.T) {
		err := validateFileExists(t.TempDir())
		if err == nil || !strings.Contains(err.Error(), "path is a directory") {
			t.Errorf("Expected 'path is a directory', got: %v", err)
		}
	})

	t.Run("EmptyFilename", func(t *testing.T) {
		err := validateFileExists("")
		if err == nil || !strings.Contains(err.Error(), "filename cannot be empty") {
			t.Errorf("Expected 'filename cannot be empty', got: %v", err)
		}
	})

	t.Run("EnvironmentVariableExpansion", func(t *testing.T) {
		path := createTempFile(t, "env_var_*.pem", "data")
		t.Setenv("TEST_HARNESS_CERT_DIR", filepath.Dir(path))

		if err := validateFileExists("$TEST_HARNESS_CERT_DIR/" + filepath.Base(path)); err != nil {
			t.Errorf("Expected no error for env var path, got: %v", err)
		}
		if err := validateFileExists("${TEST_HARNESS_CERT_DIR}/" + filepath.Base(path)); err != nil {
			t.Errorf("Expected no error for braced env var path, got: %v", err)
		}
	})
}

func TestValidateProtocol(t *testing.T) {
	for _, p := range []string{"udp", "udp-dtls"} {
		if err := ValidateProtocol(p); err != nil {
			t.Errorf("Expected %s to be valid, got: %v", p, err)
		}
	}
	for _, p := range []string{"", "tcp", "tcp-tls", "http"} {
		if err := ValidateProtocol(p); err == nil {
			t.Errorf("Expected %q to be rejected", p)
		}
	}
}

func TestValidateBindAddress(t *testing.T) {
	tests := []struct {
		bind    string
		wantErr bool
	}{
		{"127.0.0.1:0", false},
		{"0.0.0.0:5683", false},
		{"[::1]:5684", false},
		{"localhost:0", false},
		{":5683", false},
		{"127.0.0.1", true},
		{"example.com:5683", true},
		{"127.0.0.1:http", true},
		{"127.0.0.1:70000", true},
	}
	for _, tt := range tests {
		err := ValidateBindAddress(tt.bind)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBindAddress(%q) error = %v, wantErr %v", tt.bind, err, tt.wantErr)
		}
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	cert := createTempFile(t, "cert_*.pem", "cert")
	key := createTempFile(t, "key_*.pem", "key")

	tests := []struct {
		name     string
		protocol string
		security SecurityConfig
		wantErr  string
	}{
		{"PlainUDP", "udp", SecurityConfig{Mode: "none"}, ""},
		{"PSKOverPlainUDP", "udp", SecurityConfig{Mode: "psk"}, "not valid for protocol"},
		{"NoneOverDTLS", "udp-dtls", SecurityConfig{Mode: "none"}, "not valid for protocol"},
		{"PSK", "udp-dtls", SecurityConfig{Mode: "psk", PSKIdentity: "harness", PSKKey: "secret"}, ""},
		{"PSKMissingIdentity", "udp-dtls", SecurityConfig{Mode: "psk", PSKKey: "secret"}, "psk_identity is required"},
		{"PSKShortKey", "udp-dtls", SecurityConfig{Mode: "psk", PSKIdentity: "harness", PSKKey: "abc"}, "too short"},
		{"Certificate", "udp-dtls", SecurityConfig{Mode: "certificate", CertFile: cert, KeyFile: key}, ""},
		{"CertificateMissingKey", "udp-dtls", SecurityConfig{Mode: "certificate", CertFile: cert}, "key_file is required"},
		{"CertificateMissingCA", "udp-dtls", SecurityConfig{Mode: "certificate", CertFile: cert, KeyFile: key, CACertFile: "missing-ca.pem"}, "ca_cert_file"},
		{"UnknownProtocol", "tcp", SecurityConfig{Mode: "none"}, "unknown protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecurityConfig(tt.protocol, tt.security)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
