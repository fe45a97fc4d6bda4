package common

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want ResultCode
	}{
		{name: "Nil", err: nil, want: ResultSuccess},
		{name: "Sentinel", err: ErrNoConnection, want: ResultNoConnection},
		{name: "Wrapped sentinel", err: fmt.Errorf("getRandom: %w", ErrCommFailure), want: ResultCommFailure},
		{name: "Remote code", err: fmt.Errorf("pcrRead: %w", TPMBadIndex), want: TPMBadIndex},
		{name: "Double wrap", err: fmt.Errorf("peer closed (%w): %w", io.EOF, ErrCommFailure), want: ResultCommFailure},
		{name: "Unknown", err: errors.New("boom"), want: ResultInternalError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Code(tc.err); got != tc.want {
				t.Errorf("Expected %#x, got %#x", tc.want, got)
			}
		})
	}
}

func TestIsLocal(t *testing.T) {
	for _, code := range []ResultCode{ResultInternalError, ResultCommFailure, ResultNoConnection, ResultConnectionFailed} {
		if !code.IsLocal() {
			t.Errorf("Expected %#x to be local", code)
		}
	}
	for _, code := range []ResultCode{ResultSuccess, TPMBadIndex, TCSKeyNotFound, TCSInvalidContext} {
		if code.IsLocal() {
			t.Errorf("Expected %#x to be remote", code)
		}
	}
}

func TestIsCommunication(t *testing.T) {
	if !IsCommunication(fmt.Errorf("x: %w", ErrConnectionFailed)) || !IsCommunication(ErrCommFailure) {
		t.Error("Expected socket failures to be communication errors")
	}
	if IsCommunication(ErrDesync) || IsCommunication(TCSInternalError) {
		t.Error("Expected protocol errors not to be communication errors")
	}
}

func TestResolvePort(t *testing.T) {
	testCases := []struct {
		env  string
		want int
	}{
		{env: "", want: DefaultPort},
		{env: "4000", want: 4000},
		{env: "not a port", want: DefaultPort},
		{env: "70000", want: DefaultPort},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("env=%q", tc.env), func(t *testing.T) {
			t.Setenv("TSS_TCSD_PORT", tc.env)
			if got := ResolvePort(); got != tc.want {
				t.Errorf("Expected port %d, got %d", tc.want, got)
			}

			config := DefaultClientConfig()
			if got := config.ResolvedPort(); got != tc.want {
				t.Errorf("Expected resolved port %d, got %d", tc.want, got)
			}
			config.Port = 1234
			if got := config.ResolvedPort(); got != 1234 {
				t.Errorf("Expected configured port to win, got %d", got)
			}
		})
	}
}

func TestResolveHostname(t *testing.T) {
	t.Setenv("TSS_TCSD_HOSTNAME", "tpm.example.org")
	if got := ResolveHostname(); got != "tpm.example.org" {
		t.Errorf("Expected hostname from environment, got %q", got)
	}
}

func TestUUID(t *testing.T) {
	if got := SRKUUID.String(); got != "00000000-0000-0000-0000-000000000001" {
		t.Errorf("Unexpected storage root key uuid %s", got)
	}

	u := uuid.New()
	parsed, err := ParseUUID(u.String())
	if err != nil {
		t.Fatalf("Failed to parse uuid: %v", err)
	}
	if parsed.RFC4122() != u {
		t.Errorf("Expected %s, got %s", u, parsed)
	}
	if parsed.TimeLow != uint32(u[0])<<24|uint32(u[1])<<16|uint32(u[2])<<8|uint32(u[3]) {
		t.Errorf("Unexpected time low field %#x", parsed.TimeLow)
	}

	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Error("Expected an error for an invalid uuid")
	}
}

func TestStringers(t *testing.T) {
	testCases := []struct {
		got  fmt.Stringer
		want string
	}{
		{got: OpOpenContext, want: "openContext"},
		{got: Opcode(9999), want: "opcode(9999)"},
		{got: TypePCREvent, want: "pcrEvent"},
		{got: TypeTag(99), want: "tag(99)"},
		{got: CapVersion, want: "version"},
		{got: Version{1, 2, 3, 4}, want: "1.2.3.4"},
	}

	for _, tc := range testCases {
		if got := tc.got.String(); got != tc.want {
			t.Errorf("Expected %q, got %q", tc.want, got)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "", "warn", "warning", "error"} {
		if _, err := ParseLogLevel(level); err != nil {
			t.Errorf("Expected %q to be valid: %v", level, err)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("Expected an error for an unknown level")
	}
	if err := InitLoggers("debug"); err != nil {
		t.Errorf("Failed to init loggers: %v", err)
	}
	if err := InitLoggers("info"); err != nil {
		t.Errorf("Failed to reinit loggers: %v", err)
	}
}

func TestConfigString(t *testing.T) {
	config := DefaultClientConfig()
	config.Port = 4242
	s := config.String()
	for _, want := range []string{"CLIENT CONFIGURATION", "localhost", "4242", "Timeout", "none"} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %q in:\n%s", want, s)
		}
	}
}
