// Package connector implements the "connect and run command" contract against
// network devices. Each connector reports failures through a two-level error
// classification: *AuthError means the credential was rejected and the caller
// may retry with a different one; any other error means the device itself is
// unavailable and retrying credentials is pointless.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confvault/confvault/internal/models"
)

// Credentials is the decrypted login material handed to a connector.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Community  string `json:"community,omitempty"` // SNMP v2c
}

// AuthError indicates the device rejected the supplied credential.
type AuthError struct {
	Protocol string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Protocol, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err classifies as a credential rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrCommandTimeout is returned when the per-command timeout elapses before
// the device produces output.
var ErrCommandTimeout = errors.New("command timed out")

// Connector runs one command against one device using one credential.
type Connector interface {
	// ConnectAndRun opens a session, executes command and returns its output.
	// The timeout bounds the whole connect+run exchange.
	ConnectAndRun(ctx context.Context, device models.Device, creds Credentials, command string, timeout time.Duration) (string, error)
}

// Registry maps protocol identifiers to connectors. It is built once at
// process start and read-only afterwards.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry builds the static protocol table.
func NewRegistry() *Registry {
	return &Registry{
		connectors: map[string]Connector{
			"ssh":   &SSHConnector{},
			"winrm": &WinRMConnector{},
			"snmp":  &SNMPConnector{},
		},
	}
}

// Get returns the connector for a protocol.
func (r *Registry) Get(protocol string) (Connector, error) {
	c, ok := r.connectors[protocol]
	if !ok {
		return nil, fmt.Errorf("no connector registered for protocol %q", protocol)
	}
	return c, nil
}

// Protocols lists the registered protocol identifiers.
func (r *Registry) Protocols() []string {
	out := make([]string, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	return out
}
