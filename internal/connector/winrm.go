package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/confvault/confvault/internal/models"
	"github.com/masterzen/winrm"
)

// WinRMConnector executes commands on Windows devices via WinRM
// using github.com/masterzen/winrm.
type WinRMConnector struct{}

// ConnectAndRun creates a WinRM shell on the device and runs command.
func (c *WinRMConnector) ConnectAndRun(ctx context.Context, device models.Device, creds Credentials, command string, timeout time.Duration) (string, error) {
	endpoint := winrm.NewEndpoint(device.IPAddress, device.Port, false, false, nil, nil, nil, timeout)

	client, err := winrm.NewClient(endpoint, creds.Username, creds.Password)
	if err != nil {
		return "", fmt.Errorf("winrm client creation failed: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := client.RunWithContextWithString(runCtx, command, "")
	if err != nil {
		// The transport reports rejected credentials as an HTTP 401.
		if strings.Contains(err.Error(), "401") || strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
			return "", &AuthError{Protocol: "winrm", Err: err}
		}
		if runCtx.Err() != nil {
			return "", fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
		}
		return "", fmt.Errorf("winrm command %q: %w", command, err)
	}

	if exitCode != 0 {
		return "", fmt.Errorf("winrm command %q exited %d: %s", command, exitCode, strings.TrimSpace(stderr))
	}

	return stdout, nil
}
