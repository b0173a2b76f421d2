package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/confvault/confvault/internal/models"
	"golang.org/x/crypto/ssh"
)

// SSHConnector executes commands over SSH using golang.org/x/crypto/ssh.
type SSHConnector struct{}

// ConnectAndRun dials the device, opens a session and runs command.
// Password and private-key auth are both offered when present.
func (c *SSHConnector) ConnectAndRun(ctx context.Context, device models.Device, creds Credentials, command string, timeout time.Duration) (string, error) {
	address := fmt.Sprintf("%s:%d", device.IPAddress, device.Port)

	var authMethods []ssh.AuthMethod
	if creds.Password != "" {
		authMethods = append(authMethods, ssh.Password(creds.Password))
	}
	if creds.PrivateKey != "" {
		var key ssh.Signer
		var err error
		if creds.Passphrase != "" {
			key, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			key, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return "", &AuthError{Protocol: "ssh", Err: fmt.Errorf("failed to parse private key: %w", err)}
		}
		authMethods = append(authMethods, ssh.PublicKeys(key))
	}

	if len(authMethods) == 0 {
		return "", &AuthError{Protocol: "ssh", Err: fmt.Errorf("no authentication method provided (password or private_key required)")}
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", address, config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return "", &AuthError{Protocol: "ssh", Err: err}
		}
		return "", fmt.Errorf("ssh dial %s: %w", address, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	// session.Output has no context support; enforce the command timeout by
	// closing the session when it elapses.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(command)
		done <- result{out, err}
	}()

	select {
	case <-runCtx.Done():
		session.Close()
		return "", fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("ssh command %q: %w", command, res.err)
		}
		return string(res.out), nil
	}
}
