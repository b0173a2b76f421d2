package runner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/confvault/confvault/internal/connector"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

// discardLogger silences test output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDirectory is a mock CredentialDirectory with a hook.
type fakeDirectory struct {
	CredentialsForTagsFunc func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error)
}

func (f *fakeDirectory) CredentialsForTags(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
	if f.CredentialsForTagsFunc != nil {
		return f.CredentialsForTagsFunc(ctx, tagIDs)
	}
	return nil, nil
}

// fakeConnector is a mock connector with a hook.
type fakeConnector struct {
	ConnectAndRunFunc func(ctx context.Context, device models.Device, creds connector.Credentials, command string, timeout time.Duration) (string, error)
}

func (f *fakeConnector) ConnectAndRun(ctx context.Context, device models.Device, creds connector.Credentials, command string, timeout time.Duration) (string, error) {
	if f.ConnectAndRunFunc != nil {
		return f.ConnectAndRunFunc(ctx, device, creds, command, timeout)
	}
	return "output", nil
}

// fakeProvider returns the same connector for every protocol.
type fakeProvider struct {
	conn connector.Connector
	err  error
}

func (f *fakeProvider) Get(protocol string) (connector.Connector, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

// passthroughDecrypter treats the stored secret as plaintext. The executor's
// JSON fallback then maps it to a bare password.
type passthroughDecrypter struct{}

func (passthroughDecrypter) Decrypt(ciphertext string) ([]byte, error) {
	return []byte(ciphertext), nil
}

// fakeArchive records saves and returns a fixed ref, or fails via hook.
type fakeArchive struct {
	SaveFunc func(ctx context.Context, device models.Device, output string, timestamp time.Time, jobID uuid.UUID) (string, error)

	mu    sync.Mutex
	saved int
}

func (f *fakeArchive) Save(ctx context.Context, device models.Device, output string, timestamp time.Time, jobID uuid.UUID) (string, error) {
	f.mu.Lock()
	f.saved++
	f.mu.Unlock()
	if f.SaveFunc != nil {
		return f.SaveFunc(ctx, device, output, timestamp, jobID)
	}
	return "abc123", nil
}

func (f *fakeArchive) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved
}

// testCredential builds a credential with a deterministic id so tie-break
// ordering is reproducible.
func testCredential(idByte byte, name string, priority int) models.Credential {
	var raw [16]byte
	raw[0] = idByte
	id, _ := uuid.FromBytes(raw[:])
	return models.Credential{
		ID:       id,
		Name:     name,
		Username: "admin",
		Secret:   "secret-" + name,
		Priority: priority,
	}
}

// testDevice builds an ssh device carrying the given tags.
func testDevice(hostname string, tagIDs ...uuid.UUID) models.Device {
	return models.Device{
		ID:        uuid.New(),
		Hostname:  hostname,
		IPAddress: "10.0.0.1",
		Port:      22,
		Protocol:  "ssh",
		Command:   "show running-config",
		TagIDs:    tagIDs,
	}
}
