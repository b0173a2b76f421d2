package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

func TestResolver_OrdersByPriorityThenID(t *testing.T) {
	// Same priority for b and c: the lower id must win the tie.
	credA := testCredential(0x03, "a", 20)
	credB := testCredential(0x02, "b", 10)
	credC := testCredential(0x01, "c", 10)

	dir := &fakeDirectory{
		CredentialsForTagsFunc: func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
			return []models.Credential{credA, credB, credC}, nil
		},
	}
	r := NewResolver(dir, discardLogger())

	rd, err := r.Resolve(context.Background(), testDevice("sw1", uuid.New()), true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := make([]string, len(rd.Candidates))
	for i, c := range rd.Candidates {
		got[i] = c.Credential.Name
	}
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate order = %v, want %v", got, want)
		}
	}
}

func TestResolver_DeduplicatesSharedTags(t *testing.T) {
	cred := testCredential(0x01, "shared", 10)

	// A credential matching the device via two tags appears twice in the
	// directory result.
	dir := &fakeDirectory{
		CredentialsForTagsFunc: func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
			return []models.Credential{cred, cred}, nil
		},
	}
	r := NewResolver(dir, discardLogger())

	rd, err := r.Resolve(context.Background(), testDevice("sw1", uuid.New(), uuid.New()), true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(rd.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(rd.Candidates))
	}
}

func TestResolver_NoMatchingCredentials(t *testing.T) {
	r := NewResolver(&fakeDirectory{}, discardLogger())

	_, err := r.Resolve(context.Background(), testDevice("sw1", uuid.New()), true)
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestResolver_InlineCredentialsBypassLookup(t *testing.T) {
	lookups := 0
	dir := &fakeDirectory{
		CredentialsForTagsFunc: func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
			lookups++
			return nil, nil
		},
	}
	r := NewResolver(dir, discardLogger())

	device := testDevice("sw1", uuid.New())
	device.Username = "local"
	device.Secret = "pw"

	rd, err := r.Resolve(context.Background(), device, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !rd.Inline {
		t.Fatal("expected inline resolution")
	}
	if lookups != 0 {
		t.Fatalf("directory queried %d times, want 0", lookups)
	}
}

func TestResolver_ForcedResolutionFallsBackToInline(t *testing.T) {
	r := NewResolver(&fakeDirectory{}, discardLogger())

	device := testDevice("sw1", uuid.New())
	device.Username = "local"
	device.Secret = "pw"

	// skipIfHasCredentials=false forces a lookup; with nothing matched the
	// device's own credentials still carry it.
	rd, err := r.Resolve(context.Background(), device, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !rd.Inline {
		t.Fatal("expected inline fallback")
	}
}

func TestResolveBatch_SkipsDevicesWithoutCredentials(t *testing.T) {
	tagged := uuid.New()
	cred := testCredential(0x01, "c1", 10)

	dir := &fakeDirectory{
		CredentialsForTagsFunc: func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
			for _, id := range tagIDs {
				if id == tagged {
					return []models.Credential{cred}, nil
				}
			}
			return nil, nil
		},
	}
	r := NewResolver(dir, discardLogger())

	devices := []models.Device{
		testDevice("ok", tagged),
		testDevice("orphan", uuid.New()),
		testDevice("ok2", tagged),
	}

	resolved, skipped, err := r.ResolveBatch(context.Background(), devices)
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("resolved %d devices, want 2", len(resolved))
	}
	if len(skipped) != 1 || skipped[0].Device.Hostname != "orphan" {
		t.Fatalf("skipped = %+v, want just the orphan", skipped)
	}
	if !errors.Is(skipped[0].Reason, ErrNoCredentials) {
		t.Fatalf("skip reason = %v, want ErrNoCredentials", skipped[0].Reason)
	}
}

func TestResolveBatch_DirectoryFaultAbortsBatch(t *testing.T) {
	boom := errors.New("store unreachable")
	dir := &fakeDirectory{
		CredentialsForTagsFunc: func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
			return nil, boom
		},
	}
	r := NewResolver(dir, discardLogger())

	resolved, skipped, err := r.ResolveBatch(context.Background(), []models.Device{testDevice("sw1", uuid.New())})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the directory fault", err)
	}
	if resolved != nil || skipped != nil {
		t.Fatal("expected no partial results on a directory fault")
	}
}
