package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/confvault/confvault/internal/connector"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

func TestDispatcher_OneOutcomePerDevice(t *testing.T) {
	e := newTestExecutor(&fakeConnector{}, &fakeArchive{}, NewMemoryMetricsStore(0.9))
	d := NewDispatcher(e, 3, discardLogger())

	var resolved []ResolvedDevice
	for i := 0; i < 10; i++ {
		resolved = append(resolved, resolvedWith(testDevice("sw"), testCredential(0x01, "c1", 10)))
	}

	outcomes, err := d.DispatchAll(context.Background(), uuid.New(), uuid.New(), resolved, time.Second)
	if err != nil {
		t.Fatalf("DispatchAll: %v", err)
	}
	if len(outcomes) != len(resolved) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(resolved))
	}

	seen := make(map[uuid.UUID]bool)
	for _, o := range outcomes {
		if seen[o.DeviceID] {
			t.Fatalf("device %s produced two outcomes", o.DeviceID)
		}
		seen[o.DeviceID] = true
	}
}

func TestDispatcher_RespectsPoolWidth(t *testing.T) {
	const poolSize = 4

	var inFlight, peak int64
	var mu sync.Mutex
	conn := &fakeConnector{
		ConnectAndRunFunc: func(ctx context.Context, device models.Device, creds connector.Credentials, command string, timeout time.Duration) (string, error) {
			n := atomic.AddInt64(&inFlight, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return "output", nil
		},
	}
	e := newTestExecutor(conn, &fakeArchive{}, NewMemoryMetricsStore(0.9))
	d := NewDispatcher(e, poolSize, discardLogger())

	var resolved []ResolvedDevice
	for i := 0; i < 20; i++ {
		resolved = append(resolved, resolvedWith(testDevice("sw"), testCredential(0x01, "c1", 10)))
	}

	if _, err := d.DispatchAll(context.Background(), uuid.New(), uuid.New(), resolved, time.Second); err != nil {
		t.Fatalf("DispatchAll: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > poolSize {
		t.Fatalf("peak concurrency %d exceeded pool size %d", peak, poolSize)
	}
	if peak < 2 {
		t.Fatalf("peak concurrency %d, expected parallel execution", peak)
	}
}

func TestDispatcher_PanicBecomesOutcome(t *testing.T) {
	conn := &fakeConnector{
		ConnectAndRunFunc: func(ctx context.Context, device models.Device, creds connector.Credentials, command string, timeout time.Duration) (string, error) {
			if device.Hostname == "bad" {
				panic("boom")
			}
			return "output", nil
		},
	}
	e := newTestExecutor(conn, &fakeArchive{}, NewMemoryMetricsStore(0.9))
	d := NewDispatcher(e, 2, discardLogger())

	bad := testDevice("bad")
	resolved := []ResolvedDevice{
		resolvedWith(testDevice("good"), testCredential(0x01, "c1", 10)),
		resolvedWith(bad, testCredential(0x01, "c1", 10)),
		resolvedWith(testDevice("good2"), testCredential(0x01, "c1", 10)),
	}

	outcomes, err := d.DispatchAll(context.Background(), uuid.New(), uuid.New(), resolved, time.Second)
	if err != nil {
		t.Fatalf("DispatchAll: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3 (panic must not swallow siblings)", len(outcomes))
	}

	succeeded := 0
	var panicked *models.DeviceOutcome
	for i := range outcomes {
		if outcomes[i].Success {
			succeeded++
		}
		if outcomes[i].DeviceID == bad.ID {
			panicked = &outcomes[i]
		}
	}
	if succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", succeeded)
	}
	if panicked == nil || panicked.Class != models.FailureUnexpected {
		t.Fatalf("panicked outcome = %+v, want FailureUnexpected", panicked)
	}
}

func TestDispatcher_EmptyBatch(t *testing.T) {
	e := newTestExecutor(&fakeConnector{}, &fakeArchive{}, NewMemoryMetricsStore(0.9))
	d := NewDispatcher(e, 5, discardLogger())

	outcomes, err := d.DispatchAll(context.Background(), uuid.New(), uuid.New(), nil, time.Second)
	if err != nil {
		t.Fatalf("DispatchAll: %v", err)
	}
	if outcomes != nil {
		t.Fatalf("outcomes = %v, want nil", outcomes)
	}
}

func TestDispatcher_CancelledContextBeforeStart(t *testing.T) {
	e := newTestExecutor(&fakeConnector{}, &fakeArchive{}, NewMemoryMetricsStore(0.9))
	d := NewDispatcher(e, 5, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.DispatchAll(ctx, uuid.New(), uuid.New(),
		[]ResolvedDevice{resolvedWith(testDevice("sw1"), testCredential(0x01, "c1", 10))}, time.Second)
	if err == nil {
		t.Fatal("expected a pre-dispatch error on a cancelled context")
	}
}
