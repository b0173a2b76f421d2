package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confvault/confvault/internal/connector"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

type fakeJobStore struct {
	jobs map[uuid.UUID]models.Job
	err  error
}

func (f *fakeJobStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	if f.err != nil {
		return models.Job{}, f.err
	}
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, errors.New("not found")
	}
	return job, nil
}

type fakeInventory struct {
	devices []models.Device
	err     error
}

func (f *fakeInventory) DevicesForJob(ctx context.Context, target models.JobTarget) ([]models.Device, error) {
	return f.devices, f.err
}

type fakeSink struct {
	mu       sync.Mutex
	created  []models.JobRun
	finished []models.JobRun

	createErr error
}

func (f *fakeSink) CreateRun(ctx context.Context, run models.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, run)
	return nil
}

func (f *fakeSink) FinishRun(ctx context.Context, run models.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, run)
	return nil
}

func (f *fakeSink) lastFinished(t *testing.T) models.JobRun {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finished) == 0 {
		t.Fatal("no run was finished")
	}
	return f.finished[len(f.finished)-1]
}

// newTestRunner wires a Runner over in-memory fakes. conn drives the
// per-device behavior, dir the credential directory.
func newTestRunner(t *testing.T, job models.Job, devices []models.Device, dir CredentialDirectory, conn connector.Connector) (*Runner, *fakeSink, *MemoryMetricsStore) {
	t.Helper()

	metrics := NewMemoryMetricsStore(0.9)
	executor := NewExecutor(
		&fakeProvider{conn: conn},
		NewMetrics(metrics, discardLogger()),
		passthroughDecrypter{},
		&fakeArchive{},
		nil,
		discardLogger(),
	)
	sink := &fakeSink{}
	r := New(
		&fakeJobStore{jobs: map[uuid.UUID]models.Job{job.ID: job}},
		&fakeInventory{devices: devices},
		NewResolver(dir, discardLogger()),
		NewDispatcher(executor, 5, discardLogger()),
		sink,
		nil,
		30*time.Second,
		discardLogger(),
	)
	return r, sink, metrics
}

func testJob() models.Job {
	return models.Job{
		ID:     uuid.New(),
		Name:   "nightly-backup",
		Target: models.JobTarget{TagIDs: []uuid.UUID{uuid.New()}},
	}
}

// Mixed fleet: one device falls back from a rejected credential and succeeds,
// one has no credentials at all, one is unreachable. The run must end
// COMPLETED_PARTIAL_FAILURE with one outcome per device.
func TestRunJob_MixedFleet(t *testing.T) {
	tagged := uuid.New()
	c1 := testCredential(0x01, "c1", 10)
	c2 := testCredential(0x02, "c2", 20)

	d1 := testDevice("core-sw", tagged)
	d2 := testDevice("orphan", uuid.New())
	d3 := testDevice("dead-router", tagged)

	dir := &fakeDirectory{
		CredentialsForTagsFunc: func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
			for _, id := range tagIDs {
				if id == tagged {
					return []models.Credential{c1, c2}, nil
				}
			}
			return nil, nil
		},
	}
	conn := &fakeConnector{
		ConnectAndRunFunc: func(ctx context.Context, device models.Device, creds connector.Credentials, command string, timeout time.Duration) (string, error) {
			switch device.ID {
			case d1.ID:
				if creds.Password == c1.Secret {
					return "", &connector.AuthError{Protocol: "ssh", Err: errors.New("denied")}
				}
				return "running-config", nil
			case d3.ID:
				return "", errors.New("dial tcp: no route to host")
			}
			return "", errors.New("unexpected device")
		},
	}

	job := testJob()
	r, sink, metrics := newTestRunner(t, job, []models.Device{d1, d2, d3}, dir, conn)

	run, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	if run.Status != models.StatusCompletedPartialFailure {
		t.Fatalf("status = %q, want %q", run.Status, models.StatusCompletedPartialFailure)
	}
	if len(run.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(run.Outcomes))
	}

	byDevice := make(map[uuid.UUID]models.DeviceOutcome)
	for _, o := range run.Outcomes {
		byDevice[o.DeviceID] = o
	}

	o1 := byDevice[d1.ID]
	if !o1.Success || o1.Attempts != 2 || o1.CredentialID == nil || *o1.CredentialID != c2.ID {
		t.Fatalf("d1 outcome = %+v", o1)
	}
	o2 := byDevice[d2.ID]
	if o2.Success || o2.Class != models.FailureNoCredentials {
		t.Fatalf("d2 outcome = %+v", o2)
	}
	o3 := byDevice[d3.ID]
	if o3.Success || o3.Class != models.FailureUnreachable {
		t.Fatalf("d3 outcome = %+v", o3)
	}

	// c1 sorts first on both devices: charged for the d1 auth reject and the
	// d3 unreachable failure. c2 was only ever tried on d1, where it worked.
	s1, _ := metrics.Stats(c1.ID)
	if s1.Failures != 2 || s1.Successes != 0 {
		t.Fatalf("c1 stats = %+v", s1)
	}
	s2, _ := metrics.Stats(c2.ID)
	if s2.Successes != 1 {
		t.Fatalf("c2 stats = %+v", s2)
	}

	finished := sink.lastFinished(t)
	if finished.Status != models.StatusCompletedPartialFailure {
		t.Fatalf("persisted status = %q", finished.Status)
	}
	if finished.CompletedAt == nil {
		t.Fatal("persisted run has no completion time")
	}
	if len(sink.created) != 1 || sink.created[0].Status != models.StatusRunning {
		t.Fatalf("run was not persisted in RUNNING state first: %+v", sink.created)
	}
}

func TestRunJob_NoDevices(t *testing.T) {
	job := testJob()
	r, _, _ := newTestRunner(t, job, nil, &fakeDirectory{}, &fakeConnector{})

	run, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if run.Status != models.StatusCompletedNoDevices {
		t.Fatalf("status = %q, want %q", run.Status, models.StatusCompletedNoDevices)
	}
	if len(run.Outcomes) != 0 {
		t.Fatalf("outcomes = %v, want none", run.Outcomes)
	}
}

func TestRunJob_NoCredentialsAnywhere(t *testing.T) {
	job := testJob()
	devices := []models.Device{testDevice("a", uuid.New()), testDevice("b", uuid.New())}
	r, sink, _ := newTestRunner(t, job, devices, &fakeDirectory{}, &fakeConnector{})

	run, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if run.Status != models.StatusCompletedNoCredentials {
		t.Fatalf("status = %q, want %q", run.Status, models.StatusCompletedNoCredentials)
	}
	// Skipped devices still get granular outcomes.
	if len(run.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(run.Outcomes))
	}
	for _, o := range run.Outcomes {
		if o.Class != models.FailureNoCredentials {
			t.Fatalf("outcome class = %q, want %q", o.Class, models.FailureNoCredentials)
		}
	}
	finished := sink.lastFinished(t)
	if finished.Status != models.StatusCompletedNoCredentials {
		t.Fatalf("persisted status = %q", finished.Status)
	}
}

func TestRunJob_ResolutionFault(t *testing.T) {
	job := testJob()
	dir := &fakeDirectory{
		CredentialsForTagsFunc: func(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
			return nil, errors.New("store down")
		},
	}
	r, sink, _ := newTestRunner(t, job, []models.Device{testDevice("a", uuid.New())}, dir, &fakeConnector{})

	run, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if run.Status != models.StatusFailedCredentialResolution {
		t.Fatalf("status = %q, want %q", run.Status, models.StatusFailedCredentialResolution)
	}
	if run.Error == "" {
		t.Fatal("run error should carry the resolution fault")
	}
	finished := sink.lastFinished(t)
	if finished.Status != models.StatusFailedCredentialResolution {
		t.Fatalf("persisted status = %q", finished.Status)
	}
}

func TestRunJob_InventoryFaultIsUnexpected(t *testing.T) {
	job := testJob()
	metrics := NewMemoryMetricsStore(0.9)
	executor := NewExecutor(&fakeProvider{conn: &fakeConnector{}},
		NewMetrics(metrics, discardLogger()), passthroughDecrypter{}, &fakeArchive{}, nil, discardLogger())
	sink := &fakeSink{}
	r := New(
		&fakeJobStore{jobs: map[uuid.UUID]models.Job{job.ID: job}},
		&fakeInventory{err: errors.New("inventory query failed")},
		NewResolver(&fakeDirectory{}, discardLogger()),
		NewDispatcher(executor, 5, discardLogger()),
		sink,
		nil,
		30*time.Second,
		discardLogger(),
	)

	run, err := r.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if run.Status != models.StatusFailedUnexpected {
		t.Fatalf("status = %q, want %q", run.Status, models.StatusFailedUnexpected)
	}
}

func TestRunJob_UnknownJob(t *testing.T) {
	job := testJob()
	r, sink, _ := newTestRunner(t, job, nil, &fakeDirectory{}, &fakeConnector{})

	if _, err := r.RunJob(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected an error for an unknown job")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.created) != 0 {
		t.Fatal("no run should be recorded for an unknown job")
	}
}

func TestRunJob_CreateRunFaultAborts(t *testing.T) {
	job := testJob()
	metrics := NewMemoryMetricsStore(0.9)
	executor := NewExecutor(&fakeProvider{conn: &fakeConnector{}},
		NewMetrics(metrics, discardLogger()), passthroughDecrypter{}, &fakeArchive{}, nil, discardLogger())
	sink := &fakeSink{createErr: errors.New("insert failed")}
	r := New(
		&fakeJobStore{jobs: map[uuid.UUID]models.Job{job.ID: job}},
		&fakeInventory{},
		NewResolver(&fakeDirectory{}, discardLogger()),
		NewDispatcher(executor, 5, discardLogger()),
		sink,
		nil,
		30*time.Second,
		discardLogger(),
	)

	if _, err := r.RunJob(context.Background(), job.ID); err == nil {
		t.Fatal("expected an error when the run cannot be recorded")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.finished) != 0 {
		t.Fatal("a run that never started must not be finished")
	}
}
