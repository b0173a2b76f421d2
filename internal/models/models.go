// Package models defines the shared domain types for ConfVault.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tag is a categorical label shared by devices and credentials.
// Devices and credentials that share at least one tag are matched
// during credential resolution.
type Tag struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	Type      string     `db:"type" json:"type"` // e.g. 'location', 'role', 'vendor'
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
}

// Credential is a reusable device login. The secret is stored encrypted
// and only decrypted immediately before a connection attempt.
type Credential struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Username    string      `db:"username" json:"username"`
	Secret      string      `db:"secret" json:"-"` // encrypted at rest
	Priority    int         `db:"priority" json:"priority"`         // lower tries first
	SuccessRate *float64    `db:"success_rate" json:"success_rate"` // EMA in [0,1], nil until first attempt
	LastUsed    *time.Time  `db:"last_used" json:"last_used"`
	LastSuccess *time.Time  `db:"last_success" json:"last_success"`
	LastFailure *time.Time  `db:"last_failure" json:"last_failure"`
	IsSystem    bool        `db:"is_system" json:"is_system"`
	TagIDs      []uuid.UUID `db:"-" json:"tag_ids,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
	DeletedAt   *time.Time  `db:"deleted_at" json:"-"`
}

// Device is a managed network element whose configuration gets archived.
// Username/Secret are normally empty; when set by a caller they take
// precedence over tag-based credential resolution.
type Device struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	Hostname  string      `db:"hostname" json:"hostname"`
	IPAddress string      `db:"ip_address" json:"ip_address"`
	Port      int         `db:"port" json:"port"`
	Protocol  string      `db:"protocol" json:"protocol"` // 'ssh', 'winrm', 'snmp'
	Command   string      `db:"command" json:"command"`   // config retrieval command
	Username  string      `db:"username" json:"username,omitempty"`
	Secret    string      `db:"secret" json:"-"`
	TagIDs    []uuid.UUID `db:"-" json:"tag_ids,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time  `db:"deleted_at" json:"-"`
}

// HasCredentials reports whether the device carries caller-supplied
// credentials that bypass tag-based resolution.
func (d Device) HasCredentials() bool {
	return d.Username != "" && d.Secret != ""
}

// JobTarget selects the devices a job operates on: either one explicit
// device, or the union of devices carrying any of the listed tags.
type JobTarget struct {
	DeviceID *uuid.UUID  `json:"device_id,omitempty"`
	TagIDs   []uuid.UUID `json:"tag_ids,omitempty"`
}

// Job is a configuration archival job definition. Schedule is a cron
// expression owned by the scheduler; the runner never inspects it.
type Job struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	Target     JobTarget  `db:"target" json:"target"`
	Schedule   string     `db:"schedule" json:"schedule"`
	Enabled    bool       `db:"enabled" json:"enabled"`
	TimeoutMS  int        `db:"timeout_ms" json:"timeout_ms"` // per-command timeout
	LastRunAt  *time.Time `db:"last_run_at" json:"last_run_at"`
	LastStatus *string    `db:"last_status" json:"last_status"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt  *time.Time `db:"deleted_at" json:"-"`
}

// GetTimeout returns the per-command timeout as a duration.
func (j Job) GetTimeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// JobStatus is the terminal classification of one job run. Every value
// except StatusRunning is terminal; a run never transitions out of a
// terminal status.
type JobStatus string

const (
	StatusRunning JobStatus = "RUNNING"

	StatusCompletedSuccess        JobStatus = "COMPLETED_SUCCESS"
	StatusCompletedPartialFailure JobStatus = "COMPLETED_PARTIAL_FAILURE"
	StatusCompletedFailure        JobStatus = "COMPLETED_FAILURE"
	StatusCompletedNoDevices      JobStatus = "COMPLETED_NO_DEVICES"
	StatusCompletedNoCredentials  JobStatus = "COMPLETED_NO_CREDENTIALS"

	StatusFailedCredentialResolution JobStatus = "FAILED_CREDENTIAL_RESOLUTION"
	StatusFailedDispatcherError      JobStatus = "FAILED_DISPATCHER_ERROR"
	StatusFailedUnexpected           JobStatus = "FAILED_UNEXPECTED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}

// FailureClass categorizes why a device attempt failed.
type FailureClass string

const (
	FailureNone          FailureClass = ""
	FailureNoCredentials FailureClass = "no_credentials"
	FailureExhausted     FailureClass = "credentials_exhausted"
	FailureUnreachable   FailureClass = "unreachable"
	FailureTimeout       FailureClass = "timeout"
	FailureCommand       FailureClass = "command"
	FailureStorage       FailureClass = "storage"
	FailureUnexpected    FailureClass = "unexpected"
)

// DeviceOutcome is the per-device result of one job run.
type DeviceOutcome struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	RunID        uuid.UUID     `db:"run_id" json:"run_id"`
	DeviceID     uuid.UUID     `db:"device_id" json:"device_id"`
	Success      bool          `db:"success" json:"success"`
	CredentialID *uuid.UUID    `db:"credential_id" json:"credential_id"` // credential that succeeded, nil on failure
	Attempts     int           `db:"attempts" json:"attempts"`           // credentials tried
	Class        FailureClass  `db:"failure_class" json:"failure_class,omitempty"`
	Error        string        `db:"error" json:"error,omitempty"`
	SnapshotRef  string        `db:"snapshot_ref" json:"snapshot_ref,omitempty"` // archive commit reference
	StartedAt    time.Time     `db:"started_at" json:"started_at"`
	Duration     time.Duration `db:"duration" json:"duration"`
}

// JobRun records one execution of a job and its aggregated outcome set.
type JobRun struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	JobID       uuid.UUID       `db:"job_id" json:"job_id"`
	Status      JobStatus       `db:"status" json:"status"`
	Error       string          `db:"error" json:"error,omitempty"`
	StartedAt   time.Time       `db:"started_at" json:"started_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at"`
	Outcomes    []DeviceOutcome `db:"-" json:"outcomes,omitempty"`
}
