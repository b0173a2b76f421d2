// Package archive persists device configuration snapshots into a local
// git repository, one file per device, one commit per retrieval. The commit
// hash is returned as the snapshot reference recorded on the device outcome.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/confvault/confvault/internal/config"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

// GitArchive writes snapshots through the git CLI.
type GitArchive struct {
	repoPath    string
	authorName  string
	authorEmail string
	logger      *slog.Logger

	// mu serializes commits; concurrent git index updates in one work tree
	// fail on the index lock.
	mu sync.Mutex
}

// NewGitArchive opens (initializing if needed) the snapshot repository.
func NewGitArchive(cfg config.ArchiveConfig, logger *slog.Logger) (*GitArchive, error) {
	a := &GitArchive{
		repoPath:    cfg.RepoPath,
		authorName:  cfg.AuthorName,
		authorEmail: cfg.AuthorEmail,
		logger:      logger.With("component", "archive"),
	}
	if a.authorName == "" {
		a.authorName = "confvault"
	}
	if a.authorEmail == "" {
		a.authorEmail = "confvault@localhost"
	}

	if err := os.MkdirAll(cfg.RepoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.RepoPath, ".git")); os.IsNotExist(err) {
		if out, err := a.git(context.Background(), "init"); err != nil {
			return nil, fmt.Errorf("git init: %v: %s", err, out)
		}
		a.logger.Info("initialized snapshot repository", "path", cfg.RepoPath)
	}

	return a, nil
}

// Save writes the device's configuration and commits it. Re-archiving an
// unchanged configuration returns the current HEAD without a new commit.
func (a *GitArchive) Save(ctx context.Context, device models.Device, output string, timestamp time.Time, jobID uuid.UUID) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := snapshotFileName(device)
	path := filepath.Join(a.repoPath, name)

	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", name, err)
	}

	if out, err := a.git(ctx, "add", "--", name); err != nil {
		return "", fmt.Errorf("git add: %v: %s", err, out)
	}

	message := fmt.Sprintf("%s: config snapshot at %s (job %s)",
		device.Hostname, timestamp.UTC().Format(time.RFC3339), jobID)
	out, err := a.git(ctx,
		"-c", "user.name="+a.authorName,
		"-c", "user.email="+a.authorEmail,
		"commit", "-m", message, "--", name)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "no changes added") {
			return a.head(ctx)
		}
		return "", fmt.Errorf("git commit: %v: %s", err, out)
	}

	ref, err := a.head(ctx)
	if err != nil {
		return "", err
	}
	a.logger.Debug("snapshot committed",
		"device_id", device.ID,
		"file", name,
		"ref", ref,
	)
	return ref, nil
}

// head returns the current commit hash.
func (a *GitArchive) head(ctx context.Context) (string, error) {
	out, err := a.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %v: %s", err, out)
	}
	return strings.TrimSpace(out), nil
}

// git runs one git command inside the repository.
func (a *GitArchive) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = a.repoPath
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// snapshotFileName builds a filesystem-safe file name for a device.
func snapshotFileName(device models.Device) string {
	host := device.Hostname
	if host == "" {
		host = device.ID.String()
	}
	var sb strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String() + ".cfg"
}
