// File path: internal/ingest/manager.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/chunker"
	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/registry"
	"github.com/nicodishanthj/codeatlas/internal/retry"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

const maxLogEntries = 500

var (
	ErrIngestRunning    = errors.New("ingestion already running")
	ErrIngestNotFound   = errors.New("ingestion not found")
	ErrIngestNotRunning = errors.New("ingestion not running")
	ErrTooManyIngests   = errors.New("too many concurrent ingestions")
)

// Embedder is the slice of the embedding layer the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// SecretFinding summarizes the redactions made in one file. Counts and
// pattern ids only; matched values never leave the scanner.
type SecretFinding struct {
	FilePath    string   `json:"file_path"`
	SecretCount int      `json:"secret_count"`
	Types       []string `json:"types"`
}

// State is a snapshot of one ingestion job.
type State struct {
	CodebaseID      string          `json:"codebase_id"`
	Status          registry.Status `json:"status"`
	Running         bool            `json:"running"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	FilesProcessed  int             `json:"files_processed"`
	FilesSkipped    int             `json:"files_skipped"`
	Chunks          int             `json:"chunks"`
	Secrets         int             `json:"secrets"`
	SecretsDetected []SecretFinding `json:"secrets_detected,omitempty"`
	Error           string          `json:"error,omitempty"`
}

type job struct {
	state  State
	cancel context.CancelFunc
}

type Config struct {
	StagingDir    string
	MaxFileBytes  int64
	ParseWorkers  int
	MaxConcurrent int
	Policy        retry.Policy
}

func DefaultConfig(stagingDir string) Config {
	return Config{
		StagingDir:    stagingDir,
		MaxFileBytes:  1 << 20,
		ParseWorkers:  4,
		MaxConcurrent: 2,
		Policy:        retry.DefaultPolicy(),
	}
}

// Manager drives the per-codebase ingestion pipeline and tracks running jobs.
type Manager struct {
	registry *registry.Store
	vector   vector.Store
	embedder Embedder
	chunker  *chunker.Chunker
	cfg      Config

	jobMu sync.Mutex
	jobs  map[string]*job

	logMu sync.Mutex
	logs  []LogEntry
}

func NewManager(reg *registry.Store, store vector.Store, embedder Embedder, chk *chunker.Chunker, cfg Config) *Manager {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 1 << 20
	}
	if cfg.ParseWorkers <= 0 {
		cfg.ParseWorkers = 4
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Policy.Initial <= 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Manager{
		registry: reg,
		vector:   store,
		embedder: embedder,
		chunker:  chk,
		cfg:      cfg,
		jobs:     make(map[string]*job),
		logs:     make([]LogEntry, 0, 32),
	}
}

func (m *Manager) AppendLog(level, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	entry := LogEntry{Time: time.Now().UTC(), Level: level, Message: text}
	m.logMu.Lock()
	m.logs = append(m.logs, entry)
	if len(m.logs) > maxLogEntries {
		m.logs = m.logs[len(m.logs)-maxLogEntries:]
	}
	m.logMu.Unlock()
	logger := common.Logger()
	switch level {
	case "error":
		logger.Error(text)
	case "warn":
		logger.Warn(text)
	case "debug":
		logger.Debug(text)
	default:
		logger.Info(text)
	}
}

func (m *Manager) Logs() []LogEntry {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	entries := make([]LogEntry, len(m.logs))
	copy(entries, m.logs)
	return entries
}

// Start launches the pipeline for a queued codebase in the background.
// A codebase that already completed is left alone: its vectors are in
// place, so a repeat request is a no-op rather than a re-ingestion.
func (m *Manager) Start(cb registry.Codebase) error {
	if strings.TrimSpace(cb.ID) == "" {
		return errors.New("codebase id required")
	}
	if cb.Status == registry.StatusCompleted {
		m.jobMu.Lock()
		if _, ok := m.jobs[cb.ID]; !ok {
			m.jobs[cb.ID] = &job{state: State{
				CodebaseID: cb.ID,
				Status:     registry.StatusCompleted,
			}}
		}
		m.jobMu.Unlock()
		m.AppendLog("info", "Codebase %s already ingested, nothing to do", cb.ID)
		return nil
	}
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	m.jobMu.Lock()
	if existing, ok := m.jobs[cb.ID]; ok && existing.state.Running {
		m.jobMu.Unlock()
		cancel()
		return ErrIngestRunning
	}
	var running int
	for _, other := range m.jobs {
		if other.state.Running {
			running++
		}
	}
	if running >= m.cfg.MaxConcurrent {
		m.jobMu.Unlock()
		cancel()
		return ErrTooManyIngests
	}
	m.jobs[cb.ID] = &job{
		state: State{
			CodebaseID: cb.ID,
			Status:     registry.StatusQueued,
			Running:    true,
			StartedAt:  &now,
		},
		cancel: cancel,
	}
	m.jobMu.Unlock()
	go m.run(ctx, cb)
	m.AppendLog("info", "Ingestion started for codebase %s (%s)", cb.ID, cb.Source)
	return nil
}

// Wait blocks until the job finishes. Used by tests and shutdown.
func (m *Manager) Wait(codebaseID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		state, err := m.Status(codebaseID)
		if err != nil {
			return err
		}
		if !state.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ingestion %s still running after %s", codebaseID, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Cancel requests cancellation of a running job.
func (m *Manager) Cancel(codebaseID string) error {
	codebaseID = strings.TrimSpace(codebaseID)
	if codebaseID == "" {
		return errors.New("codebase id required")
	}
	m.jobMu.Lock()
	running, ok := m.jobs[codebaseID]
	if !ok {
		m.jobMu.Unlock()
		return ErrIngestNotFound
	}
	if !running.state.Running || running.cancel == nil {
		m.jobMu.Unlock()
		return ErrIngestNotRunning
	}
	cancel := running.cancel
	m.jobMu.Unlock()
	cancel()
	m.AppendLog("info", "Cancellation requested for codebase %s", codebaseID)
	return nil
}

// Status returns a snapshot of the job state.
func (m *Manager) Status(codebaseID string) (State, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	running, ok := m.jobs[codebaseID]
	if !ok {
		return State{}, ErrIngestNotFound
	}
	return running.state, nil
}

// Running reports whether any job for the codebase is still active.
func (m *Manager) Running(codebaseID string) bool {
	state, err := m.Status(codebaseID)
	return err == nil && state.Running
}

func (m *Manager) updateState(codebaseID string, mutate func(*State)) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	if running, ok := m.jobs[codebaseID]; ok {
		mutate(&running.state)
	}
}
