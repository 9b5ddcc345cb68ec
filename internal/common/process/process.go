// File path: internal/common/process/process.go
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/common"
)

// ServiceConfig describes an external helper process to supervise. When
// ReadyURL is set, Start blocks until the probe answers or ReadyTimeout
// elapses.
type ServiceConfig struct {
	Name          string
	Command       string
	Args          []string
	Env           []string
	WorkDir       string
	ReadyURL      string
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	StopTimeout   time.Duration
	Logger        *slog.Logger
}

func (c ServiceConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return common.Logger()
}

func (c ServiceConfig) displayName() string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	if base := filepath.Base(strings.TrimSpace(c.Command)); base != "" && base != "." {
		return base
	}
	return "process"
}

// ManagedService is one running supervised process.
type ManagedService struct {
	cfg ServiceConfig
	cmd *exec.Cmd

	done    chan struct{}
	waitErr error
	mu      sync.RWMutex
}

// Start launches the process, forwards its output into the structured log,
// and waits for the readiness probe before returning.
func Start(ctx context.Context, cfg ServiceConfig) (*ManagedService, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("process: command required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.logger()
	name := cfg.displayName()
	logger.Info("process: launching service",
		"service", name, "command", cfg.Command, "args", strings.Join(cfg.Args, " "))

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe %s: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("process: stderr pipe %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("process: start %s: %w", name, err)
	}

	svc := &ManagedService{cfg: cfg, cmd: cmd, done: make(chan struct{})}

	streamCtx, cancelStreams := context.WithCancel(ctx)
	var forwarders sync.WaitGroup
	forward := func(pipe io.ReadCloser, stream string, level slog.Level) {
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			defer pipe.Close()
			scanner := bufio.NewScanner(pipe)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				logger.Log(streamCtx, level, scanner.Text(), "service", name, "stream", stream)
			}
			if err := scanner.Err(); err != nil && streamCtx.Err() == nil && !errors.Is(err, os.ErrClosed) {
				logger.Warn("process: log stream error", "service", name, "stream", stream, "error", err)
			}
		}()
	}
	forward(stdout, "stdout", slog.LevelInfo)
	forward(stderr, "stderr", slog.LevelWarn)

	go func() {
		err := cmd.Wait()
		cancelStreams()
		forwarders.Wait()
		svc.mu.Lock()
		svc.waitErr = err
		svc.mu.Unlock()
		close(svc.done)
	}()

	if err := svc.waitForReady(ctx); err != nil {
		svc.Stop(context.Background())
		return nil, err
	}
	logger.Info("process: service ready", "service", name, "url", cfg.ReadyURL)
	return svc, nil
}

// Stop interrupts the process and escalates to a kill after StopTimeout.
func (s *ManagedService) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := s.cfg.logger()
	name := s.cfg.displayName()
	logger.Info("process: stopping service", "service", name)
	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Warn("process: interrupt failed", "service", name, "error", err)
		}
	}
	stopTimeout := s.cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.shutdownErr()
	case <-timer.C:
		logger.Warn("process: forcing service kill", "service", name)
		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.Error("process: kill failed", "service", name, "error", err)
				return err
			}
		}
		<-s.done
		return s.shutdownErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ManagedService) waitForReady(ctx context.Context) error {
	cfg := s.cfg
	if strings.TrimSpace(cfg.ReadyURL) == "" {
		return nil
	}
	name := cfg.displayName()
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	interval := cfg.ReadyInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	client := &http.Client{Timeout: 2 * time.Second}
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-readyCtx.Done():
			if lastErr != nil {
				return fmt.Errorf("process: %s not ready after %s: %w", name, readyTimeout, lastErr)
			}
			return fmt.Errorf("process: %s not ready after %s: %w", name, readyTimeout, readyCtx.Err())
		case <-s.done:
			return fmt.Errorf("process: %s exited before reporting ready: %w", name, s.waitError())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(readyCtx, http.MethodGet, cfg.ReadyURL, nil)
			if err != nil {
				return fmt.Errorf("process: build readiness request for %s: %w", name, err)
			}
			resp, err := client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}
}

func (s *ManagedService) waitError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waitErr
}

// shutdownErr filters out signal-driven exits so a requested stop does not
// surface as a failure.
func (s *ManagedService) shutdownErr() error {
	err := s.waitError()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return nil
	}
	return err
}

// BinaryPath resolves an executable through the system PATH.
func BinaryPath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("process: binary name required")
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("process: locate %s: %w", name, err)
	}
	return filepath.Clean(path), nil
}
