// Package supervisor starts the server as a detached background process
// and tracks it through a PID file and a log file in the data directory.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
)

// State is what Status found.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateStale   State = "stale"
)

const (
	pollInterval = 100 * time.Millisecond
	probeTimeout = 300 * time.Millisecond
	statusLines  = 5
)

// Report describes the background server.
type Report struct {
	State     State    `json:"state"`
	PID       int      `json:"pid,omitempty"`
	Addr      string   `json:"addr"`
	Listening bool     `json:"listening"`
	LogPath   string   `json:"logPath"`
	LogTail   []string `json:"logTail,omitempty"`
}

// Supervisor manages one background server process.
type Supervisor struct {
	pidPath string
	logPath string
	grace   time.Duration
	logger  *zap.Logger
}

func New(pidPath, logPath string, grace time.Duration, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		pidPath: pidPath,
		logPath: logPath,
		grace:   grace,
		logger:  logger.Named("supervisor"),
	}
}

// PIDPath returns the PID file location.
func (s *Supervisor) PIDPath() string {
	return s.pidPath
}

// LogPath returns the log file location.
func (s *Supervisor) LogPath() string {
	return s.logPath
}

// ReadPID returns the recorded process id, or ErrNotRunning when there is
// no usable PID file.
func (s *Supervisor) ReadPID() (int, error) {
	data, err := os.ReadFile(s.pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, ErrNotRunning
	}
	return pid, nil
}

// Start launches exe detached from the terminal with output appended to
// the log file. A live recorded process makes it fail with
// ErrAlreadyRunning; a stale PID file is removed.
func (s *Supervisor) Start(exe string, args ...string) (int, error) {
	if err := s.checkNotRunning(); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(s.pidPath), 0o700); err != nil {
		return 0, fmt.Errorf("create data directory: %w", err)
	}
	logFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start server: %w", err)
	}
	// Reap the child if this process outlives it.
	go func() { _ = cmd.Wait() }()

	pid := cmd.Process.Pid
	if err := s.writePID(pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, err
	}
	s.logger.Info("server started", zap.Int("pid", pid), zap.String("log", s.logPath))
	return pid, nil
}

// Claim records the calling process as the server, for foreground runs.
func (s *Supervisor) Claim() error {
	if err := s.checkNotRunning(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.pidPath), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return s.writePID(os.Getpid())
}

// Release removes the PID file if it still names the calling process.
func (s *Supervisor) Release() {
	if pid, err := s.ReadPID(); err == nil && pid == os.Getpid() {
		s.removePID()
	}
}

// Stop sends SIGTERM and waits up to the grace period before SIGKILL.
func (s *Supervisor) Stop(ctx context.Context) (int, error) {
	pid, err := s.ReadPID()
	if err != nil {
		return 0, err
	}
	if !alive(pid) {
		s.removePID()
		return pid, ErrNotRunning
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return pid, fmt.Errorf("signal server: %w", err)
	}
	if !waitExit(ctx, pid, s.grace) {
		s.logger.Warn("server ignored SIGTERM, killing", zap.Int("pid", pid), zap.Duration("grace", s.grace))
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return pid, fmt.Errorf("kill server: %w", err)
		}
		waitExit(ctx, pid, s.grace)
	}

	s.removePID()
	s.logger.Info("server stopped", zap.Int("pid", pid))
	return pid, nil
}

// Status reports whether the recorded process is alive, whether addr
// accepts connections and the last lines of the log.
func (s *Supervisor) Status(addr string) Report {
	r := Report{State: StateStopped, Addr: addr, LogPath: s.logPath}

	if pid, err := s.ReadPID(); err == nil {
		r.PID = pid
		r.State = StateStale
		if alive(pid) {
			r.State = StateRunning
		}
	}

	if conn, err := net.DialTimeout("tcp", addr, probeTimeout); err == nil {
		r.Listening = true
		conn.Close()
	}

	if r.State == StateRunning {
		r.LogTail, _ = s.Tail(statusLines)
	}
	return r
}

// Tail returns the last n lines of the log file.
func (s *Supervisor) Tail(n int) ([]string, error) {
	f, err := os.Open(s.logPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if n <= 0 {
			continue
		}
		if len(lines) == n {
			lines = append(lines[:0], lines[1:]...)
		}
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// Follow writes the last n lines of the log, then everything appended to
// it until ctx is done. A truncated log is read again from the start.
func (s *Supervisor) Follow(ctx context.Context, w io.Writer, n int) error {
	lines, err := s.Tail(n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	f, err := os.Open(s.logPath)
	if err != nil {
		return err
	}
	defer f.Close()
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() < offset {
			offset, err = f.Seek(0, io.SeekStart)
			if err != nil {
				return err
			}
		}
		copied, err := io.Copy(w, f)
		if err != nil {
			return err
		}
		offset += copied
	}
}

func (s *Supervisor) checkNotRunning() error {
	pid, err := s.ReadPID()
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	if alive(pid) {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}
	s.logger.Info("removing stale pid file", zap.Int("pid", pid))
	s.removePID()
	return nil
}

func (s *Supervisor) writePID(pid int) error {
	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (s *Supervisor) removePID() {
	if err := os.Remove(s.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove pid file", zap.Error(err))
	}
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func waitExit(ctx context.Context, pid int, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for alive(pid) {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(pollInterval)
	}
	return true
}
