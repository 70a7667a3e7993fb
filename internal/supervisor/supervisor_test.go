package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sleeper = `trap 'echo stopping; exit 0' TERM; echo started; while true; do sleep 0.05; done`

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	return New(filepath.Join(dir, "server.pid"), filepath.Join(dir, "server.log"), 2*time.Second, nil)
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestStartStatusStop(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	pid, err := s.Start("/bin/sh", "-c", sleeper)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.Stop(context.Background()) })

	recorded, err := s.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, pid, recorded)

	require.Eventually(t, func() bool {
		lines, err := s.Tail(5)
		return err == nil && len(lines) > 0 && lines[len(lines)-1] == "started"
	}, 2*time.Second, 20*time.Millisecond)

	_, err = s.Start("/bin/sh", "-c", sleeper)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	r := s.Status("127.0.0.1:1")
	assert.Equal(t, StateRunning, r.State)
	assert.Equal(t, pid, r.PID)
	assert.False(t, r.Listening)
	assert.Contains(t, r.LogTail, "started")

	stopped, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pid, stopped)
	assert.NoFileExists(t, s.PIDPath())
	assert.Equal(t, StateStopped, s.Status("127.0.0.1:1").State)
}

func TestStopKillsAfterGrace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(filepath.Join(dir, "server.pid"), filepath.Join(dir, "server.log"), 200*time.Millisecond, nil)
	_, err := s.Start("/bin/sh", "-c", `trap '' TERM; echo started; while true; do sleep 0.05; done`)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		lines, _ := s.Tail(1)
		return len(lines) == 1
	}, 2*time.Second, 20*time.Millisecond)

	_, err = s.Stop(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, s.PIDPath())
}

func TestStalePIDFile(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.PIDPath()), 0o700))
	stale := deadPID(t)
	require.NoError(t, os.WriteFile(s.PIDPath(), []byte(strconv.Itoa(stale)), 0o600))

	r := s.Status("127.0.0.1:1")
	assert.Equal(t, StateStale, r.State)
	assert.Equal(t, stale, r.PID)

	_, err := s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoFileExists(t, s.PIDPath(), "stop clears a stale pid file")

	require.NoError(t, os.WriteFile(s.PIDPath(), []byte(strconv.Itoa(stale)), 0o600))
	pid, err := s.Start("/bin/sh", "-c", sleeper)
	require.NoError(t, err, "start replaces a stale pid file")
	t.Cleanup(func() { _, _ = s.Stop(context.Background()) })
	assert.NotEqual(t, stale, pid)
}

func TestNothingRecorded(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	_, err := s.ReadPID()
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, StateStopped, s.Status("127.0.0.1:1").State)
}

func TestClaimAndRelease(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	require.NoError(t, s.Claim())

	pid, err := s.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.ErrorIs(t, s.Claim(), ErrAlreadyRunning)

	s.Release()
	assert.NoFileExists(t, s.PIDPath())
}

func TestStatusProbesPort(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := newSupervisor(t)
	assert.True(t, s.Status(ln.Addr().String()).Listening)
}

func TestTail(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.LogPath()), 0o700))
	require.NoError(t, os.WriteFile(s.LogPath(), []byte("a\nb\nc\nd\n"), 0o644))

	lines, err := s.Tail(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = s.Tail(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, lines)

	_, err = New("x.pid", filepath.Join(t.TempDir(), "none.log"), time.Second, nil).Tail(5)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollow(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.LogPath()), 0o700))
	require.NoError(t, os.WriteFile(s.LogPath(), []byte("old-1\nold-2\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- s.Follow(ctx, &out, 1) }()

	require.Eventually(t, func() bool { return out.String() == "old-2\n" }, time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(s.LogPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("new-1\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return strings.HasSuffix(out.String(), "new-1\n") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
