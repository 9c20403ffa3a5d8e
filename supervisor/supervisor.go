// Package supervisor owns the spawn/monitor/classify/backoff state machine
// for exactly one child slot at a time.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxLineBytes bounds a single diagnostics line.
const maxLineBytes = 1024 * 1024

// State names the supervisor's position in its per-slot state machine.
type State string

const (
	StateNoChild  State = "no-child"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateExited   State = "exited"
)

// Replayer re-sends the recorded session handshake to a fresh child. A
// replayer with nothing on record must treat Replay as a no-op.
type Replayer interface {
	Replay(w io.Writer) error
}

// Config fixes the exit-code contract for one supervisor.
type Config struct {
	// CleanCode is the graceful-shutdown exit code: no respawn.
	CleanCode int
	// RestartCode is the out-of-band sentinel reserved for intentional
	// restarts.
	RestartCode int

	Policy Policy
}

// Child is one spawned child instance. Exactly one Child is current at any
// time; it is replaced only after its exit has been classified.
type Child struct {
	// ID identifies this instance in logs and status output.
	ID string
	// Generation counts spawns: 0 for the first child, then 1, 2, ...
	Generation int
	Proc       Proc
	SpawnedAt  time.Time
}

// Supervisor drives one child slot. It exclusively owns the mutable restart
// state (restart count, last intentional restart time, consecutive crash
// count); no other component touches those counters.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	replayer Replayer
	clk      clock.Clock
	log      *zap.SugaredLogger

	mu                 sync.Mutex
	state              State
	current            *Child
	lastExit           *ExitClass
	restartCount       int
	consecutiveCrashes int
	lastIntentionalAt  time.Time
	restartPending     bool
}

// New builds a supervisor. The clock is injected so tests can drive the
// throttle and backoff waits without wall-clock delays.
func New(cfg Config, launcher Launcher, replayer Replayer, clk clock.Clock, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		replayer: replayer,
		clk:      clk,
		log:      log,
		state:    StateNoChild,
	}
}

// Spawn starts a child, replays the recorded handshake to it if one is on
// record, and makes it current. The replayed handshake reaches the child
// before the caller can forward anything else.
func (s *Supervisor) Spawn(ctx context.Context) (*Child, error) {
	s.mu.Lock()
	s.state = StateSpawning
	gen := s.restartCount
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateNoChild
		s.current = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("spawning child: %w", err)
	}

	child := &Child{
		ID:         uuid.NewString(),
		Generation: gen,
		Proc:       proc,
		SpawnedAt:  s.clk.Now(),
	}

	if err := s.replayer.Replay(proc.Stdin()); err != nil {
		// The fresh child already refuses input; its exit will be
		// classified like any other.
		s.log.Warnf("replaying handshake to new child: %s", err)
	}

	s.mu.Lock()
	s.current = child
	s.state = StateRunning
	s.restartPending = false
	s.mu.Unlock()

	s.log.Infof("child started: pid=%d instance=%s generation=%d", proc.Pid(), child.ID, gen)
	return child, nil
}

// AwaitExit blocks until child terminates, records and classifies its exit
// code.
func (s *Supervisor) AwaitExit(ctx context.Context, child *Child) (ExitClass, error) {
	code, err := child.Proc.Wait(ctx)
	if err != nil {
		return ExitClass{}, fmt.Errorf("waiting for child: %w", err)
	}
	class := Classify(code, s.cfg.CleanCode, s.cfg.RestartCode)

	s.mu.Lock()
	s.state = StateExited
	s.lastExit = &class
	s.mu.Unlock()

	switch class.Kind {
	case ExitCrash:
		s.log.Warnf("child exited: %s (pid=%d instance=%s)", class, child.Proc.Pid(), child.ID)
	default:
		s.log.Infof("child exited: %s (pid=%d instance=%s)", class, child.Proc.Pid(), child.ID)
	}
	return class, nil
}

// Respawn applies the waiting policy for the given exit classification, then
// spawns a replacement. It is an error to call it for a clean exit.
func (s *Supervisor) Respawn(ctx context.Context, class ExitClass) (*Child, error) {
	switch class.Kind {
	case ExitClean:
		return nil, fmt.Errorf("clean exit does not respawn")
	case ExitRestart:
		s.throttleIntentional(ctx)
	case ExitCrash:
		s.mu.Lock()
		s.consecutiveCrashes++
		n := s.consecutiveCrashes
		s.mu.Unlock()
		delay := s.cfg.Policy.CrashDelay(n)
		s.log.Warnf("child crash #%d, waiting %s before respawn", n, delay)
		s.sleep(ctx, delay)
	}

	s.mu.Lock()
	s.restartCount++
	s.mu.Unlock()

	return s.Spawn(ctx)
}

// throttleIntentional enforces the minimum spacing between consecutive
// intentional restarts. The timestamp is updated only here, never for
// crashes.
func (s *Supervisor) throttleIntentional(ctx context.Context) {
	s.mu.Lock()
	last := s.lastIntentionalAt
	s.mu.Unlock()

	if !last.IsZero() {
		if wait := s.cfg.Policy.RestartThrottle - s.clk.Since(last); wait > 0 {
			s.log.Infof("throttling intentional restart for %s", wait)
			s.sleep(ctx, wait)
		}
	}

	s.mu.Lock()
	s.lastIntentionalAt = s.clk.Now()
	s.mu.Unlock()
}

// sleep is the single wait call site for both throttle and backoff.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// NoteRestartRequested records a child-initiated restart request observed on
// the diagnostics stream. It reports false when a request was already
// pending, so a second marker in flight is ignored.
func (s *Supervisor) NoteRestartRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartPending {
		return false
	}
	s.restartPending = true
	return true
}

// Snapshot is a point-in-time view of the supervisor for the status
// endpoint.
type Snapshot struct {
	State              State     `json:"state"`
	Pid                int       `json:"pid,omitempty"`
	InstanceID         string    `json:"instance_id,omitempty"`
	Generation         int       `json:"generation"`
	SpawnedAt          time.Time `json:"spawned_at,omitempty"`
	RestartCount       int       `json:"restart_count"`
	ConsecutiveCrashes int       `json:"consecutive_crash_count"`
	RestartPending     bool      `json:"restart_pending"`
	LastExitCode       *int      `json:"last_exit_code,omitempty"`
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:              s.state,
		RestartCount:       s.restartCount,
		ConsecutiveCrashes: s.consecutiveCrashes,
		RestartPending:     s.restartPending,
	}
	if s.current != nil {
		snap.Pid = s.current.Proc.Pid()
		snap.InstanceID = s.current.ID
		snap.Generation = s.current.Generation
		snap.SpawnedAt = s.current.SpawnedAt
	}
	if s.lastExit != nil {
		code := s.lastExit.Code
		snap.LastExitCode = &code
	}
	return snap
}
