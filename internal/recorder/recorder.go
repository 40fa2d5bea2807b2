// Package recorder owns the lifecycle of one external encoder process
// writing the active stream to disk. A session moves Idle -> Starting ->
// Active -> Stopping -> Stopped, or lands in Error; the destination file is
// preserved on every failure path so captured audio is never discarded.
package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapedeck/tapedeck/internal/config"
)

// State is the recording session lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
)

// terminal reports whether no further transitions can happen.
func (s State) terminal() bool {
	return s == StateStopped || s == StateError
}

// Event notifies the owner of a state transition.
type Event struct {
	SessionID  uuid.UUID
	State      State
	Err        error
	StderrTail string
}

// Session is one recording of one stream URL to one destination file.
// Exactly one process runs per session; a failed stream-copy attempt is
// retried once with forced re-encoding before the session gives up.
type Session struct {
	ID        uuid.UUID
	Channel   string
	SourceURL string
	DestPath  string

	cfg      config.RecordingConfig
	launcher Launcher
	notify   func(Event)

	// evMu is acquired before mu at every transition site and held until
	// the event is delivered, so observers see transitions in the order
	// they were applied. mu alone guards reads.
	evMu sync.Mutex

	mu            sync.Mutex
	state         State
	proc          Process
	startTime     time.Time
	stopping      bool
	triedReencode bool
}

// NewSession prepares a session in Idle state.
func NewSession(cfg config.RecordingConfig, launcher Launcher, notify func(Event), channel, sourceURL, destPath string) *Session {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Session{
		ID:        uuid.New(),
		Channel:   channel,
		SourceURL: sourceURL,
		DestPath:  destPath,
		cfg:       cfg,
		launcher:  launcher,
		notify:    notify,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns how long the session has been recording. Zero before the
// process was spawned.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Dest returns the path the current encoder attempt writes to. It differs
// from the requested path after a failed stream-copy attempt was retried
// into a fresh file.
func (s *Session) Dest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DestPath
}

// StderrTail returns the last captured encoder output lines.
func (s *Session) StderrTail() string {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return ""
	}
	return proc.StderrTail()
}

// Start spawns the encoder and begins health monitoring. Idle -> Starting.
func (s *Session) Start() error {
	s.evMu.Lock()
	defer s.evMu.Unlock()

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("can only start from idle state, current: %s", state)
	}

	if err := os.MkdirAll(filepath.Dir(s.DestPath), 0755); err != nil {
		s.state = StateError
		s.mu.Unlock()
		s.notify(Event{SessionID: s.ID, State: StateError, Err: err})
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	useCopy := s.cfg.PreferStreamCopy
	proc, err := s.launcher.Start(s.spec(useCopy))
	if err != nil {
		s.state = StateError
		s.mu.Unlock()
		s.notify(Event{SessionID: s.ID, State: StateError, Err: err})
		return fmt.Errorf("failed to spawn encoder: %w", err)
	}

	s.proc = proc
	s.state = StateStarting
	s.startTime = time.Now()
	s.mu.Unlock()

	slog.Info("Recording session starting", "session", s.ID, "channel", s.Channel, "dest", s.DestPath, "stream_copy", useCopy)
	s.notify(Event{SessionID: s.ID, State: StateStarting})

	go s.monitor(proc, useCopy)
	return nil
}

func (s *Session) spec(streamCopy bool) Spec {
	return Spec{
		FFmpegPath: s.cfg.FFmpegPath,
		SourceURL:  s.SourceURL,
		DestPath:   s.DestPath,
		UserAgent:  "Mozilla/5.0 (compatible; TapeDeck)",
		StreamCopy: streamCopy,
		LowLatency: s.cfg.LowLatency,
	}
}

// Stop requests graceful termination: quit, then SIGTERM, then SIGKILL, each
// bounded by the configured stop timeout. Idempotent while already stopping
// or finished.
func (s *Session) Stop() error {
	s.evMu.Lock()
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateActive:
		// proceed
	default:
		s.mu.Unlock()
		s.evMu.Unlock()
		return nil
	}
	s.stopping = true
	s.state = StateStopping
	proc := s.proc
	s.mu.Unlock()
	s.notify(Event{SessionID: s.ID, State: StateStopping})
	s.evMu.Unlock()

	err := s.shutdown(proc)

	final := StateStopped
	if err != nil {
		final = StateError
	}
	s.evMu.Lock()
	s.mu.Lock()
	s.state = final
	s.mu.Unlock()
	slog.Info("Recording session finished", "session", s.ID, "state", final, "dest", s.DestPath)
	s.notify(Event{SessionID: s.ID, State: final, Err: err, StderrTail: proc.StderrTail()})
	s.evMu.Unlock()
	return err
}

// shutdown walks the termination ladder and returns the exit error, or a
// force-kill error when the process would not die gracefully.
func (s *Session) shutdown(proc Process) error {
	if err := proc.Quit(); err != nil {
		slog.Debug("Encoder quit request failed", "session", s.ID, "error", err)
	}
	select {
	case <-proc.Done():
		return proc.ExitErr()
	case <-time.After(s.cfg.StopTimeout):
	}

	slog.Warn("Encoder ignored quit, terminating", "session", s.ID)
	if err := proc.Terminate(); err != nil {
		slog.Debug("Encoder terminate failed", "session", s.ID, "error", err)
	}
	select {
	case <-proc.Done():
		return proc.ExitErr()
	case <-time.After(s.cfg.StopTimeout):
	}

	slog.Warn("Encoder ignored terminate, killing", "session", s.ID)
	proc.Kill()
	<-proc.Done()
	return fmt.Errorf("encoder required force kill")
}

// monitor runs the startup health check, promotes the session to Active,
// then watches for unexpected process exit.
func (s *Session) monitor(proc Process, wasCopy bool) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	checks := 0
	for {
		select {
		case <-proc.Done():
			s.handleStartupFailure(proc, wasCopy, fmt.Errorf("encoder exited during startup: %w", exitCause(proc)))
			return
		case <-ticker.C:
			checks++
			size := fileSize(s.DestPath)
			slog.Debug("Recording health check", "session", s.ID, "check", checks, "size", size)

			if checks < s.cfg.HealthChecks {
				continue
			}
			if size == 0 {
				s.shutdown(proc)
				s.handleStartupFailure(proc, wasCopy, fmt.Errorf("destination file still empty after %d checks", checks))
				return
			}

			s.evMu.Lock()
			s.mu.Lock()
			if s.stopping {
				s.mu.Unlock()
				s.evMu.Unlock()
				return
			}
			s.state = StateActive
			s.mu.Unlock()
			slog.Info("Recording active", "session", s.ID, "channel", s.Channel, "size", size)
			s.notify(Event{SessionID: s.ID, State: StateActive})
			s.evMu.Unlock()

			s.watch(proc)
			return
		}
	}
}

// watch waits for the process to exit. A stop in progress owns the final
// transition; anything else is an unexpected death.
func (s *Session) watch(proc Process) {
	<-proc.Done()

	s.evMu.Lock()
	defer s.evMu.Unlock()

	s.mu.Lock()
	if s.stopping || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()

	err := fmt.Errorf("encoder exited unexpectedly: %w", exitCause(proc))
	slog.Error("Recording process died", "session", s.ID, "error", err, "stderr", proc.StderrTail())
	s.notify(Event{SessionID: s.ID, State: StateError, Err: err, StderrTail: proc.StderrTail()})
}

// handleStartupFailure retries a failed stream-copy attempt with forced
// re-encoding once, otherwise fails the session. The partial destination
// file is left in place.
func (s *Session) handleStartupFailure(proc Process, wasCopy bool, cause error) {
	s.evMu.Lock()
	defer s.evMu.Unlock()

	s.mu.Lock()
	if s.stopping || s.state.terminal() {
		s.mu.Unlock()
		return
	}

	if wasCopy && !s.triedReencode {
		s.triedReencode = true
		// The copy attempt may have captured audio before dying. The
		// encoder truncates its output file on spawn, so retry into a
		// fresh path instead of overwriting what is already on disk.
		if fileSize(s.DestPath) > 0 {
			ext := strings.TrimPrefix(filepath.Ext(s.DestPath), ".")
			s.DestPath = GeneratePath(filepath.Dir(s.DestPath), s.Channel, ext, time.Now())
		}
		slog.Info("Stream copy failed, retrying with re-encode", "session", s.ID, "cause", cause, "dest", s.DestPath)
		next, err := s.launcher.Start(s.spec(false))
		if err == nil {
			s.proc = next
			s.mu.Unlock()
			go s.monitor(next, false)
			return
		}
		cause = fmt.Errorf("re-encode respawn failed: %w", err)
	}

	s.state = StateError
	s.mu.Unlock()

	slog.Error("Recording failed to start", "session", s.ID, "error", cause, "stderr", proc.StderrTail())
	s.notify(Event{SessionID: s.ID, State: StateError, Err: cause, StderrTail: proc.StderrTail()})
}

func exitCause(proc Process) error {
	if err := proc.ExitErr(); err != nil {
		return err
	}
	return fmt.Errorf("clean exit before any data was captured")
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
