// Package deck is the playback/recording coordinator. A single owner
// goroutine drives every state transition; engine events, reconnect timer
// firings and recorder process notifications are funneled into it as
// messages, each tagged with the generation or session they concern so late
// events from superseded objects are dropped instead of applied.
package deck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapedeck/tapedeck/internal/catalog"
	"github.com/tapedeck/tapedeck/internal/config"
	"github.com/tapedeck/tapedeck/internal/engine"
	"github.com/tapedeck/tapedeck/internal/reconnect"
	"github.com/tapedeck/tapedeck/internal/recorder"
	"github.com/tapedeck/tapedeck/internal/tracklog"
)

// Operation-rejection errors, returned synchronously without mutating state.
var (
	ErrBusy                = errors.New("recording session in progress")
	ErrNotOnAir            = errors.New("not on air")
	ErrAlreadyRecording    = errors.New("already recording")
	ErrConnectionExhausted = errors.New("reconnect attempts exhausted")
	ErrNoChannel           = errors.New("no channel selected")
	ErrClosed              = errors.New("deck closed")
)

const srProviderName = "sr_latlista"

// command is a user operation executed inside the owner loop.
type command struct {
	run   func() error
	reply chan error
}

type retrySignal struct {
	gen     uuid.UUID
	attempt int
}

type providerResult struct {
	gen    uuid.UUID
	artist string
	title  string
}

// Deck owns at most one stream handle and at most one recording session at
// any instant. All fields below the channel block are touched only by the
// owner loop.
type Deck struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	engine   engine.Engine
	launcher recorder.Launcher
	tracker  *tracklog.Tracker
	fallback *tracklog.Fallback
	sched    *reconnect.Scheduler

	cmds        chan command
	engineEvs   chan engine.Event
	recEvs      chan recorder.Event
	retries     chan retrySignal
	exhaustedCh chan uuid.UUID
	lossTimeout chan uuid.UUID
	providerRes chan providerResult

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	channel    catalog.Channel
	hasChannel bool
	onAir      bool
	gen        uuid.UUID
	handle     engine.Handle
	cancelConn context.CancelFunc
	lossTimer  *time.Timer
	rec        *recorder.Session
	recLog     *tracklog.RecLog
	lastTrack  string
	status     Status

	mu       sync.Mutex
	snapshot Status
	subs     map[int]chan Status
	nextSub  int
}

// New wires a deck and starts its owner loop. The default channel from the
// configuration is preselected when it exists in the catalog. A nil provider
// defaults to the Sveriges Radio playlist scraper.
func New(cfg *config.Config, cat *catalog.Catalog, eng engine.Engine, launcher recorder.Launcher, provider tracklog.Provider) *Deck {
	if provider == nil {
		provider = tracklog.NewSRProvider(cfg.Playback.UserAgent)
	}
	d := &Deck{
		cfg:      cfg,
		catalog:  cat,
		engine:   eng,
		launcher: launcher,
		tracker:  tracklog.NewTracker(cfg.Metadata.HistoryLimit, nil),
		fallback: tracklog.NewFallback(
			provider,
			cfg.Metadata.UnknownThreshold,
			cfg.Metadata.ProviderInterval,
		),
		cmds:        make(chan command),
		engineEvs:   make(chan engine.Event, 16),
		recEvs:      make(chan recorder.Event, 8),
		retries:     make(chan retrySignal, 4),
		exhaustedCh: make(chan uuid.UUID, 1),
		lossTimeout: make(chan uuid.UUID, 1),
		providerRes: make(chan providerResult, 1),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		subs:        make(map[int]chan Status),
	}

	d.sched = reconnect.NewScheduler(
		reconnect.Policy{
			Base:           cfg.Reconnect.Base,
			Cap:            cfg.Reconnect.Cap,
			JitterFraction: cfg.Reconnect.JitterFraction,
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
		},
		func(gen uuid.UUID, attempt int) {
			select {
			case d.retries <- retrySignal{gen: gen, attempt: attempt}:
			case <-d.done:
			}
		},
		func(gen uuid.UUID) {
			select {
			case d.exhaustedCh <- gen:
			case <-d.done:
			}
		},
	)

	if ch, ok := cat.Get(cfg.DefaultChannel); ok {
		d.channel = ch
		d.hasChannel = true
	}
	d.status = Status{Channel: d.channel, Conn: ConnStopped, Recording: recorder.StateIdle}
	d.snapshot = d.status

	go d.run()
	return d
}

// exec runs fn inside the owner loop and returns its result.
func (d *Deck) exec(fn func() error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}
	select {
	case d.cmds <- cmd:
	case <-d.loopDone:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-d.loopDone:
		return ErrClosed
	}
}

func (d *Deck) run() {
	defer close(d.loopDone)

	poll := time.NewTicker(d.cfg.Metadata.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-d.done:
			d.shutdown()
			return
		case cmd := <-d.cmds:
			cmd.reply <- cmd.run()
		case ev := <-d.engineEvs:
			d.handleEngineEvent(ev)
		case ev := <-d.recEvs:
			d.handleRecorderEvent(ev)
		case r := <-d.retries:
			d.handleRetry(r)
		case gen := <-d.exhaustedCh:
			d.handleExhausted(gen)
		case gen := <-d.lossTimeout:
			d.handleLossConfirmed(gen)
		case res := <-d.providerRes:
			d.handleProviderResult(res)
		case <-poll.C:
			d.pollProvider()
		}
	}
}

// SelectChannel switches the active channel. Rejected with ErrBusy while a
// recording session exists; a live stream handle is replaced, never reused.
func (d *Deck) SelectChannel(id string) error {
	return d.exec(func() error {
		if d.rec != nil {
			return ErrBusy
		}
		ch, ok := d.catalog.Get(id)
		if !ok {
			return fmt.Errorf("unknown channel %q", id)
		}

		d.teardownHandle()
		d.sched.Cancel()
		d.channel = ch
		d.hasChannel = true
		d.status.Attempts = 0
		d.status.LastError = ""
		d.tracker.Reset()
		d.lastTrack = ""
		d.status.Track = tracklog.Track{}

		if d.onAir {
			d.connect()
		} else {
			d.status.Conn = ConnStopped
		}
		d.publish()
		slog.Info("Channel selected", "channel", ch.ID, "on_air", d.onAir)
		return nil
	})
}

// ToggleAir starts playback of the selected channel, or tears it down.
// Tearing down also stops any recording; a deck in Failed state starts a
// fresh connection attempt.
func (d *Deck) ToggleAir() error {
	return d.exec(func() error {
		if d.onAir && d.status.Conn != ConnFailed {
			d.onAir = false
			d.stopRecording("playback stopped")
			d.teardownHandle()
			d.sched.Cancel()
			d.status.Conn = ConnStopped
			d.status.Attempts = 0
			d.publish()
			slog.Info("Off air", "channel", d.channel.ID)
			return nil
		}

		if !d.hasChannel {
			return ErrNoChannel
		}
		d.onAir = true
		d.sched.Cancel()
		d.status.Attempts = 0
		d.status.LastError = ""
		d.connect()
		d.publish()
		return nil
	})
}

// ToggleRecording starts a recording of the connected stream, or requests a
// stop of the running one.
func (d *Deck) ToggleRecording() error {
	return d.exec(func() error {
		if d.rec != nil {
			return d.stopRecording("stopped by user")
		}
		return d.startRecording()
	})
}

// StartRecording starts a session explicitly, failing with ErrNotOnAir or
// ErrAlreadyRecording instead of toggling.
func (d *Deck) StartRecording() error {
	return d.exec(func() error {
		if d.rec != nil {
			return ErrAlreadyRecording
		}
		return d.startRecording()
	})
}

// StopRecording requests a stop of the running session. No-op when idle.
func (d *Deck) StopRecording() error {
	return d.exec(func() error { return d.stopRecording("stopped by user") })
}

// History replays the session's track history, oldest first.
func (d *Deck) History() []tracklog.Track {
	return d.tracker.History()
}

// Channels lists the catalog.
func (d *Deck) Channels() []catalog.Channel {
	return d.catalog.All()
}

// Close stops recording, disconnects and terminates the owner loop.
func (d *Deck) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	<-d.loopDone
	return nil
}

// shutdown runs inside the owner loop when the deck is closing. The
// recording session is stopped synchronously so the encoder can flush.
func (d *Deck) shutdown() {
	if d.rec != nil {
		if d.recLog != nil && d.lastTrack != "" {
			d.recLog.End(d.lastTrack, d.rec.Elapsed(), "shutting down")
		}
		if err := d.rec.Stop(); err != nil {
			slog.Error("Recording stop during shutdown failed", "error", err)
		}
		d.rec = nil
		d.recLog = nil
	}
	d.teardownHandle()
	d.sched.Cancel()
}

// connect replaces the current handle with a fresh one for the selected
// channel. The new generation id supersedes all earlier events.
func (d *Deck) connect() {
	d.teardownHandle()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelConn = cancel
	h := d.engine.Connect(ctx, d.channel.URL)
	d.handle = h
	d.gen = h.Generation()
	d.status.Conn = ConnConnecting

	go d.pump(h)
	slog.Info("Connecting", "channel", d.channel.ID, "generation", d.gen)
}

// pump forwards handle events into the owner loop.
func (d *Deck) pump(h engine.Handle) {
	for ev := range h.Events() {
		select {
		case d.engineEvs <- ev:
		case <-d.done:
			return
		}
	}
}

// closeHandle releases the handle but keeps the generation id, so a pending
// reconnect episode still correlates.
func (d *Deck) closeHandle() {
	d.stopLossTimer()
	if d.handle != nil {
		d.cancelConn()
		d.handle.Close()
		d.handle = nil
	}
}

// teardownHandle releases the handle and invalidates the generation: every
// late event for it becomes stale.
func (d *Deck) teardownHandle() {
	d.closeHandle()
	d.gen = uuid.Nil
}

func (d *Deck) handleEngineEvent(ev engine.Event) {
	if ev.Generation != d.gen {
		slog.Debug("Dropping stale engine event", "kind", ev.Kind, "generation", ev.Generation)
		return
	}

	switch ev.Kind {
	case engine.EventConnected:
		d.sched.Success()
		d.stopLossTimer()
		d.status.Conn = ConnConnected
		d.status.Attempts = 0
		d.status.LastError = ""
		d.publish()
		slog.Info("Connected", "channel", d.channel.ID)

	case engine.EventMetadata:
		if track, changed := d.tracker.Observe(ev.Raw); changed {
			d.applyTrack(track)
		}

	case engine.EventError, engine.EventEnded:
		d.handleStreamLoss(ev)
	}
}

// handleStreamLoss reacts to a dead stream: recording is stopped at once,
// reconnection is confirmed only after the loss-confirm delay so a handle
// that comes back in between is not treated as a failure episode.
func (d *Deck) handleStreamLoss(ev engine.Event) {
	if !d.onAir {
		return
	}
	if ev.Err != nil {
		d.status.LastError = ev.Err.Error()
		slog.Warn("Stream lost", "channel", d.channel.ID, "error", ev.Err)
	} else {
		slog.Warn("Stream ended", "channel", d.channel.ID)
	}

	d.stopRecording("stream lost")
	d.closeHandle()
	d.status.Conn = ConnReconnecting
	d.publish()
	d.armLossTimer(d.gen)
}

func (d *Deck) armLossTimer(gen uuid.UUID) {
	d.stopLossTimer()
	d.lossTimer = time.AfterFunc(d.cfg.Playback.LossConfirmDelay, func() {
		select {
		case d.lossTimeout <- gen:
		case <-d.done:
		}
	})
}

func (d *Deck) stopLossTimer() {
	if d.lossTimer != nil {
		d.lossTimer.Stop()
		d.lossTimer = nil
	}
}

func (d *Deck) handleLossConfirmed(gen uuid.UUID) {
	if gen != d.gen || d.status.Conn != ConnReconnecting {
		return
	}
	if d.sched.Failure(gen) {
		d.status.Attempts = d.sched.Attempts()
		d.publish()
		slog.Info("Reconnect scheduled", "channel", d.channel.ID, "attempt", d.status.Attempts)
	}
}

func (d *Deck) handleRetry(r retrySignal) {
	if r.gen != d.gen || !d.onAir {
		slog.Debug("Dropping stale retry", "generation", r.gen)
		return
	}
	slog.Info("Reconnecting", "channel", d.channel.ID, "attempt", r.attempt)
	d.connect()
	d.publish()
}

func (d *Deck) handleExhausted(gen uuid.UUID) {
	if gen != d.gen {
		return
	}
	d.closeHandle()
	d.status.Conn = ConnFailed
	d.status.LastError = ErrConnectionExhausted.Error()
	d.publish()
	slog.Error("Reconnect attempts exhausted", "channel", d.channel.ID, "attempts", d.status.Attempts)
}

// startRecording creates and starts a session against the connected
// channel. Runs inside the owner loop.
func (d *Deck) startRecording() error {
	if d.status.Conn != ConnConnected {
		return ErrNotOnAir
	}
	if d.rec != nil {
		return ErrAlreadyRecording
	}

	path := recorder.GeneratePath(d.cfg.Recording.Directory, d.channel.Name, d.cfg.Recording.ContainerExt, time.Now())
	sess := recorder.NewSession(d.cfg.Recording, d.launcher, d.notifyRecorder, d.channel.Name, d.channel.URL, path)
	if err := sess.Start(); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	d.rec = sess
	logPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".log"
	d.recLog = tracklog.NewRecLog(logPath, func(line string) { d.status.LastLogLine = line })
	if d.lastTrack != "" {
		d.recLog.Start(d.lastTrack, 0)
	}

	d.status.Recording = recorder.StateStarting
	d.status.RecordPath = path
	d.publish()
	return nil
}

// stopRecording writes the closing log entry and requests a stop. The
// session finishes asynchronously; its terminal event clears d.rec.
func (d *Deck) stopRecording(suffix string) error {
	if d.rec == nil {
		return nil
	}
	if d.recLog != nil && d.lastTrack != "" {
		d.recLog.End(d.lastTrack, d.rec.Elapsed(), suffix)
	}
	sess := d.rec
	go func() {
		if err := sess.Stop(); err != nil {
			slog.Error("Recording stop failed", "session", sess.ID, "error", err)
		}
	}()
	return nil
}

func (d *Deck) notifyRecorder(ev recorder.Event) {
	select {
	case d.recEvs <- ev:
	case <-d.done:
	}
}

func (d *Deck) handleRecorderEvent(ev recorder.Event) {
	if d.rec == nil || ev.SessionID != d.rec.ID {
		slog.Debug("Dropping stale recorder event", "session", ev.SessionID, "state", ev.State)
		return
	}

	d.status.Recording = ev.State
	switch ev.State {
	case recorder.StateActive:
		d.status.RecordStarted = time.Now()
		// A failed stream-copy attempt retries into a fresh file.
		d.status.RecordPath = d.rec.Dest()
	case recorder.StateStopped:
		d.rec = nil
		d.recLog = nil
		d.status.RecordStarted = time.Time{}
	case recorder.StateError:
		if ev.Err != nil {
			d.status.LastError = ev.Err.Error()
		}
		d.rec = nil
		d.recLog = nil
		d.status.RecordStarted = time.Time{}
	}
	d.publish()
}

// applyTrack records a confirmed track change: status, and START/END lines
// in the recording log when a session is running.
func (d *Deck) applyTrack(track tracklog.Track) {
	key := track.Key()
	if d.rec != nil && d.recLog != nil {
		elapsed := d.rec.Elapsed()
		if d.lastTrack != "" {
			d.recLog.End(d.lastTrack, elapsed, "track changed")
		}
		d.recLog.Start(key, elapsed)
	}
	d.lastTrack = key
	d.status.Track = track
	d.publish()
}

// pollProvider consults the out-of-band metadata provider for channels whose
// stream carries none. The fetch runs off the owner loop; the result comes
// back as a generation-tagged message.
func (d *Deck) pollProvider() {
	if d.status.Conn != ConnConnected || d.channel.MetaProvider != srProviderName || d.channel.MetaURL == "" {
		return
	}

	artist, title := tracklog.UnknownArtist, tracklog.EmptyTitle
	if last, ok := d.tracker.Last(); ok {
		artist, title = last.Artist, last.Title
	}

	gen := d.gen
	metaURL := d.channel.MetaURL
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rArtist, rTitle := d.fallback.Resolve(ctx, metaURL, artist, title)
		if rArtist == artist && rTitle == title {
			return
		}
		select {
		case d.providerRes <- providerResult{gen: gen, artist: rArtist, title: rTitle}:
		case <-d.done:
		}
	}()
}

func (d *Deck) handleProviderResult(res providerResult) {
	if res.gen != d.gen || d.status.Conn != ConnConnected {
		return
	}
	if track, changed := d.tracker.Record(res.artist, res.title); changed {
		d.applyTrack(track)
	}
}
