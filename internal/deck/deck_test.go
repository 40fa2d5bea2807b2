package deck

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tapedeck/tapedeck/internal/catalog"
	"github.com/tapedeck/tapedeck/internal/config"
	"github.com/tapedeck/tapedeck/internal/engine"
	"github.com/tapedeck/tapedeck/internal/recorder"
)

// fakeHandle keeps its event channel open after Close so tests can deliver
// late events to a superseded handle.
type fakeHandle struct {
	gen    uuid.UUID
	events chan engine.Event

	mu     sync.Mutex
	closed bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{gen: uuid.New(), events: make(chan engine.Event, 16)}
}

func (h *fakeHandle) Generation() uuid.UUID       { return h.gen }
func (h *fakeHandle) Events() <-chan engine.Event { return h.events }

func (h *fakeHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *fakeHandle) emit(kind engine.EventKind) {
	h.events <- engine.Event{Generation: h.gen, Kind: kind}
}

func (h *fakeHandle) emitMetadata(raw string) {
	h.events <- engine.Event{Generation: h.gen, Kind: engine.EventMetadata, Raw: raw}
}

func (h *fakeHandle) emitError(err error) {
	h.events <- engine.Event{Generation: h.gen, Kind: engine.EventError, Err: err}
}

type fakeEngine struct {
	created chan *fakeHandle
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{created: make(chan *fakeHandle, 16)}
}

func (e *fakeEngine) Connect(ctx context.Context, url string) engine.Handle {
	h := newFakeHandle()
	e.created <- h
	return h
}

func (e *fakeEngine) next(t *testing.T) *fakeHandle {
	t.Helper()
	select {
	case h := <-e.created:
		return h
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for engine connect")
		return nil
	}
}

// quitProcess behaves like a cooperative encoder: it writes data to the
// destination immediately and exits when asked to quit.
type quitProcess struct {
	mu        sync.Mutex
	quitCalls int
	once      sync.Once
	done      chan struct{}
}

func (p *quitProcess) Quit() error {
	p.mu.Lock()
	p.quitCalls++
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}
func (p *quitProcess) Terminate() error      { p.once.Do(func() { close(p.done) }); return nil }
func (p *quitProcess) Kill() error           { p.once.Do(func() { close(p.done) }); return nil }
func (p *quitProcess) Done() <-chan struct{} { return p.done }
func (p *quitProcess) ExitErr() error        { return nil }
func (p *quitProcess) StderrTail() string    { return "" }

type stubLauncher struct {
	mu    sync.Mutex
	procs []*quitProcess
}

func (l *stubLauncher) Start(spec recorder.Spec) (recorder.Process, error) {
	// Simulate ffmpeg writing the container incrementally.
	if err := os.WriteFile(spec.DestPath, []byte("audio"), 0644); err != nil {
		return nil, err
	}
	p := &quitProcess{done: make(chan struct{})}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Playback.LossConfirmDelay = 10 * time.Millisecond
	cfg.Reconnect.Base = 5 * time.Millisecond
	cfg.Reconnect.Cap = 20 * time.Millisecond
	cfg.Reconnect.JitterFraction = 0
	cfg.Reconnect.MaxAttempts = 2
	cfg.Recording.Directory = t.TempDir()
	cfg.Recording.HealthInterval = 5 * time.Millisecond
	cfg.Recording.HealthChecks = 1
	cfg.Recording.StopTimeout = 50 * time.Millisecond
	cfg.Metadata.PollInterval = time.Hour
	return cfg
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	data := `channels:
  - id: p3
    name: P3
    url: http://stream.example/p3
  - id: nrj
    name: NRJ
    url: http://stream.example/nrj
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write channels file: %v", err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return cat
}

func newTestDeck(t *testing.T) (*Deck, *fakeEngine, *stubLauncher) {
	t.Helper()
	cfg := testConfig(t)
	cfg.DefaultChannel = "p3"
	eng := newFakeEngine()
	launcher := &stubLauncher{}
	d := New(cfg, testCatalog(t), eng, launcher, nil)
	t.Cleanup(func() { d.Close() })
	return d, eng, launcher
}

func waitStatus(t *testing.T, d *Deck, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := d.Status()
		if pred(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status, last: %+v", d.Status())
	return Status{}
}

func goOnAir(t *testing.T, d *Deck, eng *fakeEngine) *fakeHandle {
	t.Helper()
	if err := d.ToggleAir(); err != nil {
		t.Fatalf("ToggleAir failed: %v", err)
	}
	h := eng.next(t)
	h.emit(engine.EventConnected)
	waitStatus(t, d, func(s Status) bool { return s.Conn == ConnConnected })
	return h
}

func startRecording(t *testing.T, d *Deck) {
	t.Helper()
	if err := d.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	waitStatus(t, d, func(s Status) bool { return s.Recording == recorder.StateActive })
}

func TestToggleAirConnects(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	goOnAir(t, d, eng)

	st := d.Status()
	if !st.OnAir || st.Conn != ConnConnected {
		t.Errorf("Expected on air and connected, got %+v", st)
	}
	if st.Channel.ID != "p3" {
		t.Errorf("Expected default channel p3, got %q", st.Channel.ID)
	}
}

func TestToggleAirTeardownStopsRecording(t *testing.T) {
	d, eng, launcher := newTestDeck(t)

	goOnAir(t, d, eng)
	startRecording(t, d)

	if err := d.ToggleAir(); err != nil {
		t.Fatalf("ToggleAir off failed: %v", err)
	}
	st := waitStatus(t, d, func(s Status) bool { return s.Recording == recorder.StateStopped })
	if st.OnAir || st.Conn != ConnStopped {
		t.Errorf("Expected off air and stopped, got %+v", st)
	}
	if launcher.procs[0].quitCalls == 0 {
		t.Errorf("Recording process should have been asked to quit")
	}
}

func TestRecordingRequiresConnection(t *testing.T) {
	d, _, _ := newTestDeck(t)

	if err := d.ToggleRecording(); !errors.Is(err, ErrNotOnAir) {
		t.Errorf("Expected ErrNotOnAir, got %v", err)
	}
}

func TestStartRecordingTwiceRejected(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	goOnAir(t, d, eng)
	startRecording(t, d)

	if err := d.StartRecording(); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}
}

func TestSelectChannelBusyWhileRecording(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	goOnAir(t, d, eng)
	startRecording(t, d)

	if err := d.SelectChannel("nrj"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	st := d.Status()
	if st.Channel.ID != "p3" || st.Conn != ConnConnected {
		t.Errorf("Rejected switch must leave state unchanged, got %+v", st)
	}

	// After the recording is gone the switch works.
	if err := d.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	waitStatus(t, d, func(s Status) bool { return s.Recording == recorder.StateStopped })
	if err := d.SelectChannel("nrj"); err != nil {
		t.Errorf("SelectChannel after stop failed: %v", err)
	}
	eng.next(t) // replacement handle for nrj
}

func TestStaleHandleEventsIgnored(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	if err := d.ToggleAir(); err != nil {
		t.Fatalf("ToggleAir failed: %v", err)
	}
	a := eng.next(t)

	if err := d.SelectChannel("nrj"); err != nil {
		t.Fatalf("SelectChannel failed: %v", err)
	}
	b := eng.next(t)

	// A late Connected from the superseded handle must not apply.
	a.events <- engine.Event{Generation: a.gen, Kind: engine.EventConnected}
	time.Sleep(20 * time.Millisecond)
	if st := d.Status(); st.Conn != ConnConnecting {
		t.Errorf("Stale Connected applied, status %+v", st)
	}

	b.emit(engine.EventConnected)
	st := waitStatus(t, d, func(s Status) bool { return s.Conn == ConnConnected })
	if st.Channel.ID != "nrj" {
		t.Errorf("Expected nrj after switch, got %q", st.Channel.ID)
	}
}

func TestStreamLossStopsRecordingAndReconnects(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	h := goOnAir(t, d, eng)
	startRecording(t, d)

	h.emitError(errors.New("connection reset"))
	waitStatus(t, d, func(s Status) bool { return s.Conn == ConnReconnecting })
	waitStatus(t, d, func(s Status) bool { return s.Recording == recorder.StateStopped })

	// Loss confirm, then backoff, then a fresh handle.
	h2 := eng.next(t)
	if h2.gen == h.gen {
		t.Errorf("Reconnect must use a new generation")
	}
	h2.emit(engine.EventConnected)
	st := waitStatus(t, d, func(s Status) bool { return s.Conn == ConnConnected })
	if st.Attempts != 0 {
		t.Errorf("Attempts must reset on success, got %d", st.Attempts)
	}
}

func TestRetryCeilingEndsFailed(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	h := goOnAir(t, d, eng)
	h.emitError(errors.New("gone"))

	// MaxAttempts is 2: two scheduled retries, the third failure exhausts.
	for i := 0; i < 2; i++ {
		next := eng.next(t)
		next.emitError(errors.New("still gone"))
	}

	st := waitStatus(t, d, func(s Status) bool { return s.Conn == ConnFailed })
	if st.LastError != ErrConnectionExhausted.Error() {
		t.Errorf("Expected exhausted error surfaced, got %q", st.LastError)
	}

	// No further handle may be created.
	select {
	case <-eng.created:
		t.Errorf("Retry scheduled past the ceiling")
	case <-time.After(100 * time.Millisecond):
	}

	// Toggling air again starts a fresh episode.
	if err := d.ToggleAir(); err != nil {
		t.Fatalf("ToggleAir after failure: %v", err)
	}
	fresh := eng.next(t)
	fresh.emit(engine.EventConnected)
	waitStatus(t, d, func(s Status) bool { return s.Conn == ConnConnected })
}

func TestMetadataDedupAndHistory(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	h := goOnAir(t, d, eng)
	h.emitMetadata("Robyn - Dancing On My Own")
	h.emitMetadata("Robyn - Dancing On My Own")
	h.emitMetadata("Kent - FF")

	st := waitStatus(t, d, func(s Status) bool { return s.Track.Title == "FF" })
	if st.Track.Artist != "Kent" {
		t.Errorf("Expected current artist Kent, got %q", st.Track.Artist)
	}
	if hist := d.History(); len(hist) != 2 {
		t.Errorf("Expected 2 history entries, got %d: %v", len(hist), hist)
	}
}

func TestTrackChangeWrittenToRecLog(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	h := goOnAir(t, d, eng)
	h.emitMetadata("Robyn - Dancing On My Own")
	waitStatus(t, d, func(s Status) bool { return s.Track.Title == "Dancing On My Own" })

	startRecording(t, d)
	h.emitMetadata("Kent - FF")
	waitStatus(t, d, func(s Status) bool { return s.Track.Title == "FF" })

	if err := d.StopRecording(); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	st := waitStatus(t, d, func(s Status) bool { return s.Recording == recorder.StateStopped })

	logPath := strings.TrimSuffix(st.RecordPath, filepath.Ext(st.RecordPath)) + ".log"
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("track log missing: %v", err)
	}
	log := string(data)
	for _, want := range []string{
		"START Robyn — Dancing On My Own",
		"END   Robyn — Dancing On My Own (track changed)",
		"START Kent — FF",
		"END   Kent — FF (stopped by user)",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("Track log missing %q:\n%s", want, log)
		}
	}
}

func TestRecordingFilePreservedOnStreamLoss(t *testing.T) {
	d, eng, _ := newTestDeck(t)

	h := goOnAir(t, d, eng)
	startRecording(t, d)
	path := d.Status().RecordPath

	h.emitError(errors.New("dropped"))
	waitStatus(t, d, func(s Status) bool { return s.Recording == recorder.StateStopped })

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("recording file missing after stream loss: %v", err)
	}
	if info.Size() == 0 {
		t.Errorf("recording file empty after stream loss")
	}
}

func TestSelectChannelUnknown(t *testing.T) {
	d, _, _ := newTestDeck(t)
	if err := d.SelectChannel("nope"); err == nil {
		t.Errorf("Expected error for unknown channel")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d, eng, _ := newTestDeck(t)
	goOnAir(t, d, eng)

	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if err := d.ToggleAir(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

// fakeProvider answers every playlist lookup with a fixed track.
type fakeProvider struct {
	mu      sync.Mutex
	fetches int
	artist  string
	title   string
}

func (p *fakeProvider) Fetch(ctx context.Context, metaURL string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	return p.artist, p.title, nil
}

func TestProviderFallbackFillsSilentStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultChannel = "p3"
	cfg.Metadata.PollInterval = 10 * time.Millisecond
	cfg.Metadata.UnknownThreshold = 1
	cfg.Metadata.ProviderInterval = time.Millisecond

	path := filepath.Join(t.TempDir(), "channels.yaml")
	data := `channels:
  - id: p3
    name: P3
    url: http://stream.example/p3
    meta_provider: sr_latlista
    meta_url: http://meta.example/p3
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write channels file: %v", err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	eng := newFakeEngine()
	provider := &fakeProvider{artist: "Veronica Maggio", title: "Jag kommer"}
	d := New(cfg, cat, eng, &stubLauncher{}, provider)
	t.Cleanup(func() { d.Close() })

	goOnAir(t, d, eng)

	st := waitStatus(t, d, func(s Status) bool { return s.Track.Artist == "Veronica Maggio" })
	if st.Track.Title != "Jag kommer" {
		t.Errorf("Expected provider title, got %q", st.Track.Title)
	}
}

func TestStaleProviderResultDiscarded(t *testing.T) {
	d, eng, _ := newTestDeck(t)
	goOnAir(t, d, eng)

	var gen uuid.UUID
	if err := d.exec(func() error { gen = d.gen; return nil }); err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	sub, cancel := d.Subscribe()
	defer cancel()

	// Results funnel through one channel, so the superseded generation is
	// handled before the current one.
	d.providerRes <- providerResult{gen: uuid.New(), artist: "Ghost", title: "Echo"}
	d.providerRes <- providerResult{gen: gen, artist: "Robyn", title: "Honey"}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-sub:
			if st.Track.Artist == "Ghost" {
				t.Fatalf("Result from superseded generation applied: %+v", st.Track)
			}
			if st.Track.Artist == "Robyn" {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for current-generation track")
		}
	}
}
