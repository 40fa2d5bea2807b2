package deck

import (
	"time"

	"github.com/tapedeck/tapedeck/internal/catalog"
	"github.com/tapedeck/tapedeck/internal/recorder"
	"github.com/tapedeck/tapedeck/internal/tracklog"
)

// ConnState is the stream connection state as driven by the deck.
type ConnState string

const (
	ConnStopped      ConnState = "STOPPED"
	ConnConnecting   ConnState = "CONNECTING"
	ConnConnected    ConnState = "CONNECTED"
	ConnReconnecting ConnState = "RECONNECTING"
	// ConnFailed is terminal: the retry ceiling was reached and no further
	// attempts happen until the user toggles on-air again.
	ConnFailed ConnState = "FAILED"
)

// Status is a point-in-time snapshot of the deck, safe to share.
type Status struct {
	Channel       catalog.Channel `json:"channel"`
	OnAir         bool            `json:"on_air"`
	Conn          ConnState       `json:"conn_state"`
	Recording     recorder.State  `json:"recording"`
	RecordPath    string          `json:"record_path,omitempty"`
	RecordStarted time.Time       `json:"record_started,omitempty"`
	Attempts      int             `json:"reconnect_attempts"`
	Track         tracklog.Track  `json:"track"`
	LastError     string          `json:"last_error,omitempty"`
	LastLogLine   string          `json:"last_log_line,omitempty"`
}

// RecordElapsed returns how long the current recording has been active.
func (s Status) RecordElapsed() time.Duration {
	if s.RecordStarted.IsZero() {
		return 0
	}
	return time.Since(s.RecordStarted)
}

// Status returns the latest published snapshot.
func (d *Deck) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

// Subscribe registers a status listener. Slow listeners miss intermediate
// snapshots rather than blocking the deck. The returned cancel func must be
// called to release the subscription.
func (d *Deck) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	ch <- d.snapshot
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
		d.mu.Unlock()
	}
	return ch, cancel
}

// publish copies the owner-loop status into the shared snapshot and fans it
// out to subscribers. Called only from the owner loop.
func (d *Deck) publish() {
	d.status.OnAir = d.onAir
	d.status.Channel = d.channel
	snap := d.status

	d.mu.Lock()
	d.snapshot = snap
	for _, ch := range d.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	d.mu.Unlock()
}
