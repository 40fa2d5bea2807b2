// Package tracklog turns raw stream metadata into a deduplicated
// now-playing history and writes the per-recording track log.
package tracklog

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Placeholders used when a stream carries no usable metadata.
const (
	UnknownArtist = "Unknown"
	EmptyTitle    = "—"
)

// Track is one detected now-playing change. Immutable once appended.
type Track struct {
	Artist string    `json:"artist"`
	Title  string    `json:"title"`
	Time   time.Time `json:"time"`
}

// Key renders the track as "Artist — Title".
func (t Track) Key() string {
	return fmt.Sprintf("%s — %s", t.Artist, t.Title)
}

// ParseRaw splits an ICY StreamTitle into artist and title. Stream labels
// usually look like "Artist - Title"; anything without the separator is
// treated as a bare title.
func ParseRaw(raw string) (artist, title string) {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, " - "); idx >= 0 {
		artist = strings.TrimSpace(raw[:idx])
		title = strings.TrimSpace(raw[idx+3:])
	} else {
		title = raw
	}
	if artist == "" {
		artist = UnknownArtist
	}
	if title == "" {
		title = EmptyTitle
	}
	return artist, title
}

// normalizeKey collapses whitespace and case so cosmetic variations of the
// same track do not produce duplicate history entries.
func normalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Tracker keeps the ordered, append-only track history for one listening
// session. Consecutive duplicates are dropped; the history is bounded with
// oldest-first eviction when a limit is set.
type Tracker struct {
	mu      sync.Mutex
	limit   int
	history []Track
	lastKey string

	onTrack func(Track)
	now     func() time.Time
}

// NewTracker creates a tracker. limit <= 0 means unbounded; onTrack, when
// non-nil, is called for every appended track.
func NewTracker(limit int, onTrack func(Track)) *Tracker {
	return &Tracker{
		limit:   limit,
		onTrack: onTrack,
		now:     time.Now,
	}
}

// Observe parses a raw metadata event and appends it if it names a track
// different from the last appended one. Returns the appended track and true
// on a change.
func (t *Tracker) Observe(raw string) (Track, bool) {
	artist, title := ParseRaw(raw)
	return t.Record(artist, title)
}

// Record appends an already-parsed track, subject to the same dedup rules
// as Observe. Used by provider fallbacks that deliver artist and title
// separately.
func (t *Tracker) Record(artist, title string) (Track, bool) {
	if title == EmptyTitle || title == "" {
		return Track{}, false
	}

	track := Track{Artist: artist, Title: title}
	key := normalizeKey(track.Key())

	t.mu.Lock()
	if key == t.lastKey {
		t.mu.Unlock()
		return Track{}, false
	}
	track.Time = t.now()
	t.lastKey = key
	t.history = append(t.history, track)
	if t.limit > 0 && len(t.history) > t.limit {
		t.history = t.history[len(t.history)-t.limit:]
	}
	t.mu.Unlock()

	slog.Debug("Track change", "artist", artist, "title", title)
	if t.onTrack != nil {
		t.onTrack(track)
	}
	return track, true
}

// Last returns the most recently appended track, if any.
func (t *Tracker) Last() (Track, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) == 0 {
		return Track{}, false
	}
	return t.history[len(t.history)-1], true
}

// History returns a copy of the retained track log, oldest first. Calling
// it again replays the full retained log.
func (t *Tracker) History() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Track, len(t.history))
	copy(out, t.history)
	return out
}

// Reset clears the history and dedup state, for a new listening session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
	t.lastKey = ""
}
