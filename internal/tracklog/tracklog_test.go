package tracklog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseRaw(t *testing.T) {
	tests := []struct {
		raw        string
		wantArtist string
		wantTitle  string
	}{
		{"Robyn - Dancing On My Own", "Robyn", "Dancing On My Own"},
		{"  Kent - FF  ", "Kent", "FF"},
		{"Just A Title", "Unknown", "Just A Title"},
		{"", "Unknown", "—"},
		{"A - B - C", "A", "B - C"},
	}
	for _, tt := range tests {
		artist, title := ParseRaw(tt.raw)
		if artist != tt.wantArtist || title != tt.wantTitle {
			t.Errorf("ParseRaw(%q) = (%q, %q), want (%q, %q)", tt.raw, artist, title, tt.wantArtist, tt.wantTitle)
		}
	}
}

func TestObserveDeduplicatesConsecutive(t *testing.T) {
	tr := NewTracker(0, nil)

	if _, ok := tr.Observe("Robyn - Dancing On My Own"); !ok {
		t.Fatalf("first observation should append")
	}
	if _, ok := tr.Observe("Robyn - Dancing On My Own"); ok {
		t.Errorf("identical consecutive observation should be a no-op")
	}
	if _, ok := tr.Observe("ROBYN   -  dancing on my own"); ok {
		t.Errorf("case and whitespace variations should still dedup")
	}
	if _, ok := tr.Observe("Kent - FF"); !ok {
		t.Errorf("a different track should append")
	}
	// The first track again: not a consecutive duplicate anymore.
	if _, ok := tr.Observe("Robyn - Dancing On My Own"); !ok {
		t.Errorf("repeat of an older track should append")
	}

	if got := len(tr.History()); got != 3 {
		t.Errorf("Expected 3 history entries, got %d", got)
	}
}

func TestObserveSkipsEmptyTitle(t *testing.T) {
	tr := NewTracker(0, nil)
	if _, ok := tr.Observe(""); ok {
		t.Errorf("empty metadata should not append")
	}
	if got := len(tr.History()); got != 0 {
		t.Errorf("Expected empty history, got %d entries", got)
	}
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	tr := NewTracker(2, nil)
	tr.Observe("A - One")
	tr.Observe("B - Two")
	tr.Observe("C - Three")

	hist := tr.History()
	if len(hist) != 2 {
		t.Fatalf("Expected history capped at 2, got %d", len(hist))
	}
	if hist[0].Title != "Two" || hist[1].Title != "Three" {
		t.Errorf("Expected oldest entry evicted, got %v", hist)
	}
}

func TestHistoryReplaysAndIsACopy(t *testing.T) {
	tr := NewTracker(0, nil)
	tr.Observe("A - One")
	tr.Observe("B - Two")

	first := tr.History()
	first[0].Title = "mutated"

	second := tr.History()
	if second[0].Title != "One" {
		t.Errorf("History must return a copy, got %q", second[0].Title)
	}
	if len(second) != 2 || !second[0].Time.Before(second[1].Time) && !second[0].Time.Equal(second[1].Time) {
		t.Errorf("History must stay time-ordered: %v", second)
	}
}

func TestTrackerNotifiesOnAppend(t *testing.T) {
	var got []Track
	tr := NewTracker(0, func(track Track) { got = append(got, track) })
	tr.Observe("A - One")
	tr.Observe("A - One")
	tr.Observe("B - Two")

	if len(got) != 2 {
		t.Errorf("Expected 2 notifications, got %d", len(got))
	}
}

func TestRecLogFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.log")

	var uiLines []string
	l := NewRecLog(path, func(line string) { uiLines = append(uiLines, line) })
	l.now = func() time.Time { return time.Date(2026, 2, 17, 14, 19, 50, 0, time.UTC) }

	l.Start("Robyn — Dancing On My Own", 0)
	l.End("Robyn — Dancing On My Own", 3*time.Minute+12*time.Second, "track changed")
	l.End("Kent — FF", 62*time.Minute+5*time.Second, "stopped by user")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	want := []string{
		"[14:19:50] [+00:00] START Robyn — Dancing On My Own",
		"[14:19:50] [+03:12] END   Robyn — Dancing On My Own (track changed)",
		"[14:19:50] [+01:02:05] END   Kent — FF (stopped by user)",
	}
	if len(lines) != len(want) {
		t.Fatalf("Expected %d lines, got %d: %v", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("Line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	if len(uiLines) != 3 {
		t.Errorf("Expected 3 callback lines, got %d", len(uiLines))
	}
	if l.LastLine() != want[2] {
		t.Errorf("LastLine = %q, want %q", l.LastLine(), want[2])
	}
}

type fakeProvider struct {
	calls  int
	artist string
	title  string
	err    error
}

func (p *fakeProvider) Fetch(ctx context.Context, metaURL string) (string, string, error) {
	p.calls++
	if p.err != nil {
		return UnknownArtist, EmptyTitle, p.err
	}
	return p.artist, p.title, nil
}

func TestFallbackRequiresConsecutiveUnknowns(t *testing.T) {
	p := &fakeProvider{artist: "Robyn", title: "With Every Heartbeat"}
	f := NewFallback(p, 3, 0)

	for i := 0; i < 2; i++ {
		artist, _ := f.Resolve(context.Background(), "http://sr/p3", UnknownArtist, EmptyTitle)
		if artist != UnknownArtist {
			t.Fatalf("provider consulted before threshold, at poll %d", i)
		}
	}
	if p.calls != 0 {
		t.Fatalf("Expected no provider calls before threshold, got %d", p.calls)
	}

	artist, title := f.Resolve(context.Background(), "http://sr/p3", UnknownArtist, EmptyTitle)
	if artist != "Robyn" || title != "With Every Heartbeat" {
		t.Errorf("Expected provider answer past threshold, got %q / %q", artist, title)
	}
	if p.calls != 1 {
		t.Errorf("Expected exactly 1 provider call, got %d", p.calls)
	}
}

func TestFallbackResetsOnKnownArtist(t *testing.T) {
	p := &fakeProvider{artist: "Robyn", title: "Hang With Me"}
	f := NewFallback(p, 2, 0)

	f.Resolve(context.Background(), "u", UnknownArtist, EmptyTitle)
	f.Resolve(context.Background(), "u", "Kent", "FF") // resets the run
	f.Resolve(context.Background(), "u", UnknownArtist, EmptyTitle)

	if p.calls != 0 {
		t.Errorf("Expected unknown run reset by known metadata, provider called %d times", p.calls)
	}
}

func TestFallbackRespectsPollInterval(t *testing.T) {
	p := &fakeProvider{artist: UnknownArtist, title: EmptyTitle}
	f := NewFallback(p, 1, time.Hour)
	base := time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return base }
	f.lastPoll = base.Add(-time.Minute)

	f.Resolve(context.Background(), "u", UnknownArtist, EmptyTitle)
	if p.calls != 0 {
		t.Errorf("Expected interval gate to suppress fetch, got %d calls", p.calls)
	}

	f.lastPoll = base.Add(-2 * time.Hour)
	f.Resolve(context.Background(), "u", UnknownArtist, EmptyTitle)
	if p.calls != 1 {
		t.Errorf("Expected fetch after interval elapsed, got %d calls", p.calls)
	}
}

func TestFallbackKeepsStreamMetadataOnProviderError(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	f := NewFallback(p, 1, 0)

	artist, title := f.Resolve(context.Background(), "u", UnknownArtist, EmptyTitle)
	if artist != UnknownArtist || title != EmptyTitle {
		t.Errorf("Provider failure must not change metadata, got %q / %q", artist, title)
	}
}
