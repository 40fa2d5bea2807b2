package tracklog

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Provider resolves now-playing metadata from an out-of-band source when
// the stream itself does not carry it.
type Provider interface {
	Fetch(ctx context.Context, metaURL string) (artist, title string, err error)
}

// SR latlista pages list tracks as
// <span class="music-list-item__artist">..</span> and a matching title span.
var (
	srArtistPattern = regexp.MustCompile(`class="music-list-item__artist"[^>]*>([^<]+)</span>`)
	srTitlePattern  = regexp.MustCompile(`class="music-list-item__title"[^>]*>([^<]+)</span>`)
)

// SRProvider scrapes the Sveriges Radio latlista page for the latest track.
// SR streams carry no ICY metadata, so this is the only source for them.
type SRProvider struct {
	client    *http.Client
	userAgent string
}

func NewSRProvider(userAgent string) *SRProvider {
	return &SRProvider{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
	}
}

// Fetch returns the first listed artist and title on the page.
func (p *SRProvider) Fetch(ctx context.Context, metaURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return UnknownArtist, EmptyTitle, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return UnknownArtist, EmptyTitle, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UnknownArtist, EmptyTitle, fmt.Errorf("playlist page returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return UnknownArtist, EmptyTitle, err
	}

	artistMatch := srArtistPattern.FindSubmatch(body)
	titleMatch := srTitlePattern.FindSubmatch(body)
	if artistMatch == nil || titleMatch == nil {
		return UnknownArtist, EmptyTitle, nil
	}

	artist := html.UnescapeString(strings.TrimSpace(string(artistMatch[1])))
	title := html.UnescapeString(strings.TrimSpace(string(titleMatch[1])))
	return artist, title, nil
}

// Fallback gates provider lookups: the provider is only consulted after the
// stream has reported no usable metadata several polls in a row, and at most
// once per interval.
type Fallback struct {
	provider  Provider
	threshold int
	interval  time.Duration

	mu       sync.Mutex
	unknowns int
	lastPoll time.Time
	now      func() time.Time
}

func NewFallback(provider Provider, threshold int, interval time.Duration) *Fallback {
	return &Fallback{
		provider:  provider,
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
	}
}

// Resolve passes through stream-supplied metadata, or substitutes the
// provider's answer once the stream has been silent long enough.
func (f *Fallback) Resolve(ctx context.Context, metaURL, artist, title string) (string, string) {
	f.mu.Lock()
	if artist != UnknownArtist {
		f.unknowns = 0
		f.mu.Unlock()
		return artist, title
	}

	f.unknowns++
	if f.unknowns < f.threshold || f.now().Sub(f.lastPoll) < f.interval {
		f.mu.Unlock()
		return artist, title
	}
	f.lastPoll = f.now()
	f.mu.Unlock()

	pArtist, pTitle, err := f.provider.Fetch(ctx, metaURL)
	if err != nil {
		slog.Debug("Metadata provider fetch failed", "url", metaURL, "error", err)
		return artist, title
	}
	if pArtist == UnknownArtist {
		return artist, title
	}
	return pArtist, pTitle
}
