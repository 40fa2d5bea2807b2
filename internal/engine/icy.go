package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// icyMetaBlockUnit is the multiplier for the metadata length byte.
	icyMetaBlockUnit = 16
	// readChunk is the audio read size between metadata checks when the
	// stream carries no inline metadata.
	readChunk = 8192
)

// ICYEngine streams internet radio over HTTP and surfaces Shoutcast/Icecast
// inline metadata. Audio bytes are read to keep the connection alive and
// detect drops; decoding and output are not its business.
type ICYEngine struct {
	client    *http.Client
	userAgent string
}

// ICYOption customises an ICYEngine.
type ICYOption func(*ICYEngine)

// WithUserAgent sets the User-Agent sent on stream requests. Some broadcast
// networks 403 requests without one.
func WithUserAgent(ua string) ICYOption {
	return func(e *ICYEngine) { e.userAgent = ua }
}

// WithHTTPClient replaces the HTTP client used for stream requests.
func WithHTTPClient(c *http.Client) ICYOption {
	return func(e *ICYEngine) { e.client = c }
}

// NewICY creates an engine with the given connect timeout.
func NewICY(connectTimeout time.Duration, opts ...ICYOption) *ICYEngine {
	e := &ICYEngine{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
		userAgent: "TapeDeck",
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Connect starts a connection attempt and returns its handle immediately.
func (e *ICYEngine) Connect(ctx context.Context, url string) Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &icyHandle{
		gen:    uuid.New(),
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go h.run(ctx, e, url)
	return h
}

type icyHandle struct {
	gen    uuid.UUID
	events chan Event
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (h *icyHandle) Generation() uuid.UUID { return h.gen }
func (h *icyHandle) Events() <-chan Event  { return h.events }

// Close tears the connection down. Safe to call more than once; any
// in-flight event is abandoned rather than delivered late.
func (h *icyHandle) Close() {
	h.closeOnce.Do(h.cancel)
}

func (h *icyHandle) emit(ctx context.Context, ev Event) bool {
	ev.Generation = h.gen
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *icyHandle) run(ctx context.Context, e *ICYEngine, url string) {
	defer close(h.events)
	defer h.cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		h.emit(ctx, Event{Kind: EventError, Err: fmt.Errorf("invalid stream url: %w", err)})
		return
	}
	req.Header.Set("Icy-Metadata", "1")
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			h.emit(ctx, Event{Kind: EventError, Err: fmt.Errorf("stream connect failed: %w", err)})
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.emit(ctx, Event{Kind: EventError, Err: fmt.Errorf("stream returned status %d", resp.StatusCode)})
		return
	}

	metaInt := 0
	if v := resp.Header.Get("Icy-Metaint"); v != "" {
		metaInt, err = strconv.Atoi(v)
		if err != nil || metaInt < 0 {
			slog.Warn("Ignoring malformed icy-metaint header", "value", v)
			metaInt = 0
		}
	}

	slog.Debug("Stream connected", "generation", h.gen, "station", resp.Header.Get("Icy-Name"), "metaint", metaInt)
	if !h.emit(ctx, Event{Kind: EventConnected}) {
		return
	}

	reader := bufio.NewReaderSize(resp.Body, 32*1024)
	err = h.consume(ctx, reader, metaInt)

	switch {
	case ctx.Err() != nil:
		// Closed by the owner; stay silent.
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		h.emit(ctx, Event{Kind: EventEnded})
	default:
		h.emit(ctx, Event{Kind: EventError, Err: err})
	}
}

// consume reads the audio stream, peeling off inline metadata blocks every
// metaInt bytes when the server interleaves them.
func (h *icyHandle) consume(ctx context.Context, r *bufio.Reader, metaInt int) error {
	if metaInt == 0 {
		_, err := io.Copy(io.Discard, contextReader{ctx, r})
		return err
	}

	audio := make([]byte, metaInt)
	lastTitle := ""
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(r, audio); err != nil {
			return err
		}

		lenByte, err := r.ReadByte()
		if err != nil {
			return err
		}
		blockLen := int(lenByte) * icyMetaBlockUnit
		if blockLen == 0 {
			continue
		}

		block := make([]byte, blockLen)
		if _, err := io.ReadFull(r, block); err != nil {
			return err
		}

		title := parseStreamTitle(string(block))
		if title == "" || title == lastTitle {
			continue
		}
		lastTitle = title
		if !h.emit(ctx, Event{Kind: EventMetadata, Raw: title}) {
			return ctx.Err()
		}
	}
}

// parseStreamTitle extracts the StreamTitle value from an ICY metadata block
// such as `StreamTitle='Artist - Title';StreamUrl='';`.
func parseStreamTitle(block string) string {
	const key = "StreamTitle='"
	start := strings.Index(block, key)
	if start == -1 {
		return ""
	}
	rest := block[start+len(key):]
	end := strings.Index(rest, "';")
	if end == -1 {
		// Tolerate a missing terminator by trimming trailing NULs/quotes.
		rest = strings.TrimRight(rest, "\x00")
		rest = strings.TrimSuffix(rest, "'")
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// contextReader aborts blocking reads once the context is cancelled by
// returning its error on the next read boundary.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > readChunk {
		p = p[:readChunk]
	}
	return c.r.Read(p)
}
