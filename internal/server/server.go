// Package server exposes the deck over HTTP for remote control UIs: JSON
// command endpoints plus a websocket pushing status snapshots.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapedeck/tapedeck/internal/catalog"
	"github.com/tapedeck/tapedeck/internal/config"
	"github.com/tapedeck/tapedeck/internal/deck"
	"github.com/tapedeck/tapedeck/internal/tracklog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server serves the remote-control API for one deck.
type Server struct {
	deck *deck.Deck
	cfg  *config.Config
	port string
}

// New creates a server. The deck must already be running.
func New(d *deck.Deck, cfg *config.Config) *Server {
	return &Server{
		deck: d,
		cfg:  cfg,
		port: fmt.Sprintf("%d", cfg.Server.Port),
	}
}

// StatusResponse is the JSON shape of the status endpoint.
type StatusResponse struct {
	Status        deck.Status `json:"status"`
	RecordElapsed int64       `json:"record_elapsed_ms"`
	// LatencyMS estimates playback delay behind the live broadcast,
	// dominated by the configured network cache.
	LatencyMS int64 `json:"latency_ms"`
}

// ChannelsResponse lists the channel catalog.
type ChannelsResponse struct {
	Channels []catalog.Channel `json:"channels"`
	Total    int               `json:"total"`
}

// HistoryResponse replays the track history.
type HistoryResponse struct {
	Tracks []tracklog.Track `json:"tracks"`
	Total  int              `json:"total"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/select", s.handleSelect)
	mux.HandleFunc("/air", s.handleAir)
	mux.HandleFunc("/rec", s.handleRec)
	mux.HandleFunc("/log", s.handleLog)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start blocks serving the API.
func (s *Server) Start() error {
	slog.Info("Starting control server", "port", s.port)
	return http.ListenAndServe(":"+s.port, s.Handler())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := s.deck.Status()
	s.sendJSON(w, http.StatusOK, StatusResponse{
		Status:        st,
		RecordElapsed: int64(st.RecordElapsed() / time.Millisecond),
		LatencyMS:     int64(s.cfg.Playback.NetworkCache / time.Millisecond),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	channels := s.deck.Channels()
	s.sendJSON(w, http.StatusOK, ChannelsResponse{Channels: channels, Total: len(channels)})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	id := r.FormValue("channel")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "Channel id is required")
		return
	}

	if err := s.deck.SelectChannel(id); err != nil {
		slog.Warn("Channel select rejected", "channel", id, "error", err)
		s.sendError(w, commandStatus(err), err.Error())
		return
	}
	s.sendOK(w, fmt.Sprintf("Channel %s selected", id))
}

func (s *Server) handleAir(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.deck.ToggleAir(); err != nil {
		slog.Warn("Air toggle rejected", "error", err)
		s.sendError(w, commandStatus(err), err.Error())
		return
	}
	s.sendOK(w, "On-air toggled")
}

func (s *Server) handleRec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.deck.ToggleRecording(); err != nil {
		slog.Warn("Recording toggle rejected", "error", err)
		s.sendError(w, commandStatus(err), err.Error())
		return
	}
	s.sendOK(w, "Recording toggled")
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tracks := s.deck.History()
	s.sendJSON(w, http.StatusOK, HistoryResponse{Tracks: tracks, Total: len(tracks)})
}

// handleWS pushes a status snapshot on every deck transition. The client
// side of the socket is read only to detect disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.deck.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(st); err != nil {
				slog.Debug("Websocket write failed", "error", err)
				return
			}
		case <-keepalive.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// commandStatus maps deck rejection errors to HTTP status codes.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, deck.ErrBusy), errors.Is(err, deck.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, deck.ErrNotOnAir), errors.Is(err, deck.ErrNoChannel):
		return http.StatusBadRequest
	case errors.Is(err, deck.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusNotFound
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) sendOK(w http.ResponseWriter, message string) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
	})
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
