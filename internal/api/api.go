// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package api exposes the VOX gateway hooks, the dashboard endpoints and
// recording playback over plain HTTP+JSON.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pttbox/pttbox/internal/config"
	"github.com/pttbox/pttbox/internal/hub"
)

// audioFilePattern is the only shape of filename servable from the
// recordings directory. Anything else (traversal attempts included) is
// rejected before touching the filesystem.
var audioFilePattern = regexp.MustCompile(`^(?:rec|web)_\d{8}_\d{6}(?:_[A-Za-z0-9]+)?\.wav$`)

// Controller is the slice of the hub the API needs.
type Controller interface {
	ExternalFloorOn() (holderName string, ok bool)
	ExternalFloorOff() bool
	ServerMicFloorOn() (holderName string, ok bool)
	ServerMicFloorOff() bool
	ForceReleaseFloor() (string, bool)
	HolderInfo() (id, name string, ok bool)
	ClientSnapshots() []hub.ClientSnapshot
	ClientCount() int
	P2PConnectedCount() int
	DisconnectClient(id, reason string) bool
	StartedAt() time.Time
}

type Server struct {
	cfg  *config.Config
	ctrl Controller

	mu     sync.Mutex
	tokens map[string]time.Time

	exitFn func(int)
	logger *slog.Logger
}

func NewServer(cfg *config.Config, ctrl Controller) *Server {
	return &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		tokens: make(map[string]time.Time),
		exitFn: os.Exit,
		logger: slog.With("component", "api"),
	}
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/vox/on", s.handleVoxOn)
	mux.HandleFunc("POST /api/vox/off", s.handleVoxOff)

	mux.HandleFunc("POST /api/dash/login", s.handleLogin)
	mux.HandleFunc("POST /api/dash/logout", s.handleLogout)
	mux.HandleFunc("GET /api/dash/status", s.authed(s.handleStatus))
	mux.HandleFunc("GET /api/dash/clients", s.authed(s.handleClients))
	mux.HandleFunc("GET /api/dash/ptt", s.authed(s.handlePTT))
	mux.HandleFunc("POST /api/dash/ptt/release", s.authed(s.handlePTTRelease))
	mux.HandleFunc("POST /api/dash/mic/on", s.authed(s.handleMicOn))
	mux.HandleFunc("POST /api/dash/mic/off", s.authed(s.handleMicOff))
	mux.HandleFunc("POST /api/dash/clients/{id}/disconnect", s.authed(s.handleDisconnect))
	mux.HandleFunc("POST /api/dash/restart", s.authed(s.handleRestart))

	mux.HandleFunc("GET /api/audio", s.handleAudio)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// --- VOX gateway ---

// handleVoxOn claims the floor for the external audio device. Busy floors
// report the current speaker so the gateway can log who blocked it.
func (s *Server) handleVoxOn(w http.ResponseWriter, r *http.Request) {
	holderName, ok := s.ctrl.ExternalFloorOn()
	if !ok {
		s.logger.Info("vox claim denied", "speaker", holderName)
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"reason":  "busy",
			"speaker": holderName,
		})
		return
	}
	s.logger.Info("vox claim granted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleVoxOff(w http.ResponseWriter, r *http.Request) {
	ok := s.ctrl.ExternalFloorOff()
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"reason":  "not_transmitting",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleMicOn claims the floor for the server microphone so it transmits
// in ptt mode.
func (s *Server) handleMicOn(w http.ResponseWriter, r *http.Request) {
	holderName, ok := s.ctrl.ServerMicFloorOn()
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"reason":  "busy",
			"speaker": holderName,
		})
		return
	}
	s.logger.Info("server mic floor claimed")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMicOff(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.ServerMicFloorOff() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"reason":  "not_transmitting",
		})
		return
	}
	s.logger.Info("server mic floor released")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- dashboard auth ---

// authed wraps a dashboard handler with bearer-token auth. With no
// password configured the dashboard is open (trusted LAN deployment).
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DashPassword != "" && !s.validToken(r) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) validToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, live := s.tokens[token]
	return live
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if s.cfg.DashPassword == "" || req.Password != s.cfg.DashPassword {
		s.logger.Warn("dashboard login rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = time.Now()
	s.mu.Unlock()

	s.logger.Info("dashboard login", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		s.mu.Lock()
		delete(s.tokens, token)
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- dashboard data ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds": int64(time.Since(s.ctrl.StartedAt()).Seconds()),
		"clients":       s.ctrl.ClientCount(),
		"p2pConnected":  s.ctrl.P2PConnectedCount(),
		"memory": map[string]any{
			"allocBytes": ms.Alloc,
			"sysBytes":   ms.Sys,
			"numGC":      ms.NumGC,
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clients": s.ctrl.ClientSnapshots()})
}

func (s *Server) handlePTT(w http.ResponseWriter, r *http.Request) {
	id, name, active := s.ctrl.HolderInfo()
	resp := map[string]any{"active": active}
	if active {
		resp["speaker"] = id
		resp["speakerName"] = name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePTTRelease(w http.ResponseWriter, r *http.Request) {
	prev, ok := s.ctrl.ForceReleaseFloor()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}
	s.logger.Warn("floor force-released via dashboard", "previous", prev)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "previous": prev})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.ctrl.DisconnectClient(id, "dashboard_disconnect") {
		writeError(w, http.StatusNotFound, "Unknown client")
		return
	}
	s.logger.Info("client disconnected via dashboard", "client_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRestart drops a restart.flag intent file for the supervisor and
// exits once the response is out.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := os.WriteFile("restart.flag", []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		s.logger.Error("restart flag write failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Restart flag write failed")
		return
	}

	s.logger.Warn("restart requested via dashboard")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})

	go func() {
		time.Sleep(500 * time.Millisecond)
		s.exitFn(0)
	}()
}

// --- recordings ---

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if !audioFilePattern.MatchString(name) {
		writeError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	path := filepath.Join(s.cfg.RecordingsDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}
