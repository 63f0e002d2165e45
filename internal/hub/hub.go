// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package hub owns the client registry, the per-session signaling state
// machines and the floor side effects (relay, recorder, broadcasts).
package hub

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/config"
	"github.com/pttbox/pttbox/internal/floor"
	"github.com/pttbox/pttbox/internal/names"
	"github.com/pttbox/pttbox/internal/protocol"
	"github.com/pttbox/pttbox/internal/push"
)

// ServerClientID is the id the server uses as "from" in the P2P envelopes
// it originates. Matches the reserved floor holder id.
const ServerClientID = floor.ServerID

// RelayControl is the slice of the relay driver the hub needs.
type RelayControl interface {
	On()
	Off()
}

// AudioEgress receives the floor holder's audio for playback and
// recording.
type AudioEgress interface {
	StartRecording(clientID string) error
	StopRecording()
	WritePayload(payload []byte)
	PausePlayback()
}

// Hub is the client registry plus the floor orchestration.
type Hub struct {
	cfg     *config.Config
	arbiter *floor.Arbiter
	relay   RelayControl
	egress  AudioEgress
	names   *names.Store
	push    *push.Service

	mu       sync.RWMutex
	sessions map[string]*Session

	upgrader  websocket.Upgrader
	startedAt time.Time
	logger    *slog.Logger
}

func New(cfg *config.Config, arbiter *floor.Arbiter, rc RelayControl, egress AudioEgress, nameStore *names.Store, pushSvc *push.Service) *Hub {
	h := &Hub{
		cfg:      cfg,
		arbiter:  arbiter,
		relay:    rc,
		egress:   egress,
		names:    nameStore,
		push:     pushSvc,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		logger:    slog.With("component", "hub"),
	}
	arbiter.SetEvictFunc(h.onFloorEvicted)
	return h
}

// HandleWS upgrades the connection and runs the session until the
// transport closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := newSession(h, h.mintClientID(), &wsTransport{conn: conn})
	h.register(s)
	s.logger.Info("client connected", "remote", r.RemoteAddr)

	s.sendConfig()
	s.sendCurrentStatus()
	h.broadcast(protocol.ClientEvent{
		Type:        protocol.TypeClientJoined,
		ClientID:    s.id,
		DisplayName: s.DisplayName(),
	}, s.id)

	s.run(conn)
	h.teardown(s)
}

func (h *Hub) mintClientID() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		h.mu.RLock()
		_, taken := h.sessions[id]
		h.mu.RUnlock()
		if !taken && !floor.Reserved(id) {
			return id
		}
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

// teardown runs the close sequence: floor release, timers, peer
// connections, registry removal, departure broadcasts.
func (h *Hub) teardown(s *Session) {
	h.mu.Lock()
	if h.sessions[s.id] != s {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	h.mu.Unlock()

	if h.arbiter.Release(s.id) {
		h.floorCleared(s.id)
	}
	s.destroy()

	h.broadcast(protocol.ClientEvent{
		Type:        protocol.TypeClientLeft,
		ClientID:    s.id,
		DisplayName: s.DisplayName(),
	}, "")
	h.broadcastStatus()
	s.logger.Info("client removed")
}

// Session returns the live session for id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) sessionList() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// broadcast sends env to every session except exceptID ("" for all).
func (h *Hub) broadcast(env any, exceptID string) {
	for _, s := range h.sessionList() {
		if exceptID != "" && s.id == exceptID {
			continue
		}
		s.send(env)
	}
}

// sendTo delivers env to one session; unknown targets are dropped.
func (h *Hub) sendTo(id string, env any) bool {
	s, ok := h.Session(id)
	if !ok {
		return false
	}
	s.send(env)
	return true
}

func (h *Hub) clientInfos(exceptID string) []protocol.ClientInfo {
	sessions := h.sessionList()
	out := make([]protocol.ClientInfo, 0, len(sessions))
	for _, s := range sessions {
		if s.id == exceptID {
			continue
		}
		out = append(out, protocol.ClientInfo{ClientID: s.id, DisplayName: s.DisplayName()})
	}
	return out
}

// --- floor orchestration ---

// requestFloor handles a ptt_request from s. The grant/deny reply reaches
// the requester before the ptt_status broadcast.
func (h *Hub) requestFloor(s *Session) {
	holder, granted := h.arbiter.Request(s.id)
	if !granted {
		s.send(protocol.PTTReply{
			Type:        protocol.TypePTTDenied,
			Speaker:     holder,
			SpeakerName: h.holderName(holder),
		})
		return
	}

	h.names.Set(s.id, s.DisplayName())
	h.relay.On()
	if err := h.egress.StartRecording(s.id); err != nil {
		s.logger.Error("recording start failed", "error", err)
	}

	s.send(protocol.PTTReply{Type: protocol.TypePTTGranted})
	h.broadcastStatus()

	if h.push != nil {
		go h.push.NotifyTransmission(s.id, s.DisplayName())
	}
}

func (h *Hub) releaseFloor(s *Session) {
	if h.arbiter.Release(s.id) {
		h.floorCleared(s.id)
	}
}

// floorCleared applies the side effects after prevHolder lost the floor
// (release, eviction or teardown) and broadcasts the idle status.
func (h *Hub) floorCleared(prevHolder string) {
	if floor.WebClient(prevHolder) {
		h.relay.Off()
		h.egress.StopRecording()
	}
	h.broadcastStatus()
}

func (h *Hub) onFloorEvicted(holder string) {
	h.logger.Warn("floor holder timed out", "holder", holder)
	h.floorCleared(holder)
}

// ExternalFloorOn claims the floor for the VOX gateway. The relay is not
// touched: the external device is already transmitting.
func (h *Hub) ExternalFloorOn() (holderName string, ok bool) {
	holder, granted := h.arbiter.Request(floor.ExternalID)
	if !granted {
		return h.holderName(holder), false
	}
	h.broadcastStatus()
	return "", true
}

// ServerMicFloorOn claims the floor for the server microphone. In ptt
// mode the mic only transmits while this claim holds. The relay stays
// off: it keys the radio for web-sourced audio only.
func (h *Hub) ServerMicFloorOn() (holderName string, ok bool) {
	holder, granted := h.arbiter.Request(floor.ServerID)
	if !granted {
		return h.holderName(holder), false
	}
	h.broadcastStatus()
	return "", true
}

// ServerMicFloorOff releases the server-mic claim.
func (h *Hub) ServerMicFloorOff() bool {
	if !h.arbiter.Release(floor.ServerID) {
		return false
	}
	h.broadcastStatus()
	return true
}

// ExternalFloorOff releases the VOX claim.
func (h *Hub) ExternalFloorOff() bool {
	if !h.arbiter.Release(floor.ExternalID) {
		return false
	}
	h.broadcastStatus()
	return true
}

// ForceReleaseFloor unconditionally clears the floor: relay off, recording
// stopped, playback paused, fresh status broadcast.
func (h *Hub) ForceReleaseFloor() (string, bool) {
	prev, ok := h.arbiter.ForceRelease()
	if !ok {
		return "", false
	}
	h.relay.Off()
	h.egress.StopRecording()
	h.egress.PausePlayback()
	h.broadcastStatus()
	return prev, true
}

func (h *Hub) broadcastStatus() {
	h.broadcast(h.CurrentStatus(), "")
}

// CurrentStatus builds the ptt_status envelope for the present floor
// state.
func (h *Hub) CurrentStatus() protocol.PTTStatus {
	holder, _ := h.arbiter.Holder()
	if holder == "" {
		return protocol.IdleStatus()
	}
	return protocol.TransmittingStatus(holder, h.holderName(holder))
}

// holderName resolves a display name for any holder id, falling back to
// the persistent store for sessions that are already gone.
func (h *Hub) holderName(id string) string {
	switch id {
	case "":
		return ""
	case floor.ExternalID:
		return floor.ExternalDisplayName
	case floor.ServerID:
		return "server"
	}
	if s, ok := h.Session(id); ok {
		return s.DisplayName()
	}
	if name := h.names.Get(id); name != "" {
		return name
	}
	return id
}

// --- audio fan-out ---

// HandleHolderRTP routes an uplink packet from a session's P2P connection.
// Packets from anyone but the floor holder are dropped.
func (h *Hub) HandleHolderRTP(fromID string, pkt *rtp.Packet) {
	holder, _ := h.arbiter.Holder()
	if holder != fromID {
		return
	}

	h.egress.WritePayload(pkt.Payload)

	for _, s := range h.sessionList() {
		if s.id == fromID {
			continue
		}
		s.writeDownlink(pkt)
	}
}

// WriteServerMicFrame fans a server-microphone frame out to every
// connected P2P track. Frames are discarded while a real client holds the
// floor (echo suppression) and, in ptt mode, unless the server holds it.
func (h *Hub) WriteServerMicFrame(pkt *rtp.Packet) {
	holder, _ := h.arbiter.Holder()
	if floor.WebClient(holder) {
		return
	}
	if h.cfg.ServerMicMode == "ptt" && holder != floor.ServerID {
		return
	}

	for _, s := range h.sessionList() {
		s.writeDownlink(pkt)
	}
}

// --- dashboard support ---

// DisconnectClient closes the target session's transport with a known
// reason string.
func (h *Hub) DisconnectClient(id, reason string) bool {
	s, ok := h.Session(id)
	if !ok {
		return false
	}
	s.close(reason)
	return true
}

// ClientCount returns the number of live sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// P2PConnectedCount returns how many sessions have a connected P2P leg.
func (h *Hub) P2PConnectedCount() int {
	n := 0
	for _, s := range h.sessionList() {
		if s.p2pConnected() {
			n++
		}
	}
	return n
}

// ClientSnapshot is one row of the dashboard client list.
type ClientSnapshot struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
	P2PState    string `json:"p2pState"`
}

func (h *Hub) ClientSnapshots() []ClientSnapshot {
	sessions := h.sessionList()
	out := make([]ClientSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ClientSnapshot{
			ClientID:    s.id,
			DisplayName: s.DisplayName(),
			P2PState:    s.p2pState(),
		})
	}
	return out
}

// HolderInfo returns the floor holder and its display name for the
// dashboard; ok is false when idle.
func (h *Hub) HolderInfo() (id, name string, ok bool) {
	holder, _ := h.arbiter.Holder()
	if holder == "" {
		return "", "", false
	}
	return holder, h.holderName(holder), true
}

func (h *Hub) StartedAt() time.Time {
	return h.startedAt
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	for _, s := range h.sessionList() {
		s.close("server_shutdown")
	}
}

// iceServers builds the webrtc configuration advertised to clients and
// used for the server-side peer connections.
func (h *Hub) iceServers() []webrtc.ICEServer {
	if h.cfg.StunServer == "" {
		return nil
	}
	return []webrtc.ICEServer{{URLs: []string{h.cfg.StunServer}}}
}

func (h *Hub) protocolICEServers() []protocol.ICEServer {
	if h.cfg.StunServer == "" {
		return []protocol.ICEServer{}
	}
	return []protocol.ICEServer{{URLs: []string{h.cfg.StunServer}}}
}
