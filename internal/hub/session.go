// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/protocol"
)

// transport is the duplex signaling channel a session owns. Abstracted so
// tests can drive a session without a real WebSocket.
type transport interface {
	WriteJSON(v any) error
	Ping(deadline time.Time) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Ping(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Session is one connected client. All of its signaling state is guarded
// by mu; the generation counter lets peer-connection callbacks detect that
// they fired against an already-torn-down session.
type Session struct {
	hub    *Hub
	id     string
	tr     transport
	logger *slog.Logger

	writeMu sync.Mutex
	gen     atomic.Uint64

	mu             sync.Mutex
	displayName    string
	closed         bool
	heartbeatAlive bool

	mainPC        *webrtc.PeerConnection
	mainRemoteSet bool
	mainPending   candidateQueue

	iceRestartInProgress bool
	iceRestartAttempts   int
	iceRestartSuccessAt  time.Time
	iceRestartTimer      *time.Timer

	offerTimer *time.Timer

	p2p *p2pLink
}

func newSession(h *Hub, id string, tr transport) *Session {
	return &Session{
		hub:            h,
		id:             id,
		tr:             tr,
		heartbeatAlive: true,
		logger:         slog.With("component", "session", "client_id", id),
	}
}

// ClientID returns the stable session id.
func (s *Session) ClientID() string {
	return s.id
}

// DisplayName returns the client's chosen name, falling back to the id.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.displayName != "" {
		return s.displayName
	}
	return s.id
}

// send is best-effort: an unwritable channel drops the frame (audio keeps
// flowing over RTP) and the heartbeat will reap a dead transport.
func (s *Session) send(env any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.tr.WriteJSON(env); err != nil {
		s.logger.Debug("dropping outbound frame", "error", err)
	}
}

func (s *Session) sendConfig() {
	cfg := protocol.Config{
		Type:       protocol.TypeConfig,
		ClientID:   s.id,
		ICEServers: s.hub.protocolICEServers(),
	}
	if s.hub.push != nil && s.hub.push.Enabled() {
		cfg.VapidPublicKey = s.hub.push.PublicKey()
	}
	s.send(cfg)
}

func (s *Session) sendCurrentStatus() {
	s.send(s.hub.CurrentStatus())
}

// run pumps the WebSocket until it closes. Heartbeat: a ping every cycle;
// a session whose previous ping got no pong is force-closed.
func (s *Session) run(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.heartbeatAlive = true
		s.mu.Unlock()
		return nil
	})

	s.mu.Lock()
	s.offerTimer = time.AfterFunc(s.hub.cfg.OfferTimeout, s.onOfferTimeout)
	s.mu.Unlock()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.heartbeatLoop(stopPing)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("transport closed", "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("malformed frame dropped", "error", err)
			continue
		}
		s.handleEnvelope(env)
	}
}

func (s *Session) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			alive := s.heartbeatAlive
			s.heartbeatAlive = false
			s.mu.Unlock()

			if !alive {
				s.close("heartbeat_timeout")
				return
			}
			if err := s.tr.Ping(time.Now().Add(5 * time.Second)); err != nil {
				s.close("ping_failed")
				return
			}
		}
	}
}

func (s *Session) onOfferTimeout() {
	s.mu.Lock()
	noOffer := s.mainPC == nil
	s.mu.Unlock()
	if noOffer {
		s.close("offer_timeout")
	}
}

func (s *Session) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeOffer:
		s.handleOffer(env.SDP)
	case protocol.TypeICECandidate:
		s.handleMainCandidate(env.Candidate)
	case protocol.TypeICERestartOffer:
		s.handleICERestartOffer(env.SDP)

	case protocol.TypeP2POffer, protocol.TypeP2PAnswer, protocol.TypeP2PICECandidate:
		if env.To != "" && env.To != ServerClientID {
			s.relaySignal(env)
			return
		}
		s.handleServerP2P(env)

	case protocol.TypePTTRequest:
		s.hub.requestFloor(s)
	case protocol.TypePTTRelease:
		s.hub.releaseFloor(s)

	case protocol.TypeSetDisplayName:
		s.setDisplayName(env.DisplayName)
	case protocol.TypePushSubscribe:
		if s.hub.push != nil {
			s.hub.push.Subscribe(s.id, env.Subscription)
		}
	case protocol.TypeRequestP2PReconnect:
		s.handleP2PReconnect()

	default:
		s.logger.Warn("unknown envelope type dropped", "type", env.Type)
	}
}

// relaySignal forwards a client↔client P2P envelope to its target,
// substituting the sender id. Unknown targets are dropped; the clients
// treat unreachable peers as departed.
func (s *Session) relaySignal(env protocol.Envelope) {
	out := protocol.Signal{
		Type:      env.Type,
		From:      s.id,
		SDP:       env.SDP,
		Candidate: env.Candidate,
	}
	if !s.hub.sendTo(env.To, out) {
		s.logger.Debug("relay target unknown, dropped", "to", env.To, "type", env.Type)
	}
}

func (s *Session) setDisplayName(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	s.displayName = name
	s.mu.Unlock()

	s.hub.names.Set(s.id, name)
	s.logger.Info("display name set", "display_name", name)
}

// close force-closes the transport; the read pump exit drives the full
// teardown in the hub.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("closing session", "reason", reason)
	s.tr.Close()
}

// destroy cancels every timer and closes both peer connections. The
// generation bump plus handler nulling keeps late ICE/state events from
// touching the dead session.
func (s *Session) destroy() {
	s.gen.Add(1)

	s.mu.Lock()
	s.closed = true
	stopTimer(&s.offerTimer)
	stopTimer(&s.iceRestartTimer)
	mainPC := s.mainPC
	s.mainPC = nil
	s.mainRemoteSet = false
	s.mainPending.reset()
	link := s.p2p
	s.p2p = nil
	s.mu.Unlock()

	if mainPC != nil {
		detachHandlers(mainPC)
		mainPC.Close()
	}
	if link != nil {
		link.destroy()
	}
	s.tr.Close()
}

func (s *Session) p2pConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p2p != nil && s.p2p.connected
}

func (s *Session) p2pState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p2p == nil {
		return "none"
	}
	return s.p2p.state.String()
}

// writeDownlink pushes one RTP packet onto the session's outbound P2P
// track, if the leg is up. The connected flag is only valid under mu; the
// track write itself happens outside the lock.
func (s *Session) writeDownlink(pkt *rtp.Packet) {
	s.mu.Lock()
	var track rtpWriter
	if s.p2p != nil && s.p2p.connected {
		track = s.p2p.track
	}
	s.mu.Unlock()

	if track == nil {
		return
	}
	if err := track.WriteRTP(pkt); err != nil {
		s.logger.Debug("downlink write failed", "error", err)
	}
}

// detachHandlers nulls every event callback so nothing fires during or
// after Close.
func detachHandlers(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(nil)
	pc.OnConnectionStateChange(nil)
	pc.OnICEConnectionStateChange(nil)
	pc.OnTrack(nil)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// candidateQueue buffers trickle candidates that arrive before the remote
// description, drained FIFO once it lands. Bounded; overflow is dropped.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit, logger *slog.Logger) {
	if len(q.items) >= MaxPendingCandidates {
		logger.Warn("pending candidate queue full, dropping candidate")
		return
	}
	q.items = append(q.items, c)
}

func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) reset() {
	q.items = nil
}

func toICECandidateInit(c *protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
