// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package hub

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/protocol"
	"github.com/pttbox/pttbox/internal/sdputil"
)

// rtpWriter is the outbound track surface the fan-out writes to.
type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// p2pLink is the server-side peer of a client's fan-out connection. The
// server is always the offerer; the outbound track carries whatever the
// current floor holder is transmitting. Fields are guarded by the owning
// session's mu.
type p2pLink struct {
	pc    *webrtc.PeerConnection
	track rtpWriter

	state     webrtc.PeerConnectionState
	connected bool
	remoteSet bool
	pending   candidateQueue

	cleanupTimer *time.Timer
}

func (l *p2pLink) destroy() {
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
		l.cleanupTimer = nil
	}
	detachHandlers(l.pc)
	l.pc.Close()
}

// createP2P builds the fan-out leg toward this client and sends the offer.
// Any previous link is torn down first.
func (s *Session) createP2P(gen uint64) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: s.hub.iceServers()})
	if err != nil {
		s.logger.Error("p2p pc create failed", "error", err)
		return
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, "audio", "pttbox")
	if err != nil {
		s.logger.Error("p2p track create failed", "error", err)
		pc.Close()
		return
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		s.logger.Error("p2p track add failed", "error", err)
		pc.Close()
		return
	}
	// Drain sender RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	link := &p2pLink{pc: pc, track: track, state: webrtc.PeerConnectionStateNew}

	// Holder audio arrives on the P2P leg, not on the main PC.
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Debug("p2p track started", "codec", remote.Codec().MimeType)
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			s.hub.HandleHolderRTP(s.id, pkt)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.gen.Load() != gen {
			return
		}
		init := c.ToJSON()
		s.send(protocol.Signal{
			Type: protocol.TypeP2PICECandidate,
			From: ServerClientID,
			Candidate: &protocol.Candidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if s.gen.Load() != gen {
			return
		}
		s.onP2PState(gen, link, state)
	})

	s.mu.Lock()
	old := s.p2p
	s.p2p = link
	s.mu.Unlock()
	if old != nil {
		old.destroy()
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.logger.Error("p2p offer create failed", "error", err)
		s.dropP2P(link)
		return
	}
	offer.SDP = sdputil.ForceOpusMono(offer.SDP)

	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		s.logger.Error("p2p local description failed", "error", err)
		s.dropP2P(link)
		return
	}

	// Wait briefly for gathering so the offer carries host candidates;
	// stragglers still trickle afterwards.
	select {
	case <-gatherDone:
	case <-time.After(s.hub.cfg.ICEGatherTimeout):
		s.logger.Debug("p2p gather timeout, sending partial offer")
	}

	local := pc.LocalDescription()
	if local == nil {
		s.dropP2P(link)
		return
	}
	s.send(protocol.Signal{
		Type: protocol.TypeP2POffer,
		From: ServerClientID,
		SDP:  local.SDP,
	})
	s.logger.Info("p2p offer sent")
}

func (s *Session) onP2PState(gen uint64, link *p2pLink, state webrtc.PeerConnectionState) {
	s.logger.Debug("p2p state", "state", state.String())

	s.mu.Lock()
	if s.p2p != link {
		s.mu.Unlock()
		return
	}
	link.state = state

	switch state {
	case webrtc.PeerConnectionStateConnected:
		link.connected = true
		if link.cleanupTimer != nil {
			link.cleanupTimer.Stop()
			link.cleanupTimer = nil
		}
		s.mu.Unlock()
		s.logger.Info("p2p connected")

	case webrtc.PeerConnectionStateDisconnected:
		link.connected = false
		// Give ICE a grace window to recover before tearing down.
		if link.cleanupTimer == nil {
			link.cleanupTimer = time.AfterFunc(P2PCleanupGrace, func() {
				if s.gen.Load() != gen {
					return
				}
				s.mu.Lock()
				stale := s.p2p == link && !link.connected
				s.mu.Unlock()
				if stale {
					s.logger.Info("p2p grace expired, tearing down")
					s.dropP2P(link)
				}
			})
		}
		s.mu.Unlock()

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		link.connected = false
		s.mu.Unlock()
		s.dropP2P(link)

	default:
		s.mu.Unlock()
	}
}

// dropP2P removes link if it is still the session's current one and
// destroys it. The client re-establishes via request_p2p_reconnect.
func (s *Session) dropP2P(link *p2pLink) {
	s.mu.Lock()
	if s.p2p == link {
		s.p2p = nil
	}
	s.mu.Unlock()
	link.destroy()
}

// handleServerP2P processes p2p_* envelopes addressed to the server side
// of this client's fan-out leg.
func (s *Session) handleServerP2P(env protocol.Envelope) {
	s.mu.Lock()
	link := s.p2p
	s.mu.Unlock()
	if link == nil {
		s.logger.Warn("p2p signal without link, dropped", "type", env.Type)
		return
	}

	switch env.Type {
	case protocol.TypeP2PAnswer:
		if err := link.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  env.SDP,
		}); err != nil {
			s.logger.Error("p2p remote description failed", "error", err)
			s.dropP2P(link)
			return
		}
		s.mu.Lock()
		link.remoteSet = true
		pending := link.pending.drain()
		s.mu.Unlock()
		for _, c := range pending {
			if err := link.pc.AddICECandidate(c); err != nil {
				s.logger.Debug("p2p pending candidate rejected", "error", err)
			}
		}

	case protocol.TypeP2PICECandidate:
		if env.Candidate == nil || env.Candidate.Candidate == "" {
			return
		}
		init := toICECandidateInit(env.Candidate)
		s.mu.Lock()
		if !link.remoteSet {
			link.pending.push(init, s.logger)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if err := link.pc.AddICECandidate(init); err != nil {
			s.logger.Debug("p2p candidate rejected", "error", err)
		}

	default:
		// The server only ever offers; a p2p_offer aimed at it is a
		// client bug.
		s.logger.Warn("unexpected p2p signal for server, dropped", "type", env.Type)
	}
}

// handleP2PReconnect tears down the existing fan-out leg and re-offers.
func (s *Session) handleP2PReconnect() {
	s.logger.Info("p2p reconnect requested")

	s.mu.Lock()
	old := s.p2p
	s.p2p = nil
	// A reconnect request supersedes any main-PC restart still pending.
	stopTimer(&s.iceRestartTimer)
	s.iceRestartInProgress = false
	s.mu.Unlock()
	if old != nil {
		old.destroy()
	}

	s.createP2P(s.gen.Load())
}
