// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package hub

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/protocol"
	"github.com/pttbox/pttbox/internal/sdputil"
)

// handleOffer establishes the main peer connection: the inbound leg that
// carries the client's microphone to the server.
func (s *Session) handleOffer(sdp string) {
	s.mu.Lock()
	if s.mainPC != nil {
		s.mu.Unlock()
		s.logger.Warn("duplicate offer ignored")
		return
	}
	stopTimer(&s.offerTimer)
	s.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: s.hub.iceServers()})
	if err != nil {
		s.logger.Error("main pc create failed", "error", err)
		s.close("main_pc_create_failed")
		return
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		s.logger.Error("main transceiver add failed", "error", err)
		pc.Close()
		s.close("main_pc_create_failed")
		return
	}

	gen := s.gen.Load()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.gen.Load() != gen {
			return
		}
		init := c.ToJSON()
		s.send(protocol.CandidateMessage{
			Type: protocol.TypeICECandidate,
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
		s.onMainState(gen, state)
	})

	// The main uplink is drained but not consumed: holder audio is taken
	// from the P2P leg. Leaving the track unread would back up the SRTP
	// buffers.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Debug("main track started", "codec", track.Codec().MimeType)
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	})

	s.mu.Lock()
	s.mainPC = pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		s.logger.Error("main remote description failed", "error", err)
		s.close("bad_offer")
		return
	}

	s.mu.Lock()
	s.mainRemoteSet = true
	pending := s.mainPending.drain()
	s.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			s.logger.Debug("pending candidate rejected", "error", err)
		}
	}

	if !s.answerMain(pc, protocol.TypeAnswer) {
		return
	}
	s.logger.Info("main answer sent")
}

// answerMain creates, munges and applies the local answer, then sends it
// as msgType (answer or ice_restart_answer).
func (s *Session) answerMain(pc *webrtc.PeerConnection, msgType string) bool {
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.logger.Error("answer create failed", "error", err)
		s.close("answer_failed")
		return false
	}
	answer.SDP = sdputil.ForceOpusMono(answer.SDP)
	if err := pc.SetLocalDescription(answer); err != nil {
		s.logger.Error("local description failed", "error", err)
		s.close("answer_failed")
		return false
	}
	s.send(protocol.SDPMessage{Type: msgType, SDP: answer.SDP})
	return true
}

func (s *Session) handleMainCandidate(c *protocol.Candidate) {
	if c == nil || c.Candidate == "" {
		return
	}
	init := toICECandidateInit(c)

	s.mu.Lock()
	if s.mainPC == nil || !s.mainRemoteSet {
		s.mainPending.push(init, s.logger)
		s.mu.Unlock()
		return
	}
	pc := s.mainPC
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		s.logger.Debug("main candidate rejected", "error", err)
	}
}

func (s *Session) onMainState(gen uint64, state webrtc.PeerConnectionState) {
	s.logger.Debug("main pc state", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		wasRestarting := s.iceRestartInProgress
		s.iceRestartInProgress = false
		s.iceRestartAttempts = 0
		if wasRestarting {
			s.iceRestartSuccessAt = time.Now()
		}
		stopTimer(&s.iceRestartTimer)
		needP2P := s.p2p == nil
		s.mu.Unlock()

		if wasRestarting {
			s.logger.Info("ice restart succeeded")
		}

		s.send(protocol.ClientList{
			Type:    protocol.TypeClientList,
			Clients: s.hub.clientInfos(s.id),
		})
		if needP2P {
			s.createP2P(gen)
		}

	case webrtc.PeerConnectionStateDisconnected:
		s.maybeRequestICERestart(gen)

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.close("main_pc_" + state.String())
	}
}

// maybeRequestICERestart prompts the client to restart ICE after a
// disconnect, unless a restart is already running or one just succeeded
// (the ICE layer oscillates during the handshake; the cooldown absorbs
// that).
func (s *Session) maybeRequestICERestart(gen uint64) {
	s.mu.Lock()
	if s.closed || s.iceRestartInProgress {
		s.mu.Unlock()
		return
	}
	if !s.iceRestartSuccessAt.IsZero() && time.Since(s.iceRestartSuccessAt) < ICERestartCooldown {
		s.mu.Unlock()
		s.logger.Debug("disconnect within restart cooldown, ignoring")
		return
	}
	if s.iceRestartAttempts >= ICERestartMaxAttempts {
		s.mu.Unlock()
		s.close("ice_restart_exhausted")
		return
	}
	s.iceRestartAttempts++
	attempt := s.iceRestartAttempts
	stopTimer(&s.iceRestartTimer)
	s.iceRestartTimer = time.AfterFunc(ICERestartTimeout, func() { s.onICERestartTimeout(gen) })
	s.mu.Unlock()

	s.logger.Info("requesting ice restart", "attempt", attempt)
	s.send(protocol.Plain{Type: protocol.TypeRequestICERestart})
}

func (s *Session) onICERestartTimeout(gen uint64) {
	if s.gen.Load() != gen {
		return
	}

	s.mu.Lock()
	pc := s.mainPC
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return
	}

	s.mu.Lock()
	s.iceRestartInProgress = false
	if s.iceRestartAttempts >= ICERestartMaxAttempts {
		s.mu.Unlock()
		s.close("ice_restart_exhausted")
		return
	}
	s.iceRestartAttempts++
	attempt := s.iceRestartAttempts
	s.iceRestartTimer = time.AfterFunc(ICERestartTimeout, func() { s.onICERestartTimeout(gen) })
	s.mu.Unlock()

	s.logger.Warn("ice restart timed out, prompting again", "attempt", attempt)
	s.send(protocol.Plain{Type: protocol.TypeRequestICERestart})
}

// handleICERestartOffer applies the client's fresh-credential offer and
// answers on the existing main PC.
func (s *Session) handleICERestartOffer(sdp string) {
	s.mu.Lock()
	pc := s.mainPC
	if pc == nil {
		s.mu.Unlock()
		s.logger.Warn("ice restart offer without main pc, ignored")
		return
	}
	gen := s.gen.Load()
	s.iceRestartInProgress = true
	stopTimer(&s.iceRestartTimer)
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		s.logger.Error("ice restart remote description failed", "error", err)
		s.close("bad_restart_offer")
		return
	}

	if !s.answerMain(pc, protocol.TypeICERestartAnswer) {
		return
	}

	// The transition may still stall; keep a deadline on it.
	s.mu.Lock()
	s.iceRestartTimer = time.AfterFunc(ICERestartTimeout, func() { s.onICERestartTimeout(gen) })
	s.mu.Unlock()

	s.logger.Info("ice restart answer sent")
}
