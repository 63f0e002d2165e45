// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package protocol defines the JSON envelopes exchanged over the signaling
// WebSocket. One JSON object per frame; every envelope carries a type tag.
package protocol

import "encoding/json"

// Envelope type tags.
const (
	// server → client
	TypeConfig            = "config"
	TypeAnswer            = "answer"
	TypeICECandidate      = "ice-candidate"
	TypeICERestartAnswer  = "ice_restart_answer"
	TypeRequestICERestart = "request_ice_restart"
	TypeClientList        = "client_list"
	TypeClientJoined      = "client_joined"
	TypeClientLeft        = "client_left"
	TypePTTGranted        = "ptt_granted"
	TypePTTDenied         = "ptt_denied"
	TypePTTStatus         = "ptt_status"

	// client → server
	TypeOffer               = "offer"
	TypeICERestartOffer     = "ice_restart_offer"
	TypePTTRequest          = "ptt_request"
	TypePTTRelease          = "ptt_release"
	TypeSetDisplayName      = "set_display_name"
	TypePushSubscribe       = "push_subscribe"
	TypeRequestP2PReconnect = "request_p2p_reconnect"

	// both directions (server-originated or peer-relayed)
	TypeP2POffer        = "p2p_offer"
	TypeP2PAnswer       = "p2p_answer"
	TypeP2PICECandidate = "p2p_ice_candidate"
)

// PTT status states.
const (
	StateIdle         = "idle"
	StateTransmitting = "transmitting"
)

// Envelope is the inbound client frame. Fields are populated depending on
// Type; unknown types are logged and dropped by the session.
type Envelope struct {
	Type string `json:"type"`

	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// P2P signaling routing
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	DisplayName  string          `json:"displayName,omitempty"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
}

type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config is the one-shot first frame after accept.
type Config struct {
	Type           string      `json:"type"`
	ClientID       string      `json:"clientId"`
	ICEServers     []ICEServer `json:"iceServers"`
	VapidPublicKey string      `json:"vapidPublicKey,omitempty"`
}

// SDPMessage covers answer and ice_restart_answer.
type SDPMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidateMessage is a trickle candidate for the main PC.
type CandidateMessage struct {
	Type      string     `json:"type"`
	Candidate *Candidate `json:"candidate"`
}

// Signal carries p2p_offer/p2p_answer/p2p_ice_candidate in either
// direction. From is rewritten by the relay; To is consumed by it.
type Signal struct {
	Type      string     `json:"type"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

type ClientInfo struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

type ClientList struct {
	Type    string       `json:"type"`
	Clients []ClientInfo `json:"clients"`
}

type ClientEvent struct {
	Type        string `json:"type"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PTTStatus is broadcast after every floor transition. Speaker is an
// explicit null when the floor is idle.
type PTTStatus struct {
	Type        string  `json:"type"`
	State       string  `json:"state"`
	Speaker     *string `json:"speaker"`
	SpeakerName *string `json:"speakerName"`
}

// PTTReply answers the requester: ptt_granted or ptt_denied. Speaker and
// SpeakerName name the current holder on denial.
type PTTReply struct {
	Type        string `json:"type"`
	Speaker     string `json:"speaker,omitempty"`
	SpeakerName string `json:"speakerName,omitempty"`
}

// Plain is a bare type-only frame (request_ice_restart).
type Plain struct {
	Type string `json:"type"`
}

// IdleStatus builds the idle ptt_status broadcast.
func IdleStatus() PTTStatus {
	return PTTStatus{Type: TypePTTStatus, State: StateIdle}
}

// TransmittingStatus builds the transmitting ptt_status broadcast.
func TransmittingStatus(speaker, speakerName string) PTTStatus {
	return PTTStatus{
		Type:        TypePTTStatus,
		State:       StateTransmitting,
		Speaker:     &speaker,
		SpeakerName: &speakerName,
	}
}
