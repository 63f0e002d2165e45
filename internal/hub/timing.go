// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package hub

import "time"

const (
	HeartbeatInterval = 30 * time.Second

	ICERestartTimeout     = 5 * time.Second
	ICERestartMaxAttempts = 5
	ICERestartCooldown    = 10 * time.Second

	P2PCleanupGrace = 15 * time.Second

	MaxPendingCandidates = 64

	// Opus/RTP constants shared with the audio pipeline.
	OpusPayloadType = 111
	SamplesPerFrame = 960 // 20 ms at 48 kHz
)
