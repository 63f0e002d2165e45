// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package sdputil rewrites SDP as a string transform. Only the Opus fmtp
// tokens are touched; everything else passes through verbatim, so the
// behavior stays stable across webrtc library upgrades.
package sdputil

import (
	"fmt"
	"regexp"
)

var opusRtpmapRe = regexp.MustCompile(`a=rtpmap:(\d+) opus/48000/2`)

const monoParams = "stereo=0;sprop-stereo=0"

// ForceOpusMono ensures the Opus fmtp line carries stereo=0;sprop-stereo=0.
// Applied to every local description before setLocalDescription. Idempotent:
// an already-muted SDP comes back bit-identical.
func ForceOpusMono(sdp string) string {
	m := opusRtpmapRe.FindStringSubmatch(sdp)
	if m == nil {
		return sdp
	}
	payloadType := m[1]

	// SDP lines are CRLF-terminated; the capture must stop before the \r
	// or the appended params land behind it.
	fmtpRe := regexp.MustCompile(fmt.Sprintf(`a=fmtp:%s ([^\r\n]+)`, regexp.QuoteMeta(payloadType)))
	if fm := fmtpRe.FindStringSubmatch(sdp); fm != nil {
		if regexp.MustCompile(`(^|;)stereo=0;sprop-stereo=0($|;)`).MatchString(fm[1]) {
			return sdp
		}
		return fmtpRe.ReplaceAllString(sdp, fmt.Sprintf("a=fmtp:%s $1;%s", payloadType, monoParams))
	}

	// No fmtp line for this payload type; insert one after the rtpmap.
	rtpmapRe := regexp.MustCompile(fmt.Sprintf(`(a=rtpmap:%s opus/48000/2)`, regexp.QuoteMeta(payloadType)))
	return rtpmapRe.ReplaceAllString(sdp, fmt.Sprintf("$1\r\na=fmtp:%s %s", payloadType, monoParams))
}
