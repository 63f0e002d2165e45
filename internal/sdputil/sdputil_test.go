// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package sdputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sdpWithFmtp = "v=0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 103\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:103 ISAC/16000\r\n"

const sdpWithoutFmtp = "v=0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

func TestAppendsToExistingFmtp(t *testing.T) {
	out := ForceOpusMono(sdpWithFmtp)
	// The whole fmtp line, CRLF ending intact: the params must sit before
	// the line terminator, not after a swallowed \r.
	assert.Contains(t, out, "a=fmtp:111 minptime=10;useinbandfec=1;stereo=0;sprop-stereo=0\r\n")
	assert.NotContains(t, out, "\r;stereo=0")
	// Unrelated lines pass through untouched.
	assert.Contains(t, out, "a=rtpmap:103 ISAC/16000")
}

func TestInsertsFmtpWhenMissing(t *testing.T) {
	out := ForceOpusMono(sdpWithoutFmtp)
	assert.Contains(t, out, "a=rtpmap:111 opus/48000/2\r\na=fmtp:111 stereo=0;sprop-stereo=0")
}

func TestIdempotent(t *testing.T) {
	once := ForceOpusMono(sdpWithFmtp)
	twice := ForceOpusMono(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(twice, "stereo=0;sprop-stereo=0"))

	once = ForceOpusMono(sdpWithoutFmtp)
	twice = ForceOpusMono(once)
	assert.Equal(t, once, twice)
}

func TestNoOpusLeavesSDPAlone(t *testing.T) {
	sdp := "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=rtpmap:96 VP8/90000\r\n"
	assert.Equal(t, sdp, ForceOpusMono(sdp))
}

func TestOnlyTargetPayloadTypeTouched(t *testing.T) {
	sdp := sdpWithFmtp + "a=fmtp:103 mode=30\r\n"
	out := ForceOpusMono(sdp)
	assert.Contains(t, out, "a=fmtp:103 mode=30")
	assert.Equal(t, 1, strings.Count(out, "stereo=0;sprop-stereo=0"))
}
