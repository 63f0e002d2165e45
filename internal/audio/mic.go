// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package audio runs the local capture and playback subprocesses and
// bridges them to the RTP fan-out: microphone in, speaker and recorder
// out. All audio crossing this package is Opus, framed as Ogg on the
// subprocess pipes and as RTP toward the peers.
package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os/exec"
	"runtime"
	"time"

	"github.com/pion/rtp"

	"github.com/pttbox/pttbox/internal/config"
	"github.com/pttbox/pttbox/internal/hub"
	"github.com/pttbox/pttbox/internal/ogg"
)

// FrameSink receives one 20 ms Opus frame as an RTP packet.
type FrameSink func(*rtp.Packet)

const micRespawnDelay = 2 * time.Second

// MicSource captures the server microphone through an ffmpeg subprocess
// and hands Opus frames to the sink. Sequence number and timestamp
// survive subprocess respawns so receivers see one continuous stream.
type MicSource struct {
	cfg    *config.Config
	sink   FrameSink
	logger *slog.Logger

	ssrc uint32
	seq  uint16
	ts   uint32
}

func NewMicSource(cfg *config.Config, sink FrameSink) *MicSource {
	return &MicSource{
		cfg:    cfg,
		sink:   sink,
		ssrc:   rand.Uint32(),
		logger: slog.With("component", "mic"),
	}
}

// Run captures until ctx is cancelled, respawning the subprocess when it
// dies. No-op when the server mic is disabled or no device is configured.
func (m *MicSource) Run(ctx context.Context) {
	if !m.cfg.EnableServerMic || m.cfg.MicDevice == "" {
		m.logger.Info("server microphone disabled")
		return
	}

	for {
		err := m.captureOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("mic capture exited, respawning", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(micRespawnDelay):
		}
	}
}

func (m *MicSource) captureOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", micArgs(m.cfg.MicDevice)...)
	cmd.Stderr = io.Discard
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	m.logger.Info("mic capture started", "device", m.cfg.MicDevice, "pid", cmd.Process.Pid)

	pr := ogg.NewPacketReader(stdout)
	for {
		pkt, err := pr.ReadPacket()
		if err != nil {
			cmd.Wait()
			if errors.Is(err, io.EOF) {
				return errors.New("mic stream ended")
			}
			return err
		}

		m.seq++
		m.ts += hub.SamplesPerFrame
		m.sink(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    hub.OpusPayloadType,
				SequenceNumber: m.seq,
				Timestamp:      m.ts,
				SSRC:           m.ssrc,
			},
			Payload: pkt,
		})
	}
}

// micArgs builds the ffmpeg capture command line for the host platform's
// native audio input.
func micArgs(device string) []string {
	var input []string
	switch runtime.GOOS {
	case "windows":
		input = []string{"-f", "dshow", "-i", "audio=" + device}
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":" + device}
	default:
		input = []string{"-f", "pulse", "-i", device}
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-ac", "1",
		"-ar", "48000",
		"-c:a", "libopus",
		"-b:a", "32k",
		"-frame_duration", "20",
		"-f", "ogg",
		"pipe:1",
	)
	return args
}
