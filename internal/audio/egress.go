// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pttbox/pttbox/internal/config"
	"github.com/pttbox/pttbox/internal/hub"
	"github.com/pttbox/pttbox/internal/ogg"
)

const (
	recorderCloseWait = 5 * time.Second
	stdinWriteTimeout = 200 * time.Millisecond

	spawnFailWindow    = time.Minute
	spawnFailLimit     = 3
	spawnDisablePeriod = 5 * time.Minute
)

// sink is one audio subprocess fed Ogg/Opus over stdin.
type sink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ogg   *ogg.Writer
}

// writePacket frames one Opus packet onto stdin under a short deadline so
// a wedged subprocess cannot back up the RTP pipeline.
func (s *sink) writePacket(payload []byte, samples uint64) error {
	if f, ok := s.stdin.(*os.File); ok {
		f.SetWriteDeadline(time.Now().Add(stdinWriteTimeout))
	}
	return s.ogg.WritePacket(payload, samples)
}

// close shuts stdin and waits for the subprocess, killing it after the
// deadline. The graceful path lets ffmpeg flush its output file.
func (s *sink) close(wait time.Duration) error {
	s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(wait):
		s.cmd.Process.Kill()
		return <-done
	}
}

func (s *sink) kill() {
	s.stdin.Close()
	s.cmd.Process.Kill()
	go s.cmd.Wait()
}

// spawnGate disables speaker respawn for a while after repeated failures,
// so a broken audio setup does not fork-bomb the box.
type spawnGate struct {
	failures      []time.Time
	disabledUntil time.Time
}

func (g *spawnGate) allowed(now time.Time) bool {
	return !now.Before(g.disabledUntil)
}

// recordFailure notes one failed spawn; returns true when the gate just
// tripped.
func (g *spawnGate) recordFailure(now time.Time) bool {
	kept := g.failures[:0]
	for _, t := range g.failures {
		if now.Sub(t) < spawnFailWindow {
			kept = append(kept, t)
		}
	}
	g.failures = append(kept, now)

	if len(g.failures) >= spawnFailLimit {
		g.disabledUntil = now.Add(spawnDisablePeriod)
		g.failures = nil
		return true
	}
	return false
}

// recording is one in-flight floor session being written to disk. The
// file lands in the temp dir and moves to the recordings dir on stop, so
// the uploader never sees a half-written wav.
type recording struct {
	sink      *sink
	tempPath  string
	finalPath string
}

// Egress plays the floor holder's audio on the local speaker and records
// it to wav. Implements the hub's AudioEgress.
type Egress struct {
	cfg    *config.Config
	logger *slog.Logger

	mu          sync.Mutex
	speaker     *sink
	speakerGate spawnGate
	rec         *recording
}

func NewEgress(cfg *config.Config) *Egress {
	return &Egress{cfg: cfg, logger: slog.With("component", "egress")}
}

// StartRecording spawns the wav transcoder for one floor session.
func (e *Egress) StartRecording(clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec != nil {
		e.logger.Warn("recording already running, finalizing previous")
		e.stopRecordingLocked()
	}

	if err := os.MkdirAll(e.cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	if err := os.MkdirAll(e.cfg.RecordingsDir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}

	ts := time.Now().Format("20060102_150405")
	tempPath := filepath.Join(e.cfg.TempDir, fmt.Sprintf("recording_%s_%s.wav", ts, clientID))
	finalPath := filepath.Join(e.cfg.RecordingsDir, fmt.Sprintf("web_%s_%s.wav", ts, clientID))

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "ogg", "-i", "pipe:0",
		"-ar", "44100", "-ac", "1",
		tempPath,
	)
	cmd.Stderr = io.Discard
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("recorder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}

	e.rec = &recording{
		sink: &sink{
			cmd:   cmd,
			stdin: stdin,
			ogg:   ogg.NewWriter(stdin, rand.Uint32(), 48000, 1),
		},
		tempPath:  tempPath,
		finalPath: finalPath,
	}
	e.logger.Info("recording started", "client_id", clientID, "temp", tempPath)
	return nil
}

// StopRecording finalizes the in-flight recording, if any. A per-session
// speaker is closed here too so its buffer drains at end of transmission.
func (e *Egress) StopRecording() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopRecordingLocked()

	if e.speaker != nil && !e.cfg.UsePythonAudio {
		e.speaker.close(recorderCloseWait)
		e.speaker = nil
	}
}

func (e *Egress) stopRecordingLocked() {
	r := e.rec
	if r == nil {
		return
	}
	e.rec = nil

	if err := r.sink.close(recorderCloseWait); err != nil {
		e.logger.Warn("recorder exited uncleanly", "error", err)
	}

	// An empty temp file means the encoder died before writing anything;
	// nothing worth keeping.
	if fi, err := os.Stat(r.tempPath); err != nil || fi.Size() == 0 {
		os.Remove(r.tempPath)
		e.logger.Warn("recording empty, dropped", "temp", r.tempPath)
		return
	}

	dest := uniquePath(r.finalPath)
	if err := moveFile(r.tempPath, dest); err != nil {
		e.logger.Error("recording finalize failed", "temp", r.tempPath, "error", err)
		return
	}
	e.logger.Info("recording saved", "file", filepath.Base(dest))
}

// WritePayload feeds one Opus frame to the recorder and the speaker.
func (e *Egress) WritePayload(payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec != nil {
		err := e.rec.sink.writePacket(payload, hub.SamplesPerFrame)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			e.logger.Warn("recorder stdin stalled, frame dropped")
		default:
			e.logger.Error("recorder write failed, finalizing", "error", err)
			e.stopRecordingLocked()
		}
	}

	if !e.cfg.EnableLocalAudio {
		return
	}
	if e.speaker == nil {
		e.speaker = e.spawnSpeakerLocked()
		if e.speaker == nil {
			return
		}
	}
	if err := e.speaker.writePacket(payload, hub.SamplesPerFrame); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			e.logger.Warn("speaker stdin stalled, frame dropped")
			return
		}
		e.logger.Warn("speaker write failed, dropping sink", "error", err)
		e.speaker.kill()
		e.speaker = nil
		if e.speakerGate.recordFailure(time.Now()) {
			e.logger.Error("speaker failing repeatedly, disabled", "for", spawnDisablePeriod)
		}
	}
}

// spawnSpeakerLocked starts the playback subprocess, honoring the failure
// gate. The python helper keeps one long-lived process; otherwise ffplay
// runs per transmission.
func (e *Egress) spawnSpeakerLocked() *sink {
	now := time.Now()
	if !e.speakerGate.allowed(now) {
		return nil
	}

	var cmd *exec.Cmd
	if e.cfg.UsePythonAudio {
		cmd = exec.Command("python", "audio_player.py", "--device", strconv.Itoa(e.cfg.SpeakerDeviceID))
	} else {
		cmd = exec.Command("ffplay", "-nodisp", "-loglevel", "quiet", "-f", "ogg", "-i", "pipe:0")
	}
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		e.logger.Warn("speaker spawn failed", "error", err)
		if e.speakerGate.recordFailure(now) {
			e.logger.Error("speaker failing repeatedly, disabled", "for", spawnDisablePeriod)
		}
		return nil
	}

	e.logger.Info("speaker started", "pid", cmd.Process.Pid, "python", e.cfg.UsePythonAudio)
	return &sink{
		cmd:   cmd,
		stdin: stdin,
		ogg:   ogg.NewWriter(stdin, rand.Uint32(), 48000, 1),
	}
}

// PausePlayback kills the speaker subprocess so buffered audio stops
// immediately. It respawns lazily on the next frame.
func (e *Egress) PausePlayback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speaker == nil {
		return
	}
	e.logger.Info("playback paused, killing speaker")
	e.speaker.kill()
	e.speaker = nil
}

// Close finalizes the recording and stops the speaker.
func (e *Egress) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopRecordingLocked()
	if e.speaker != nil {
		e.speaker.close(recorderCloseWait)
		e.speaker = nil
	}
}

// uniquePath returns path, or path with a numeric suffix when a file is
// already there.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// moveFile renames src to dest, copying across filesystems when rename
// fails.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
