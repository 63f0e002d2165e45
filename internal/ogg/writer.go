// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package ogg frames Opus packets into Ogg pages and parses them back.
// The writer keeps its granule and page-sequence counters across floor
// sessions, which persistent speaker sinks rely on: re-sending headers or
// resetting the granule clock makes downstream decoders reset.
package ogg

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	capturePattern = "OggS"

	headerTypeContinued = 0x01
	headerTypeBOS       = 0x02
	headerTypeEOS       = 0x04

	// Opus-in-Ogg header magics.
	opusHeadMagic = "OpusHead"
	opusTagsMagic = "OpusTags"

	maxSegmentSize = 255
)

// Writer emits an Opus-in-Ogg stream, one data page per packet.
type Writer struct {
	w          io.Writer
	serial     uint32
	sampleRate uint32
	channels   uint8

	pageSeq       uint32
	granule       uint64
	headerWritten bool
}

func NewWriter(w io.Writer, serial uint32, sampleRate uint32, channels uint8) *Writer {
	return &Writer{
		w:          w,
		serial:     serial,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// HeadersWritten reports whether the OpusHead/OpusTags pages went out.
func (wr *Writer) HeadersWritten() bool {
	return wr.headerWritten
}

// WriteHeaders emits the OpusHead BOS page (sequence 0) and the OpusTags
// comment page (sequence 1). Idempotent.
func (wr *Writer) WriteHeaders() error {
	if wr.headerWritten {
		return nil
	}

	head := make([]byte, 19)
	copy(head, opusHeadMagic)
	head[8] = 1            // version
	head[9] = wr.channels  // channel count
	binary.LittleEndian.PutUint16(head[10:], 0) // pre-skip
	binary.LittleEndian.PutUint32(head[12:], wr.sampleRate)
	binary.LittleEndian.PutUint16(head[16:], 0) // output gain
	head[18] = 0 // channel mapping family

	if err := wr.writePage(head, headerTypeBOS, 0); err != nil {
		return fmt.Errorf("write OpusHead: %w", err)
	}

	vendor := "pttbox"
	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags, opusTagsMagic)
	binary.LittleEndian.PutUint32(tags[8:], uint32(len(vendor)))
	copy(tags[12:], vendor)
	binary.LittleEndian.PutUint32(tags[12+len(vendor):], 0) // comment count

	if err := wr.writePage(tags, 0, 0); err != nil {
		return fmt.Errorf("write OpusTags: %w", err)
	}

	wr.headerWritten = true
	return nil
}

// WritePacket frames one Opus packet as a data page, advancing the granule
// position by samples (960 for a 20 ms frame at 48 kHz).
func (wr *Writer) WritePacket(packet []byte, samples uint64) error {
	if !wr.headerWritten {
		if err := wr.WriteHeaders(); err != nil {
			return err
		}
	}
	wr.granule += samples
	return wr.writePage(packet, 0, wr.granule)
}

// Granule returns the current granule position.
func (wr *Writer) Granule() uint64 {
	return wr.granule
}

func (wr *Writer) writePage(payload []byte, headerType byte, granule uint64) error {
	nsegs := len(payload)/maxSegmentSize + 1
	if nsegs > 255 {
		return fmt.Errorf("packet too large for a single page: %d bytes", len(payload))
	}

	page := make([]byte, 27+nsegs+len(payload))
	copy(page, capturePattern)
	page[4] = 0 // version
	page[5] = headerType
	binary.LittleEndian.PutUint64(page[6:], granule)
	binary.LittleEndian.PutUint32(page[14:], wr.serial)
	binary.LittleEndian.PutUint32(page[18:], wr.pageSeq)
	// page[22:26] CRC, filled below
	page[26] = byte(nsegs)

	remaining := len(payload)
	for i := 0; i < nsegs; i++ {
		if remaining >= maxSegmentSize {
			page[27+i] = maxSegmentSize
			remaining -= maxSegmentSize
		} else {
			page[27+i] = byte(remaining)
			remaining = 0
		}
	}
	copy(page[27+nsegs:], payload)

	binary.LittleEndian.PutUint32(page[22:], Checksum(page))

	wr.pageSeq++
	_, err := wr.w.Write(page)
	return err
}
