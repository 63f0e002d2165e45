// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package ogg

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Page is one parsed Ogg page. Packets holds the completed packets that
// ended on this page; a packet spilling onto the next page is carried
// internally by the Reader.
type Page struct {
	HeaderType byte
	Granule    uint64
	Serial     uint32
	Sequence   uint32
	Packets    [][]byte
}

// Reader is a streaming Ogg page parser for pipe input. It does not seek
// and tolerates only well-formed input; a bad capture pattern is an error
// (the subprocess wrote garbage, there is no resync point worth hunting).
type Reader struct {
	br      *bufio.Reader
	partial []byte // packet continued from the previous page
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadPage reads and parses the next page.
func (r *Reader) ReadPage() (*Page, error) {
	header := make([]byte, 27)
	if _, err := io.ReadFull(r.br, header); err != nil {
		return nil, err
	}
	if string(header[:4]) != capturePattern {
		return nil, fmt.Errorf("bad ogg capture pattern %q", header[:4])
	}

	page := &Page{
		HeaderType: header[5],
		Granule:    binary.LittleEndian.Uint64(header[6:]),
		Serial:     binary.LittleEndian.Uint32(header[14:]),
		Sequence:   binary.LittleEndian.Uint32(header[18:]),
	}

	nsegs := int(header[26])
	lacing := make([]byte, nsegs)
	if _, err := io.ReadFull(r.br, lacing); err != nil {
		return nil, err
	}

	total := 0
	for _, l := range lacing {
		total += int(l)
	}
	payload := make([]byte, total)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, err
	}

	packet := r.partial
	r.partial = nil
	off := 0
	for _, l := range lacing {
		packet = append(packet, payload[off:off+int(l)]...)
		off += int(l)
		if l < maxSegmentSize {
			page.Packets = append(page.Packets, packet)
			packet = nil
		}
	}
	r.partial = packet // non-nil when the last lacing value was 255

	return page, nil
}

// PacketReader yields Opus audio packets from an Opus-in-Ogg stream,
// skipping the OpusHead and OpusTags header pages.
type PacketReader struct {
	r       *Reader
	pending [][]byte
}

func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: NewReader(r)}
}

// ReadPacket returns the next audio packet.
func (pr *PacketReader) ReadPacket() ([]byte, error) {
	for len(pr.pending) == 0 {
		page, err := pr.r.ReadPage()
		if err != nil {
			return nil, err
		}
		for _, pkt := range page.Packets {
			if isHeaderPacket(pkt) {
				continue
			}
			pr.pending = append(pr.pending, pkt)
		}
	}
	pkt := pr.pending[0]
	pr.pending = pr.pending[1:]
	return pkt, nil
}

func isHeaderPacket(pkt []byte) bool {
	if len(pkt) < 8 {
		return false
	}
	magic := string(pkt[:8])
	return magic == opusHeadMagic || magic == opusTagsMagic
}
