// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package ogg

// Ogg uses CRC-32 with polynomial 0x04C11DB7, non-reflected, initial value
// 0 and no final xor. This is not the Ethernet variant in hash/crc32.

var crcTable = buildCRCTable()

func buildCRCTable() [256]uint32 {
	var table [256]uint32
	const poly = 0x04C11DB7
	for i := 0; i < 256; i++ {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}

// Checksum computes the Ogg page CRC over data (the page with the CRC
// field zeroed).
func Checksum(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
