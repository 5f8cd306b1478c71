// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rsrc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// StringsPerBlock is the number of strings stored in one RT_STRING resource.
const StringsPerBlock = 16

// StringBlockID returns the RT_STRING resource ID holding string id.
func StringBlockID(id uint16) uint16 {
	return id>>4 + 1
}

// StringBlockIndex returns the position of string id within its block.
func StringBlockIndex(id uint16) int {
	return int(id & 15)
}

// DecodeStringBlock decodes the sixteen length-prefixed UTF-16 strings of an
// RT_STRING resource. Trailing padding is ignored.
func DecodeStringBlock(b []byte) ([StringsPerBlock]string, error) {
	var out [StringsPerBlock]string
	off := 0
	for i := range out {
		if off+2 > len(b) {
			return out, fmt.Errorf("%w: string block truncated at entry %d", ErrMalformed, i)
		}
		n := int(binary.LittleEndian.Uint16(b[off:]))
		off += 2
		if off+n*2 > len(b) {
			return out, fmt.Errorf("%w: string %d overruns its block", ErrMalformed, i)
		}
		u := make([]uint16, n)
		for j := range u {
			u[j] = binary.LittleEndian.Uint16(b[off+j*2:])
		}
		out[i] = string(utf16.Decode(u))
		off += n * 2
	}
	return out, nil
}

// EncodeStringBlock encodes strings as an RT_STRING resource.
func EncodeStringBlock(strs [StringsPerBlock]string) []byte {
	var b bytes.Buffer
	for _, s := range strs {
		u := utf16.Encode([]rune(s))
		binary.Write(&b, binary.LittleEndian, uint16(len(u)))
		binary.Write(&b, binary.LittleEndian, u)
	}
	return b.Bytes()
}
