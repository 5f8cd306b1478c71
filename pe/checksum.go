// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

// ComputeChecksum returns the PE image checksum of image, treating the four
// bytes at checksumOffset (the CheckSum field itself) as zero.
func ComputeChecksum(image []byte, checksumOffset int) uint32 {
	n := len(image)
	at := func(i int) uint32 {
		if i >= n || (i >= checksumOffset && i < checksumOffset+4) {
			return 0
		}
		return uint32(image[i])
	}

	var sum uint32
	for i := 0; i < n; i += 2 {
		sum += at(i) | at(i+1)<<8
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)

	return sum + uint32(n)
}

// ComputeChecksum returns the checksum img would carry if it were recomputed.
func (img *Image) ComputeChecksum() uint32 {
	return ComputeChecksum(img.data, img.checkSumOffset())
}
