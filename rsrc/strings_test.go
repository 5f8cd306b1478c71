// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rsrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayknow/cse/internal/petest"
)

func TestStringBlockID(t *testing.T) {
	tests := []struct {
		id    uint16
		block uint16
		index int
	}{
		{0, 1, 0},
		{15, 1, 15},
		{16, 2, 0},
		{102, 7, 6},
		{103, 7, 7},
		{108, 7, 12},
		{0xFFFF, 0x1000, 15},
	}

	for _, tt := range tests {
		if got := StringBlockID(tt.id); got != tt.block {
			t.Errorf("StringBlockID(%d): got %d, want %d", tt.id, got, tt.block)
		}
		if got := StringBlockIndex(tt.id); got != tt.index {
			t.Errorf("StringBlockIndex(%d): got %d, want %d", tt.id, got, tt.index)
		}
	}
}

func TestStringBlockRoundTrip(t *testing.T) {
	var in [StringsPerBlock]string
	in[0] = "Acme Agent"
	in[3] = "C:\\ProgramData\\Wayk"
	in[7] = "1"
	in[15] = "日本語 and emoji 🎉"

	encoded := EncodeStringBlock(in)
	assert.Equal(t, petest.StringBlock(in), encoded)

	out, err := DecodeStringBlock(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeStringBlockPadding(t *testing.T) {
	var in [StringsPerBlock]string
	in[5] = "padded"
	encoded := append(EncodeStringBlock(in), 0, 0, 0, 0)

	out, err := DecodeStringBlock(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeStringBlockTruncated(t *testing.T) {
	var in [StringsPerBlock]string
	in[15] = "last"
	encoded := EncodeStringBlock(in)

	for _, n := range []int{0, 1, 10, len(encoded) - 1} {
		_, err := DecodeStringBlock(encoded[:n])
		assert.ErrorIs(t, err, ErrMalformed, "length %d", n)
	}
}
