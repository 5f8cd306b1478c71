// Copyright (c) 2022 Tailscale Inc & AUTHORS. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cse

import (
	"errors"
	"fmt"
	"strings"
)

// Bitness is the target architecture of a Wayk Now package.
type Bitness int

const (
	X86 Bitness = iota
	X64
)

// AllBitness lists every supported bitness in bundle order.
var AllBitness = []Bitness{X86, X64}

var ErrUnknownBitness = errors.New("unknown bitness")

func (b Bitness) String() string {
	switch b {
	case X86:
		return "x86"
	case X64:
		return "x64"
	default:
		return fmt.Sprintf("Bitness(%d)", int(b))
	}
}

// ParseBitness accepts "x86"/"x64" and the Go and numeric spellings of both.
func ParseBitness(s string) (Bitness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86", "386", "32", "i386", "win32":
		return X86, nil
	case "x64", "amd64", "64", "x86_64":
		return X64, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBitness, s)
	}
}

// Set implements pflag.Value.
func (b *Bitness) Set(s string) error {
	v, err := ParseBitness(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Type implements pflag.Value.
func (b *Bitness) Type() string {
	return "bitness"
}
