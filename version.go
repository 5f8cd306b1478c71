// Copyright (c) 2022 Tailscale Inc & AUTHORS. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cse

import (
	"errors"
	"fmt"
	"math"

	goversion "github.com/hashicorp/go-version"
)

var ErrInvalidVersion = errors.New("invalid version quad")

// Version is a four-part Wayk Now product version such as 2020.1.5.0.
type Version struct {
	quad [4]uint32
}

// ParseVersion parses a dotted version with at most four numeric parts.
// Missing parts are zero.
func ParseVersion(s string) (Version, error) {
	v, err := goversion.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", ErrInvalidVersion, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return Version{}, fmt.Errorf("%w: %q has a suffix", ErrInvalidVersion, s)
	}

	segs := v.Segments64()
	if len(segs) > 4 {
		return Version{}, fmt.Errorf("%w: %q has more than four parts", ErrInvalidVersion, s)
	}

	var result Version
	for i, seg := range segs {
		if seg < 0 || seg > math.MaxUint32 {
			return Version{}, fmt.Errorf("%w: part %d of %q out of range", ErrInvalidVersion, i, s)
		}
		result.quad[i] = uint32(seg)
	}
	return result, nil
}

// NewVersion returns the version made of the given parts.
func NewVersion(major, minor, patch, build uint32) Version {
	return Version{quad: [4]uint32{major, minor, patch, build}}
}

// IsZero reports whether v is the zero version.
func (v Version) IsZero() bool {
	return v.quad == [4]uint32{}
}

// Parts returns the four parts of v.
func (v Version) Parts() [4]uint32 {
	return v.quad
}

// Triple returns "major.minor.patch".
func (v Version) Triple() string {
	return fmt.Sprintf("%d.%d.%d", v.quad[0], v.quad[1], v.quad[2])
}

// Quad returns "major.minor.patch.build".
func (v Version) Quad() string {
	return fmt.Sprintf("%s.%d", v.Triple(), v.quad[3])
}

func (v Version) String() string {
	return v.Quad()
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	for i := range v.quad {
		switch {
		case v.quad[i] < o.quad[i]:
			return -1
		case v.quad[i] > o.quad[i]:
			return 1
		}
	}
	return 0
}

// IsAtLeast reports whether v is major.minor.patch or newer, ignoring the
// build part.
func (v Version) IsAtLeast(major, minor, patch uint32) bool {
	return isVerGE(v.quad[0], major, v.quad[1], minor, v.quad[2], patch)
}

func isVerGE(lmajor, rmajor, lminor, rminor, lpatch, rpatch uint32) bool {
	return lmajor > rmajor ||
		lmajor == rmajor &&
			(lminor > rminor ||
				lminor == rminor && lpatch >= rpatch)
}

// MinUnattendedVersion is the first Wayk Now release that ships the
// unattended service binaries.
var MinUnattendedVersion = NewVersion(2020, 1, 0, 0)

// ToolVersion is the version of the builder itself, reported in the
// download User-Agent. It is overridden at link time.
var ToolVersion = "2020.3.0"
