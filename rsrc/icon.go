// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rsrc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tc-hib/winres"
)

// ErrInvalidIcon is returned when an ICO file cannot be decoded.
var ErrInvalidIcon = errors.New("invalid icon")

// IconEntry is the description of one image shared by ICO files and
// RT_GROUP_ICON resources.
type IconEntry struct {
	Width      uint8
	Height     uint8
	ColorCount uint8
	Reserved   uint8
	Planes     uint16
	BitCount   uint16
	BytesInRes uint32
}

type iconDirHeader struct {
	Reserved uint16
	Type     uint16
	Count    uint16
}

type iconGroupEntry struct {
	IconEntry
	ID uint16
}

const (
	sizeIconDirHeader  = 6
	sizeIconGroupEntry = 14
)

// IconGroup is an icon split into its group directory entries and the image
// data each entry describes.
type IconGroup struct {
	Entries []IconEntry
	Images  [][]byte
}

// ParseICO decodes an ICO file.
func ParseICO(b []byte) (*IconGroup, error) {
	icon, err := winres.LoadICO(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIcon, err)
	}

	// A scratch resource set lays the icon out as RT_GROUP_ICON and RT_ICON
	// resources numbered from 1.
	rs := &winres.ResourceSet{}
	if err := rs.SetIcon(winres.ID(1), icon); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIcon, err)
	}
	entries, ids, err := DecodeIconGroup(rs.Get(winres.RT_GROUP_ICON, winres.ID(1), winres.LCIDNeutral))
	if err != nil {
		return nil, err
	}

	g := &IconGroup{Entries: entries}
	for _, id := range ids {
		img := rs.Get(winres.RT_ICON, winres.ID(id), winres.LCIDNeutral)
		if img == nil {
			return nil, fmt.Errorf("%w: image %d missing", ErrInvalidIcon, id)
		}
		g.Images = append(g.Images, img)
	}
	return g, nil
}

// DecodeIconGroup decodes an RT_GROUP_ICON resource into its entries and the
// RT_ICON IDs they refer to.
func DecodeIconGroup(b []byte) ([]IconEntry, []uint16, error) {
	r := bytes.NewReader(b)
	var hdr iconDirHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, nil, fmt.Errorf("%w: icon group header truncated", ErrMalformed)
	}
	if hdr.Reserved != 0 || hdr.Type != 1 {
		return nil, nil, fmt.Errorf("%w: not an icon group", ErrMalformed)
	}

	raw := make([]iconGroupEntry, hdr.Count)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: icon group entries truncated", ErrMalformed)
	}

	entries := make([]IconEntry, len(raw))
	ids := make([]uint16, len(raw))
	for i, e := range raw {
		entries[i] = e.IconEntry
		ids[i] = e.ID
	}
	return entries, ids, nil
}

// GroupData encodes g as an RT_GROUP_ICON resource whose entries refer to the
// RT_ICON resources ids, which must have one element per image.
func (g *IconGroup) GroupData(ids []uint16) []byte {
	var b bytes.Buffer
	b.Grow(sizeIconDirHeader + sizeIconGroupEntry*len(g.Entries))
	binary.Write(&b, binary.LittleEndian, iconDirHeader{Type: 1, Count: uint16(len(g.Entries))})
	for i, e := range g.Entries {
		binary.Write(&b, binary.LittleEndian, iconGroupEntry{IconEntry: e, ID: ids[i]})
	}
	return b.Bytes()
}
