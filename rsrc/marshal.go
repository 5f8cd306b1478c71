// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rsrc

import (
	"encoding/binary"
	"unicode/utf16"
)

// ordered returns the entries of d with named entries first, as the
// directory table format requires. Relative order within each group is kept.
func (d *Directory) ordered() (entries []*Entry, numNamed int) {
	entries = make([]*Entry, 0, len(d.Entries))
	for _, e := range d.Entries {
		if e.Key.IsName() {
			entries = append(entries, e)
		}
	}
	numNamed = len(entries)
	for _, e := range d.Entries {
		if !e.Key.IsName() {
			entries = append(entries, e)
		}
	}
	return entries, numNamed
}

type layout struct {
	dirs    []*Directory
	dirOff  map[*Directory]uint32
	leaves  []*Entry
	leafOff map[*Entry]uint32
	dataOff map[*Entry]uint32
	nameOff map[string]uint32
	names   []string
	size    uint32
}

func alignData(off uint32) uint32 {
	return (off + 7) &^ 7
}

func nameSize(name string) uint32 {
	return 2 + 2*uint32(len(utf16.Encode([]rune(name))))
}

// plan assigns an offset to every part of the serialized tree: directory
// tables level by level, then data entries, then names, then data.
func (d *Directory) plan() *layout {
	l := &layout{
		dirOff:  map[*Directory]uint32{},
		leafOff: map[*Entry]uint32{},
		dataOff: map[*Entry]uint32{},
		nameOff: map[string]uint32{},
	}

	var off uint32
	queue := []*Directory{d}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		l.dirs = append(l.dirs, dir)
		l.dirOff[dir] = off
		off += sizeDirectoryTable + sizeDirectoryEntry*uint32(len(dir.Entries))

		entries, _ := dir.ordered()
		for _, e := range entries {
			if e.Dir != nil {
				queue = append(queue, e.Dir)
			} else {
				l.leaves = append(l.leaves, e)
			}
		}
	}

	for _, e := range l.leaves {
		l.leafOff[e] = off
		off += sizeDataEntry
	}

	for _, dir := range l.dirs {
		for _, e := range dir.Entries {
			if !e.Key.IsName() {
				continue
			}
			if _, ok := l.nameOff[e.Key.name]; ok {
				continue
			}
			l.nameOff[e.Key.name] = off
			l.names = append(l.names, e.Key.name)
			off += nameSize(e.Key.name)
		}
	}

	off = alignData(off)
	for _, e := range l.leaves {
		l.dataOff[e] = off
		off = alignData(off + uint32(len(e.Data.Bytes)))
	}

	l.size = off
	return l
}

// Marshal serializes the tree as the contents of a resource section mapped
// at baseRVA, with the root directory at the start of the section.
func (d *Directory) Marshal(baseRVA uint32) []byte {
	l := d.plan()
	buf := make([]byte, l.size)
	le := binary.LittleEndian

	for _, dir := range l.dirs {
		off := l.dirOff[dir]
		entries, numNamed := dir.ordered()

		le.PutUint32(buf[off:], dir.Characteristics)
		le.PutUint32(buf[off+4:], dir.TimeDateStamp)
		le.PutUint16(buf[off+8:], dir.MajorVersion)
		le.PutUint16(buf[off+10:], dir.MinorVersion)
		le.PutUint16(buf[off+12:], uint16(numNamed))
		le.PutUint16(buf[off+14:], uint16(len(entries)-numNamed))

		eo := off + sizeDirectoryTable
		for _, e := range entries {
			if e.Key.IsName() {
				le.PutUint32(buf[eo:], highBit|l.nameOff[e.Key.name])
			} else {
				le.PutUint32(buf[eo:], uint32(e.Key.ID()))
			}
			if e.Dir != nil {
				le.PutUint32(buf[eo+4:], highBit|l.dirOff[e.Dir])
			} else {
				le.PutUint32(buf[eo+4:], l.leafOff[e])
			}
			eo += sizeDirectoryEntry
		}
	}

	for _, e := range l.leaves {
		off := l.leafOff[e]
		le.PutUint32(buf[off:], baseRVA+l.dataOff[e])
		le.PutUint32(buf[off+4:], uint32(len(e.Data.Bytes)))
		le.PutUint32(buf[off+8:], e.Data.Codepage)
		copy(buf[l.dataOff[e]:], e.Data.Bytes)
	}

	for _, name := range l.names {
		off := l.nameOff[name]
		u := utf16.Encode([]rune(name))
		le.PutUint16(buf[off:], uint16(len(u)))
		for i, c := range u {
			le.PutUint16(buf[off+2+uint32(i)*2:], c)
		}
	}

	return buf
}
