// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package rsrc reads, edits and serializes the resource directory of a PE
// image.
package rsrc

import (
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"

	"github.com/wayknow/cse/pe"
)

// Standard resource type IDs.
const (
	TypeCursor      = 1
	TypeBitmap      = 2
	TypeIcon        = 3
	TypeString      = 6
	TypeRCData      = 10
	TypeGroupCursor = 12
	TypeGroupIcon   = 14
	TypeVersion     = 16
	TypeManifest    = 24
)

var (
	ErrMalformed   = errors.New("malformed resource directory")
	ErrNoResources = errors.New("image has no resource directory")
	ErrNotPresent  = errors.New("resource not present")
)

const (
	sizeDirectoryTable = 16
	sizeDirectoryEntry = 8
	sizeDataEntry      = 16
	maxDepth           = 3
	highBit            = 0x80000000
)

// Key identifies a directory entry either by numeric ID or by name.
type Key struct {
	id    uint16
	name  string
	named bool
}

// ID returns a numeric key.
func ID(id uint16) Key {
	return Key{id: id}
}

// Name returns a string key.
func Name(name string) Key {
	return Key{name: name, named: true}
}

// IsName reports whether k is a string key.
func (k Key) IsName() bool {
	return k.named
}

// ID returns the numeric value of k, or 0 for a string key.
func (k Key) ID() uint16 {
	return k.id
}

func (k Key) String() string {
	if k.named {
		return strconv.Quote(k.name)
	}
	return "#" + strconv.Itoa(int(k.id))
}

// less orders names before IDs, names case-sensitively and IDs ascending.
func (k Key) less(o Key) bool {
	switch {
	case k.named && o.named:
		return k.name < o.name
	case k.named != o.named:
		return k.named
	default:
		return k.id < o.id
	}
}

// Data is a resource directory leaf.
type Data struct {
	Bytes    []byte
	Codepage uint32
}

// Entry is a named child of a Directory. Exactly one of Dir and Data is set.
type Entry struct {
	Key  Key
	Dir  *Directory
	Data *Data
}

// Directory is one level of the resource tree: types at the root, then
// resource names, then languages.
type Directory struct {
	Characteristics uint32
	TimeDateStamp   uint32
	MajorVersion    uint16
	MinorVersion    uint16
	Entries         []*Entry
}

// Leaf describes one resource found by Leaves.
type Leaf struct {
	Type Key
	Name Key
	Lang uint16
	Data *Data
}

// Parse reads the resource directory of img.
func Parse(img *pe.Image) (*Directory, error) {
	dde, err := img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	if err != nil {
		if errors.Is(err, pe.ErrNotPresent) || errors.Is(err, pe.ErrIndexOutOfRange) {
			return nil, ErrNoResources
		}
		return nil, err
	}

	p := &parser{img: img, base: dde.(dpe.DataDirectory).VirtualAddress}
	return p.dir(0, 0, nil)
}

type parser struct {
	img  *pe.Image
	base uint32
}

func (p *parser) read(off, n uint32) ([]byte, error) {
	b, err := p.img.ReadRVA(p.base+off, n)
	if err != nil {
		return nil, fmt.Errorf("%w: offset 0x%X: %v", ErrMalformed, off, err)
	}
	return b, nil
}

func (p *parser) dir(off uint32, depth int, ancestors []uint32) (*Directory, error) {
	if depth >= maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d levels", ErrMalformed, maxDepth)
	}
	for _, a := range ancestors {
		if a == off {
			return nil, fmt.Errorf("%w: directory at 0x%X refers to itself", ErrMalformed, off)
		}
	}
	ancestors = append(ancestors, off)

	hdr, err := p.read(off, sizeDirectoryTable)
	if err != nil {
		return nil, err
	}
	d := &Directory{
		Characteristics: binary.LittleEndian.Uint32(hdr[0:]),
		TimeDateStamp:   binary.LittleEndian.Uint32(hdr[4:]),
		MajorVersion:    binary.LittleEndian.Uint16(hdr[8:]),
		MinorVersion:    binary.LittleEndian.Uint16(hdr[10:]),
	}
	count := uint32(binary.LittleEndian.Uint16(hdr[12:])) + uint32(binary.LittleEndian.Uint16(hdr[14:]))
	if count == 0 {
		return d, nil
	}

	table, err := p.read(off+sizeDirectoryTable, count*sizeDirectoryEntry)
	if err != nil {
		return nil, err
	}

	for i := uint32(0); i < count; i++ {
		nameField := binary.LittleEndian.Uint32(table[i*sizeDirectoryEntry:])
		offField := binary.LittleEndian.Uint32(table[i*sizeDirectoryEntry+4:])

		e := &Entry{}
		if nameField&highBit != 0 {
			name, err := p.name(nameField &^ highBit)
			if err != nil {
				return nil, err
			}
			e.Key = Name(name)
		} else {
			if nameField > 0xFFFF {
				return nil, fmt.Errorf("%w: entry ID 0x%X out of range", ErrMalformed, nameField)
			}
			e.Key = ID(uint16(nameField))
		}

		isDir := offField&highBit != 0
		switch {
		case isDir && depth == maxDepth-1:
			return nil, fmt.Errorf("%w: language entry %s is a directory", ErrMalformed, e.Key)
		case !isDir && depth < maxDepth-1:
			return nil, fmt.Errorf("%w: entry %s at level %d is not a directory", ErrMalformed, e.Key, depth)
		case isDir:
			e.Dir, err = p.dir(offField&^highBit, depth+1, ancestors)
		default:
			e.Data, err = p.data(offField)
		}
		if err != nil {
			return nil, err
		}
		d.Entries = append(d.Entries, e)
	}

	return d, nil
}

func (p *parser) name(off uint32) (string, error) {
	lb, err := p.read(off, 2)
	if err != nil {
		return "", err
	}
	n := uint32(binary.LittleEndian.Uint16(lb))
	b, err := p.read(off+2, n*2)
	if err != nil {
		return "", err
	}
	u := make([]uint16, n)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u)), nil
}

func (p *parser) data(off uint32) (*Data, error) {
	de, err := p.read(off, sizeDataEntry)
	if err != nil {
		return nil, err
	}
	rva := binary.LittleEndian.Uint32(de[0:])
	size := binary.LittleEndian.Uint32(de[4:])
	b, err := p.img.ReadRVA(rva, size)
	if err != nil {
		return nil, fmt.Errorf("%w: data at 0x%08X+%d: %v", ErrMalformed, rva, size, err)
	}
	return &Data{
		Bytes:    append([]byte(nil), b...),
		Codepage: binary.LittleEndian.Uint32(de[8:]),
	}, nil
}

func (d *Directory) get(k Key) *Entry {
	for _, e := range d.Entries {
		if e.Key == k {
			return e
		}
	}
	return nil
}

// insert adds e keeping names before IDs, each group sorted.
func (d *Directory) insert(e *Entry) {
	i := sort.Search(len(d.Entries), func(i int) bool {
		return e.Key.less(d.Entries[i].Key)
	})
	d.Entries = append(d.Entries, nil)
	copy(d.Entries[i+1:], d.Entries[i:])
	d.Entries[i] = e
}

func (d *Directory) remove(k Key) {
	for i, e := range d.Entries {
		if e.Key == k {
			d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the directory holding the language variants of the
// resource typ/name, or nil.
func (d *Directory) Lookup(typ, name Key) *Directory {
	te := d.get(typ)
	if te == nil || te.Dir == nil {
		return nil
	}
	ne := te.Dir.get(name)
	if ne == nil {
		return nil
	}
	return ne.Dir
}

// Type returns the directory of all resources of type typ, or nil.
func (d *Directory) Type(typ Key) *Directory {
	te := d.get(typ)
	if te == nil {
		return nil
	}
	return te.Dir
}

// Find returns the data of resource typ/name in language lang, or nil.
func (d *Directory) Find(typ, name Key, lang uint16) *Data {
	ld := d.Lookup(typ, name)
	if ld == nil {
		return nil
	}
	le := ld.get(ID(lang))
	if le == nil {
		return nil
	}
	return le.Data
}

// First returns the first language variant of resource typ/name.
func (d *Directory) First(typ, name Key) (lang uint16, data *Data, ok bool) {
	ld := d.Lookup(typ, name)
	if ld == nil || len(ld.Entries) == 0 {
		return 0, nil, false
	}
	e := ld.Entries[0]
	return e.Key.ID(), e.Data, true
}

// Put sets the data of resource typ/name in language lang, creating
// directories as needed. An existing leaf keeps its codepage.
func (d *Directory) Put(typ, name Key, lang uint16, b []byte) {
	te := d.get(typ)
	if te == nil {
		te = &Entry{Key: typ, Dir: &Directory{}}
		d.insert(te)
	}
	ne := te.Dir.get(name)
	if ne == nil {
		ne = &Entry{Key: name, Dir: &Directory{}}
		te.Dir.insert(ne)
	}
	le := ne.Dir.get(ID(lang))
	if le == nil {
		le = &Entry{Key: ID(lang), Data: &Data{}}
		ne.Dir.insert(le)
	}
	le.Data.Bytes = b
}

// Remove deletes resource typ/name in language lang, pruning directories
// left empty. It reports whether the resource existed.
func (d *Directory) Remove(typ, name Key, lang uint16) bool {
	te := d.get(typ)
	if te == nil || te.Dir == nil {
		return false
	}
	ne := te.Dir.get(name)
	if ne == nil || ne.Dir == nil || ne.Dir.get(ID(lang)) == nil {
		return false
	}

	ne.Dir.remove(ID(lang))
	if len(ne.Dir.Entries) == 0 {
		te.Dir.remove(name)
	}
	if len(te.Dir.Entries) == 0 {
		d.remove(typ)
	}
	return true
}

// Leaves returns every resource of the tree in directory order.
func (d *Directory) Leaves() []Leaf {
	var leaves []Leaf
	for _, te := range d.Entries {
		if te.Dir == nil {
			continue
		}
		for _, ne := range te.Dir.Entries {
			if ne.Dir == nil {
				continue
			}
			for _, le := range ne.Dir.Entries {
				leaves = append(leaves, Leaf{Type: te.Key, Name: ne.Key, Lang: le.Key.ID(), Data: le.Data})
			}
		}
	}
	return leaves
}
