// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe_test

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"testing"

	spe "github.com/saferwall/pe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayknow/cse/internal/petest"
	"github.com/wayknow/cse/pe"
)

func parse(t *testing.T, data []byte) *pe.Image {
	t.Helper()

	img, err := pe.Parse(data)
	require.NoError(t, err)
	return img
}

func sectionNames(img *pe.Image) []string {
	var names []string
	for _, s := range img.Sections() {
		names = append(names, s.NameString())
	}
	return names
}

func TestParse(t *testing.T) {
	for _, pe32 := range []bool{false, true} {
		img := parse(t, petest.Build(t, petest.Config{PE32: pe32}))

		assert.Equal(t, !pe32, img.Is64())
		assert.Equal(t, []string{".text", ".rsrc"}, sectionNames(img))
		assert.EqualValues(t, 0x200, img.FileAlignment())
		assert.EqualValues(t, 0x1000, img.SectionAlignment())

		fh := img.FileHeader()
		assert.EqualValues(t, 2, fh.NumberOfSections)

		idx, ok := img.Section(".rsrc")
		require.True(t, ok)
		rsrc := img.Sections()[idx]

		dd, err := img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
		require.NoError(t, err)
		assert.Equal(t, rsrc.VirtualAddress, dd.(dpe.DataDirectory).VirtualAddress)

		byRVA, ok := img.SectionByRVA(rsrc.VirtualAddress + 4)
		require.True(t, ok)
		assert.Equal(t, idx, byRVA)

		off, err := img.ResolveRVA(rsrc.VirtualAddress + 4)
		require.NoError(t, err)
		assert.EqualValues(t, rsrc.PointerToRawData+4, off)

		_, err = img.ResolveRVA(0x0FFFFFFF)
		assert.ErrorIs(t, err, pe.ErrInvalidBinary)

		_, err = img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_SECURITY)
		assert.ErrorIs(t, err, pe.ErrNotPresent)
		_, err = img.DataDirectoryEntry(16)
		assert.ErrorIs(t, err, pe.ErrIndexOutOfRange)
	}
}

func TestParseClampsDirectoryCount(t *testing.T) {
	data := petest.Build(t, petest.Config{})
	// NumberOfRvaAndSizes of a PE32+ optional header.
	binary.LittleEndian.PutUint32(data[0x98+108:], 0x20)

	img := parse(t, data)
	_, err := img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	assert.NoError(t, err)
	_, err = img.DataDirectoryEntry(16)
	assert.ErrorIs(t, err, pe.ErrIndexOutOfRange)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"no MZ", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"e_lfanew past end", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[0x3C:], uint32(len(b)))
			return b
		}},
		{"no PE signature", func(b []byte) []byte { b[0x81] = 'X'; return b }},
		{"bad optional magic", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[0x98:], 0x107)
			return b
		}},
		{"too many sections", func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[0x86:], 97)
			return b
		}},
		{"truncated section", func(b []byte) []byte { return b[:len(b)-1] }},
		{"headers only", func(b []byte) []byte { return b[:0x90] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(petest.Build(t, petest.Config{}))
			_, err := pe.Parse(data)
			assert.ErrorIs(t, err, pe.ErrInvalidBinary)
		})
	}
}

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		data []byte
		off  int
		want uint32
	}{
		{[]byte{1, 0, 2, 0}, 100, 3 + 4},
		{[]byte{1, 2, 3}, 100, 0x0201 + 0x0003 + 3},
		{[]byte{0xFF, 0xFF, 0x02, 0x00}, 100, 0x0002 + 4},
		{[]byte{1, 0, 0xAA, 0xBB, 0xCC, 0xDD, 2, 0}, 2, 3 + 8},
	}

	for _, tt := range tests {
		if got := pe.ComputeChecksum(tt.data, tt.off); got != tt.want {
			t.Errorf("ComputeChecksum(%x, %d): got 0x%X, want 0x%X", tt.data, tt.off, got, tt.want)
		}
	}
}

func TestChecksumMatchesLinker(t *testing.T) {
	img := parse(t, petest.Build(t, petest.Config{CheckSum: true}))
	require.NotZero(t, img.CheckSum())
	assert.Equal(t, img.CheckSum(), img.ComputeChecksum())
}

func rsrcIndex(t *testing.T, img *pe.Image) int {
	t.Helper()

	idx, ok := img.Section(".rsrc")
	require.True(t, ok)
	return idx
}

func TestReplaceSectionInPlace(t *testing.T) {
	data := petest.Build(t, petest.Config{Trailer: petest.DataTrailer, CheckSum: true})
	img := parse(t, data)
	idx := rsrcIndex(t, img)
	before := img.Sections()

	payload := bytes.Repeat([]byte{0x5A}, 100)
	out, err := img.ReplaceSection(idx, payload, pe.NoDirectory)
	require.NoError(t, err)
	assert.Len(t, out, len(data))

	got := parse(t, out)
	after := got.Sections()
	assert.Equal(t, before[idx].SizeOfRawData, after[idx].SizeOfRawData)
	assert.Equal(t, before[idx].VirtualSize, after[idx].VirtualSize, "a section followed by another keeps its span")
	assert.Equal(t, before[2], after[2])
	assert.Equal(t, img.SizeOfImage(), got.SizeOfImage())

	raw, err := got.SectionData(idx)
	require.NoError(t, err)
	assert.Equal(t, payload, raw[:len(payload)])
	assert.Equal(t, make([]byte, len(raw)-len(payload)), raw[len(payload):])
	assert.Equal(t, got.CheckSum(), got.ComputeChecksum())
}

func TestReplaceSectionGrowLast(t *testing.T) {
	img := parse(t, petest.Build(t, petest.Config{}))
	idx := rsrcIndex(t, img)
	old := img.Sections()[idx]

	payload := bytes.Repeat([]byte{0x11}, int(old.SizeOfRawData)+0x2345)
	out, err := img.ReplaceSection(idx, payload, pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	require.NoError(t, err)

	got := parse(t, out)
	s := got.Sections()[idx]
	assert.EqualValues(t, len(payload), s.VirtualSize)
	assert.EqualValues(t, 0, s.SizeOfRawData%got.FileAlignment())
	assert.Equal(t, old.VirtualAddress+((s.VirtualSize+0xFFF)&^0xFFF), got.SizeOfImage())

	dd, err := got.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	require.NoError(t, err)
	assert.Equal(t, dpe.DataDirectory{VirtualAddress: old.VirtualAddress, Size: uint32(len(payload))}, dd)

	// Not checksummed before, so not checksummed after.
	assert.Zero(t, got.CheckSum())
}

func TestReplaceSectionGrowShiftsTrailer(t *testing.T) {
	cert := bytes.Repeat([]byte{0xC3}, 37)
	data := petest.Build(t, petest.Config{
		Trailer:     petest.RelocTrailer,
		DebugInfo:   true,
		Certificate: cert,
		CheckSum:    true,
	})
	img := parse(t, data)
	idx := rsrcIndex(t, img)
	old := img.Sections()
	oldReloc, err := img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x22}, 3*0x1000+0x10)
	out, err := img.ReplaceSection(idx, payload, pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	require.NoError(t, err)
	got := parse(t, out)
	now := got.Sections()

	rawDelta := now[idx].SizeOfRawData - old[idx].SizeOfRawData
	virtDelta := now[2].VirtualAddress - old[2].VirtualAddress
	assert.NotZero(t, rawDelta)
	assert.EqualValues(t, 0x3000, virtDelta)
	assert.Equal(t, old[2].PointerToRawData+rawDelta, now[2].PointerToRawData)
	assert.Equal(t, len(data)+int(rawDelta), len(out))
	assert.Equal(t, now[2].VirtualAddress+0x1000, got.SizeOfImage())

	newReloc, err := got.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	require.NoError(t, err)
	assert.Equal(t, oldReloc.(dpe.DataDirectory).VirtualAddress+virtDelta, newReloc.(dpe.DataDirectory).VirtualAddress)

	relocData, err := got.SectionData(2)
	require.NoError(t, err)
	oldRelocData, err := img.SectionData(2)
	require.NoError(t, err)
	assert.Equal(t, oldRelocData, relocData)

	dbgAny, err := got.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	require.NoError(t, err)
	dbg := dbgAny.([]pe.IMAGE_DEBUG_DIRECTORY)
	require.Len(t, dbg, 1)
	assert.Equal(t, now[2].VirtualAddress+16, dbg[0].AddressOfRawData)
	cv, err := got.ExtractCodeViewInfo(dbg[0])
	require.NoError(t, err)
	assert.Equal(t, petest.PDBPath, cv.PDBPath)
	assert.EqualValues(t, 3, cv.Age)
	assert.Equal(t, "0123456789ABCDEF01020304050607083", cv.String())

	certsAny, err := got.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_SECURITY)
	require.NoError(t, err)
	certs := certsAny.([]pe.AuthenticodeCert)
	require.Len(t, certs, 1)
	assert.Equal(t, cert, certs[0].Data())
	assert.Equal(t, pe.WIN_CERT_TYPE_PKCS_SIGNED_DATA, certs[0].Type())
	assert.Equal(t, pe.WIN_CERT_REVISION_2_0, certs[0].Revision())

	assert.Equal(t, got.ComputeChecksum(), got.CheckSum())

	// An independent parser agrees on the section table.
	f, err := spe.NewBytes(out, &spe.Options{Fast: true})
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Parse())
	require.Len(t, f.Sections, len(now))
	for i, s := range f.Sections {
		assert.Equal(t, now[i].VirtualAddress, s.Header.VirtualAddress)
		assert.Equal(t, now[i].PointerToRawData, s.Header.PointerToRawData)
		assert.Equal(t, now[i].SizeOfRawData, s.Header.SizeOfRawData)
	}
}

func TestReplaceSectionNotRelocatable(t *testing.T) {
	img := parse(t, petest.Build(t, petest.Config{Trailer: petest.DataTrailer}))
	idx := rsrcIndex(t, img)

	_, err := img.ReplaceSection(idx, make([]byte, 0x2000), pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	assert.ErrorIs(t, err, pe.ErrNotRelocatable)
}

func TestReplaceSectionBadIndex(t *testing.T) {
	img := parse(t, petest.Build(t, petest.Config{}))

	_, err := img.ReplaceSection(7, nil, pe.NoDirectory)
	assert.ErrorIs(t, err, pe.ErrIndexOutOfRange)
	_, err = img.ReplaceSection(0, nil, 99)
	assert.ErrorIs(t, err, pe.ErrIndexOutOfRange)
}

func TestReplaceSectionLeavesInputAlone(t *testing.T) {
	data := petest.Build(t, petest.Config{})
	orig := append([]byte(nil), data...)
	img := parse(t, data)

	_, err := img.ReplaceSection(rsrcIndex(t, img), make([]byte, 0x5000), pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	require.NoError(t, err)
	assert.Equal(t, orig, img.Bytes())
}
