// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package petest assembles small but well-formed PE images for tests.
package petest

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
	"github.com/tc-hib/winres"
	"github.com/tc-hib/winres/version"

	"github.com/wayknow/cse/pe"
)

const (
	eLfanew          = 0x80
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	sizeOfHeaders    = 0x400
	textRVA          = 0x1000
	imageBase64      = 0x140000000
	imageBase32      = 0x400000

	// RCDataID is the RCDATA slot carried by DefaultResources.
	RCDataID = 102
	// IconGroupID is the RT_GROUP_ICON carried by DefaultResources.
	IconGroupID = 1
	// Lang is the language used for every default resource.
	Lang = winres.LCIDDefault
	// PDBPath is the CodeView path recorded when Config.DebugInfo is set.
	PDBPath = `C:\build\WaykCse.pdb`
)

// Trailer selects a section appended after .rsrc.
type Trailer int

const (
	NoTrailer Trailer = iota
	// RelocTrailer appends a discardable .reloc section referenced by the
	// base relocation directory.
	RelocTrailer
	// DataTrailer appends a writable .data section, which cannot move.
	DataTrailer
)

// Config describes the image Build produces.
type Config struct {
	PE32        bool
	RCDataSize  int
	Strings     map[uint16]string
	Resources   func(rs *winres.ResourceSet) // replaces DefaultResources when set
	Trailer     Trailer
	DebugInfo   bool
	Certificate []byte
	CheckSum    bool
}

// DefaultStrings are the string table entries of the default template.
var DefaultStrings = map[uint16]string{
	100: "keep me",
	103: "0",
	107: "Wayk Now",
}

// Build returns the bytes of a PE image described by cfg.
func Build(t testing.TB, cfg Config) []byte {
	t.Helper()

	base := baseImage(cfg)

	rs := &winres.ResourceSet{}
	if cfg.Resources != nil {
		cfg.Resources(rs)
	} else {
		DefaultResources(t, rs, cfg)
	}

	var out bytes.Buffer
	if cfg.CheckSum {
		require.NoError(t, rs.WriteToEXE(&out, bytes.NewReader(base), winres.ForceCheckSum()))
	} else {
		require.NoError(t, rs.WriteToEXE(&out, bytes.NewReader(base)))
	}
	data := out.Bytes()

	if cfg.Trailer == NoTrailer && !cfg.DebugInfo && cfg.Certificate == nil {
		return data
	}

	data = appendExtras(t, data, cfg)
	if cfg.CheckSum {
		img, err := pe.Parse(data)
		require.NoError(t, err)
		off := checkSumOffset()
		binary.LittleEndian.PutUint32(data[off:], img.ComputeChecksum())
	}
	return data
}

// WriteFile builds an image and stores it in a fresh temporary directory.
func WriteFile(t testing.TB, cfg Config) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "template.exe")
	require.NoError(t, os.WriteFile(path, Build(t, cfg), 0o644))
	return path
}

// DefaultResources fills rs with the resources of a CSE template: an icon
// group, an RCDATA slot, one string table block and a version resource.
func DefaultResources(t testing.TB, rs *winres.ResourceSet, cfg Config) {
	t.Helper()

	icon, err := winres.NewIconFromImages([]image.Image{square(16, color.NRGBA{R: 0xff, A: 0xff})})
	require.NoError(t, err)
	require.NoError(t, rs.SetIconTranslation(winres.ID(IconGroupID), Lang, icon))

	size := cfg.RCDataSize
	if size == 0 {
		size = 64
	}
	require.NoError(t, rs.Set(winres.RT_RCDATA, winres.ID(RCDataID), Lang, bytes.Repeat([]byte{0xCC}, size)))

	strs := cfg.Strings
	if strs == nil {
		strs = DefaultStrings
	}
	blocks := map[uint16]*[16]string{}
	for id, s := range strs {
		b, ok := blocks[id>>4+1]
		if !ok {
			b = new([16]string)
			blocks[id>>4+1] = b
		}
		b[id&15] = s
	}
	for blockID, b := range blocks {
		require.NoError(t, rs.Set(winres.RT_STRING, winres.ID(blockID), Lang, StringBlock(*b)))
	}

	// The strings come first so the version numbers land in the en-US
	// table instead of a separate neutral translation.
	vi := version.Info{}
	require.NoError(t, vi.Set(Lang, version.ProductName, "Wayk Now"))
	require.NoError(t, vi.Set(Lang, version.CompanyName, "Devolutions"))
	vi.SetFileVersion("2020.1.0.0")
	vi.SetProductVersion("2020.1.0.0")
	rs.SetVersionInfo(vi)
}

// StringBlock encodes a RT_STRING block.
func StringBlock(entries [16]string) []byte {
	var b bytes.Buffer
	for _, s := range entries {
		u := utf16.Encode([]rune(s))
		binary.Write(&b, binary.LittleEndian, uint16(len(u)))
		binary.Write(&b, binary.LittleEndian, u)
	}
	return b.Bytes()
}

// ICO returns an ICO file with one square image per size.
func ICO(t testing.TB, c color.Color, sizes ...int) []byte {
	t.Helper()

	var imgs []image.Image
	for _, s := range sizes {
		imgs = append(imgs, square(s, c))
	}
	icon, err := winres.NewIconFromImages(imgs)
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, icon.SaveICO(&b))
	return b.Bytes()
}

func square(size int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func optOffset() int {
	return eLfanew + 4 + binary.Size(dpe.FileHeader{})
}

func checkSumOffset() int {
	return optOffset() + 64
}

func sizeOfOptionalHeader(pe32 bool) int {
	if pe32 {
		return binary.Size(dpe.OptionalHeader32{})
	}
	return binary.Size(dpe.OptionalHeader64{})
}

// DataDirectoryOffset returns the file offset of data directory entry idx in
// images produced by Build.
func DataDirectoryOffset(pe32 bool, idx int) int {
	if pe32 {
		return optOffset() + 96 + idx*8
	}
	return optOffset() + 112 + idx*8
}

func sectionTableOffset(pe32 bool) int {
	return optOffset() + sizeOfOptionalHeader(pe32)
}

// baseImage returns an image with a single .text section.
func baseImage(cfg Config) []byte {
	var b bytes.Buffer

	dos := make([]byte, eLfanew)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3C:], eLfanew)
	b.Write(dos)
	b.WriteString("PE\x00\x00")

	fh := dpe.FileHeader{
		Machine:              dpe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		TimeDateStamp:        0x5F000000,
		SizeOfOptionalHeader: uint16(sizeOfOptionalHeader(cfg.PE32)),
		Characteristics:      dpe.IMAGE_FILE_EXECUTABLE_IMAGE | dpe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}
	if cfg.PE32 {
		fh.Machine = dpe.IMAGE_FILE_MACHINE_I386
		fh.Characteristics = dpe.IMAGE_FILE_EXECUTABLE_IMAGE | dpe.IMAGE_FILE_32BIT_MACHINE
	}
	binary.Write(&b, binary.LittleEndian, &fh)

	if cfg.PE32 {
		oh := dpe.OptionalHeader32{
			Magic:                       0x10b,
			SizeOfCode:                  fileAlignment,
			AddressOfEntryPoint:         textRVA,
			BaseOfCode:                  textRVA,
			ImageBase:                   imageBase32,
			SectionAlignment:            sectionAlignment,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 textRVA + sectionAlignment,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   dpe.IMAGE_SUBSYSTEM_WINDOWS_GUI,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
		}
		binary.Write(&b, binary.LittleEndian, &oh)
	} else {
		oh := dpe.OptionalHeader64{
			Magic:                       0x20b,
			SizeOfCode:                  fileAlignment,
			AddressOfEntryPoint:         textRVA,
			BaseOfCode:                  textRVA,
			ImageBase:                   imageBase64,
			SectionAlignment:            sectionAlignment,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 textRVA + sectionAlignment,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   dpe.IMAGE_SUBSYSTEM_WINDOWS_GUI,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
		}
		binary.Write(&b, binary.LittleEndian, &oh)
	}

	text := dpe.SectionHeader32{
		Name:             [8]uint8{'.', 't', 'e', 'x', 't'},
		VirtualSize:      0x40,
		VirtualAddress:   textRVA,
		SizeOfRawData:    fileAlignment,
		PointerToRawData: sizeOfHeaders,
		Characteristics:  dpe.IMAGE_SCN_CNT_CODE | dpe.IMAGE_SCN_MEM_EXECUTE | dpe.IMAGE_SCN_MEM_READ,
	}
	binary.Write(&b, binary.LittleEndian, &text)

	out := make([]byte, sizeOfHeaders+fileAlignment)
	copy(out, b.Bytes())
	out[sizeOfHeaders] = 0xC3 // ret
	return out
}

// appendExtras adds the trailing section, debug directory and certificate
// table requested by cfg to an image produced by winres.
func appendExtras(t testing.TB, data []byte, cfg Config) []byte {
	t.Helper()

	f, err := dpe.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	putDir := func(idx int, va, size uint32) {
		off := DataDirectoryOffset(cfg.PE32, idx)
		binary.LittleEndian.PutUint32(data[off:], va)
		binary.LittleEndian.PutUint32(data[off+4:], size)
	}

	var lastEnd uint32
	for _, s := range f.Sections {
		if end := s.VirtualAddress + s.VirtualSize; end > lastEnd {
			lastEnd = end
		}
	}

	if cfg.Trailer != NoTrailer || cfg.DebugInfo {
		var content bytes.Buffer
		hdr := dpe.SectionHeader32{
			Name:             [8]uint8{'.', 'r', 'e', 'l', 'o', 'c'},
			VirtualAddress:   alignUp(lastEnd, sectionAlignment),
			PointerToRawData: alignUp(uint32(len(data)), fileAlignment),
			Characteristics:  dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ | dpe.IMAGE_SCN_MEM_DISCARDABLE,
		}
		if cfg.Trailer == DataTrailer {
			hdr.Name = [8]uint8{'.', 'd', 'a', 't', 'a'}
			hdr.Characteristics = dpe.IMAGE_SCN_CNT_INITIALIZED_DATA | dpe.IMAGE_SCN_MEM_READ | dpe.IMAGE_SCN_MEM_WRITE
		}

		// One empty relocation block for the .text page.
		binary.Write(&content, binary.LittleEndian, [2]uint32{textRVA, 8})
		relocSize := uint32(content.Len())
		content.Write(make([]byte, 8))

		cvOffset := uint32(content.Len())
		if cfg.DebugInfo {
			content.WriteString("RSDS")
			binary.Write(&content, binary.LittleEndian, pe.GUID{Data1: 0x01234567, Data2: 0x89AB, Data3: 0xCDEF, Data4: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}})
			binary.Write(&content, binary.LittleEndian, uint32(3))
			content.WriteString(PDBPath + "\x00")
		}

		hdr.VirtualSize = uint32(content.Len())
		hdr.SizeOfRawData = alignUp(hdr.VirtualSize, fileAlignment)

		nsec := len(f.Sections)
		tableOff := sectionTableOffset(cfg.PE32) + nsec*40
		require.LessOrEqual(t, tableOff+40, sizeOfHeaders, "no room for another section header")

		var hb bytes.Buffer
		binary.Write(&hb, binary.LittleEndian, &hdr)
		copy(data[tableOff:], hb.Bytes())
		binary.LittleEndian.PutUint16(data[eLfanew+4+2:], uint16(nsec+1))

		raw := make([]byte, hdr.SizeOfRawData)
		copy(raw, content.Bytes())
		data = append(data, make([]byte, int(hdr.PointerToRawData)-len(data))...)
		data = append(data, raw...)

		sizeOfImage := hdr.VirtualAddress + alignUp(hdr.VirtualSize, sectionAlignment)
		binary.LittleEndian.PutUint32(data[optOffset()+56:], sizeOfImage)
		initData := binary.LittleEndian.Uint32(data[optOffset()+8:])
		binary.LittleEndian.PutUint32(data[optOffset()+8:], initData+hdr.SizeOfRawData)

		if cfg.Trailer != DataTrailer {
			putDir(dpe.IMAGE_DIRECTORY_ENTRY_BASERELOC, hdr.VirtualAddress, relocSize)
		}

		if cfg.DebugInfo {
			// The debug directory lives in .text, after the ret.
			const debugDirRVA = textRVA + 0x10
			dd := pe.IMAGE_DEBUG_DIRECTORY{
				TimeDateStamp:    0x5F000000,
				Type:             pe.IMAGE_DEBUG_TYPE_CODEVIEW,
				SizeOfData:       uint32(content.Len()) - cvOffset,
				AddressOfRawData: hdr.VirtualAddress + cvOffset,
				PointerToRawData: hdr.PointerToRawData + cvOffset,
			}
			var db bytes.Buffer
			binary.Write(&db, binary.LittleEndian, &dd)
			copy(data[sizeOfHeaders+0x10:], db.Bytes())
			putDir(dpe.IMAGE_DIRECTORY_ENTRY_DEBUG, debugDirRVA, uint32(db.Len()))
		}
	}

	if cfg.Certificate != nil {
		data = append(data, make([]byte, int(alignUp(uint32(len(data)), 8))-len(data))...)
		off := uint32(len(data))
		length := uint32(8 + len(cfg.Certificate))
		var cb bytes.Buffer
		binary.Write(&cb, binary.LittleEndian, length)
		binary.Write(&cb, binary.LittleEndian, uint16(pe.WIN_CERT_REVISION_2_0))
		binary.Write(&cb, binary.LittleEndian, uint16(pe.WIN_CERT_TYPE_PKCS_SIGNED_DATA))
		cb.Write(cfg.Certificate)
		cb.Write(make([]byte, int(alignUp(length, 8)-length)))
		data = append(data, cb.Bytes()...)
		putDir(dpe.IMAGE_DIRECTORY_ENTRY_SECURITY, off, uint32(cb.Len()))
	}

	return data
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
