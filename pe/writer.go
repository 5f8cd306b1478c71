// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"fmt"
)

// NoDirectory may be passed to ReplaceSection when no data directory should
// be pointed at the new section contents.
const NoDirectory = -1

// ReplaceSection returns a copy of the image in which the raw contents of the
// section at index idx have been replaced by data. img itself is unchanged.
//
// When data fits in the section's existing raw size, the section keeps its
// file footprint. Otherwise the section grows and everything stored after it
// in the file is moved down. If the section also grows in memory, every
// section mapped after it must be relocatable (the base relocation section or
// a discardable one); otherwise ErrNotRelocatable is returned.
//
// Data directory entries, the certificate table offset, debug directory
// entries, SizeOfImage and SizeOfInitializedData are fixed up to account for
// the move. The checksum is recomputed when the original image carried one.
//
// If dirIdx is a data directory index, that entry is set to the start of the
// section with a size of len(data).
func (img *Image) ReplaceSection(idx int, data []byte, dirIdx int) ([]byte, error) {
	if idx < 0 || idx >= len(img.sections) {
		return nil, ErrIndexOutOfRange
	}
	dirs := img.dataDirectory()
	if dirIdx != NoDirectory && (dirIdx < 0 || dirIdx >= len(dirs)) {
		return nil, ErrIndexOutOfRange
	}

	target := img.sections[idx]
	if !target.hasRawData() {
		return nil, fmt.Errorf("%w: section %q has no raw data", ErrInvalidBinary, target.NameString())
	}

	fa := img.FileAlignment()
	sa := img.SectionAlignment()
	last := img.isLastMapped(idx)

	newVirtualSize := uint32(len(data))
	if !last && newVirtualSize < target.VirtualSize {
		// Sections mapped after this one must stay contiguous.
		newVirtualSize = target.VirtualSize
	}
	oldSpanEnd := target.VirtualAddress + alignUp(target.virtualSpan(), sa)
	newSpanEnd := target.VirtualAddress + alignUp(newVirtualSize, sa)
	var virtDelta uint32
	if !last && newSpanEnd > oldSpanEnd {
		virtDelta = newSpanEnd - oldSpanEnd
	}

	newRawSize := alignUp(uint32(len(data)), fa)
	if newRawSize < target.SizeOfRawData {
		newRawSize = target.SizeOfRawData
	}
	rawDelta := newRawSize - target.SizeOfRawData
	oldRawEnd := target.PointerToRawData + target.SizeOfRawData

	if virtDelta > 0 {
		for i := range img.sections {
			s := &img.sections[i]
			if s.VirtualAddress > target.VirtualAddress && !img.isRelocatable(s) {
				return nil, fmt.Errorf("%w: %q is mapped after %q", ErrNotRelocatable, s.NameString(), target.NameString())
			}
		}
	}

	out := make([]byte, 0, len(img.data)+int(rawDelta))
	out = append(out, img.data[:target.PointerToRawData]...)
	out = append(out, data...)
	out = append(out, make([]byte, int(newRawSize)-len(data))...)
	out = append(out, img.data[oldRawEnd:]...)

	sections := img.Sections()
	var sizeOfImage uint32
	for i := range sections {
		s := &sections[i]
		switch {
		case i == idx:
			s.VirtualSize = newVirtualSize
			s.SizeOfRawData = newRawSize
		default:
			if s.VirtualAddress > target.VirtualAddress {
				s.VirtualAddress += virtDelta
			}
			if s.PointerToRawData >= oldRawEnd {
				s.PointerToRawData += rawDelta
			}
		}
		if end := s.VirtualAddress + alignUp(s.virtualSpan(), sa); end > sizeOfImage {
			sizeOfImage = end
		}
	}
	if err := putSectionTable(out, img.sectionsOffset, sections); err != nil {
		return nil, err
	}

	for i, dd := range dirs {
		switch {
		case i == dirIdx:
			dd = dpe.DataDirectory{VirtualAddress: target.VirtualAddress, Size: uint32(len(data))}
		case i == IMAGE_DIRECTORY_ENTRY_SECURITY:
			// The certificate table is addressed by file offset.
			if dd.Size != 0 && dd.VirtualAddress >= oldRawEnd {
				dd.VirtualAddress += rawDelta
			}
		case dd.Size != 0 && dd.VirtualAddress >= oldSpanEnd:
			dd.VirtualAddress += virtDelta
		default:
			continue
		}
		putDataDirectory(out, img.dataDirectoryOffset(i), dd)
	}

	if minSize := alignUp(img.optionalHeader.sizeOfHeaders(), sa); sizeOfImage < minSize {
		sizeOfImage = minSize
	}
	binary.LittleEndian.PutUint32(out[img.optOffset+offsetSizeOfImage:], sizeOfImage)
	if target.Characteristics&dpe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0 {
		binary.LittleEndian.PutUint32(out[img.optOffset+offsetSizeOfInitializedData:],
			img.optionalHeader.sizeOfInitializedData()+rawDelta)
	}

	if rawDelta > 0 || virtDelta > 0 {
		moved, err := Parse(out)
		if err != nil {
			return nil, fmt.Errorf("reparsing rewritten image: %w", err)
		}
		moved.fixDebugDirectory(out, oldRawEnd, rawDelta, oldSpanEnd, virtDelta)
	}

	if img.CheckSum() != 0 {
		off := img.checkSumOffset()
		binary.LittleEndian.PutUint32(out[off:], ComputeChecksum(out, off))
	}

	return out, nil
}

// isLastMapped reports whether no section is mapped above the section at idx.
func (img *Image) isLastMapped(idx int) bool {
	va := img.sections[idx].VirtualAddress
	for i := range img.sections {
		if img.sections[i].VirtualAddress > va {
			return false
		}
	}
	return true
}

func (img *Image) isRelocatable(s *Section) bool {
	if s.Characteristics&dpe.IMAGE_SCN_MEM_DISCARDABLE != 0 {
		return true
	}

	dirs := img.dataDirectory()
	if len(dirs) <= IMAGE_DIRECTORY_ENTRY_BASERELOC {
		return false
	}
	reloc := dirs[IMAGE_DIRECTORY_ENTRY_BASERELOC]
	return reloc.Size != 0 && reloc.VirtualAddress == s.VirtualAddress
}

// fixDebugDirectory adjusts the data pointers of debug directory entries in
// out, which must be the bytes backing img.
func (img *Image) fixDebugDirectory(out []byte, oldRawEnd, rawDelta, oldSpanEnd, virtDelta uint32) {
	dirs := img.dataDirectory()
	if len(dirs) <= IMAGE_DIRECTORY_ENTRY_DEBUG {
		return
	}
	dd := dirs[IMAGE_DIRECTORY_ENTRY_DEBUG]
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return
	}
	off := resolveRVA(img, dd.VirtualAddress)
	if off == 0 {
		return
	}

	count := int64(dd.Size / sizeIMAGE_DEBUG_DIRECTORY)
	for i := int64(0); i < count; i++ {
		entry := off + i*sizeIMAGE_DEBUG_DIRECTORY
		if entry+sizeIMAGE_DEBUG_DIRECTORY > int64(len(out)) {
			return
		}
		addr := out[entry+offsetIMAGE_DEBUG_DIRECTORYAddress:]
		if v := binary.LittleEndian.Uint32(addr); v != 0 && v >= oldSpanEnd {
			binary.LittleEndian.PutUint32(addr, v+virtDelta)
		}
		ptr := out[entry+offsetIMAGE_DEBUG_DIRECTORYPointerRaw:]
		if v := binary.LittleEndian.Uint32(ptr); v != 0 && v >= oldRawEnd {
			binary.LittleEndian.PutUint32(ptr, v+rawDelta)
		}
	}
}

func putSectionTable(out []byte, off int64, sections []Section) error {
	var buf bytes.Buffer
	for i := range sections {
		if err := binary.Write(&buf, binary.LittleEndian, &sections[i].SectionHeader32); err != nil {
			return err
		}
	}
	copy(out[off:], buf.Bytes())
	return nil
}

func putDataDirectory(out []byte, off int64, dd dpe.DataDirectory) {
	binary.LittleEndian.PutUint32(out[off:], dd.VirtualAddress)
	binary.LittleEndian.PutUint32(out[off+4:], dd.Size)
}
