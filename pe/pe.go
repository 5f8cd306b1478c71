// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pe provides a robust parser and section rewriter for PE binaries.
package pe

import (
	"bufio"
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"strings"

	"golang.org/x/exp/constraints"
)

// Image represents the parsed headers of a PE binary held in memory.
type Image struct {
	data           []byte
	r              *bytes.Reader
	fileHeader     *dpe.FileHeader
	optionalHeader optionalHeader
	optOffset      int64
	sectionsOffset int64
	sections       []Section
}

const (
	offsetIMAGE_DOS_HEADERe_lfanew = 60
	sizeIMAGE_DOS_HEADER           = 64
	sizeIMAGE_SECTION_HEADER       = 40
	sizeIMAGE_DATA_DIRECTORY       = 8
	maxNumSections                 = 96 // per the PE format
	numDirectoryEntries            = 16
)

var (
	ErrBadLength       = errors.New("effective length did not match expected length")
	ErrNotCodeView     = errors.New("debug info is not CodeView")
	ErrNotPresent      = errors.New("not present in this PE image")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrInvalidBinary   = errors.New("invalid PE binary")
	ErrNotRelocatable  = errors.New("section cannot be moved without breaking the image")
)

// NewImageFromFileName reads the PE binary located at filename and parses its
// headers. Upon success it returns a non-nil *Image, otherwise it returns a nil
// *Image and a non-nil error.
func NewImageFromFileName(filename string) (*Image, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse parses the headers of the PE binary contained in data. The returned
// *Image retains data, so the caller must not modify it afterwards.
func Parse(data []byte) (*Image, error) {
	return loadHeaders(data)
}

func readStruct[T any, O constraints.Integer](r io.ReaderAt, off O) (*T, error) {
	if off < 0 {
		return nil, ErrInvalidBinary
	}

	t := new(T)
	sr := io.NewSectionReader(r, int64(off), int64(binary.Size(t)))
	if err := binary.Read(sr, binary.LittleEndian, t); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidBinary
		}
		return nil, err
	}
	return t, nil
}

func readStructArray[T any, O constraints.Integer](r io.ReaderAt, off O, count int) ([]T, error) {
	if off < 0 || count < 0 {
		return nil, ErrInvalidBinary
	}

	result := make([]T, count)
	sr := io.NewSectionReader(r, int64(off), int64(binary.Size(result)))
	if err := binary.Read(sr, binary.LittleEndian, result); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidBinary
		}
		return nil, err
	}
	return result, nil
}

// Section is a section header from the image's section table.
type Section struct {
	dpe.SectionHeader32
}

// NameString returns the section name with its NUL padding removed.
func (s *Section) NameString() string {
	for i, c := range s.Name {
		if c == 0 {
			return string(s.Name[:i])
		}
	}

	return string(s.Name[:])
}

// virtualSpan returns the number of bytes the section occupies once mapped,
// before section alignment.
func (s *Section) virtualSpan() uint32 {
	if s.VirtualSize == 0 {
		return s.SizeOfRawData
	}
	return s.VirtualSize
}

func (s *Section) hasRawData() bool {
	return s.PointerToRawData != 0 && s.SizeOfRawData != 0 &&
		s.Characteristics&dpe.IMAGE_SCN_CNT_UNINITIALIZED_DATA == 0
}

func isPowerOfTwo[V constraints.Integer](v V) bool {
	return v > 0 && bits.OnesCount64(uint64(v)) == 1
}

func loadHeaders(data []byte) (*Image, error) {
	r := bytes.NewReader(data)

	// Do some initial verification first
	if len(data) < sizeIMAGE_DOS_HEADER {
		return nil, ErrInvalidBinary
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return nil, ErrInvalidBinary
	}

	e_lfanew := int32(binary.LittleEndian.Uint32(data[offsetIMAGE_DOS_HEADERe_lfanew:]))
	if e_lfanew <= 0 {
		return nil, ErrInvalidBinary
	}
	if int64(e_lfanew)+4 > int64(len(data)) {
		return nil, ErrInvalidBinary
	}

	peMagic := data[e_lfanew : e_lfanew+4]
	if peMagic[0] != 'P' || peMagic[1] != 'E' || peMagic[2] != 0 || peMagic[3] != 0 {
		return nil, ErrInvalidBinary
	}

	fileHeaderOffset := int64(e_lfanew) + 4
	fileHeader, err := readStruct[dpe.FileHeader](r, fileHeaderOffset)
	if err != nil {
		return nil, err
	}
	if fileHeader.NumberOfSections > maxNumSections {
		return nil, fmt.Errorf("%w: %d sections", ErrInvalidBinary, fileHeader.NumberOfSections)
	}

	optOffset := fileHeaderOffset + int64(binary.Size(dpe.FileHeader{}))
	optionalHeader, err := readOptionalHeader(r, optOffset)
	if err != nil {
		return nil, err
	}

	numDirs := optionalHeader.numberOfRvaAndSizes()
	if numDirs > numDirectoryEntries {
		numDirs = numDirectoryEntries
	}
	if uint32(fileHeader.SizeOfOptionalHeader) < optionalHeader.sizeOfFixedPart()+numDirs*sizeIMAGE_DATA_DIRECTORY {
		return nil, fmt.Errorf("%w: optional header too small", ErrInvalidBinary)
	}
	if !isPowerOfTwo(optionalHeader.fileAlignment()) || !isPowerOfTwo(optionalHeader.sectionAlignment()) {
		return nil, fmt.Errorf("%w: bad alignment", ErrInvalidBinary)
	}

	sectionsOffset := optOffset + int64(fileHeader.SizeOfOptionalHeader)
	headers, err := readStructArray[dpe.SectionHeader32](r, sectionsOffset, int(fileHeader.NumberOfSections))
	if err != nil {
		return nil, err
	}

	sections := make([]Section, len(headers))
	for i, h := range headers {
		sections[i] = Section{h}
		s := &sections[i]
		if !s.hasRawData() {
			continue
		}
		if int64(s.PointerToRawData)+int64(s.SizeOfRawData) > int64(len(data)) {
			return nil, fmt.Errorf("%w: section %q is truncated", ErrInvalidBinary, s.NameString())
		}
	}

	return &Image{
		data:           data,
		r:              r,
		fileHeader:     fileHeader,
		optionalHeader: optionalHeader,
		optOffset:      optOffset,
		sectionsOffset: sectionsOffset,
		sections:       sections,
	}, nil
}

// Bytes returns the raw contents of the image.
func (img *Image) Bytes() []byte {
	return img.data
}

// FileHeader returns a copy of the image's COFF file header.
func (img *Image) FileHeader() dpe.FileHeader {
	return *img.fileHeader
}

// Is64 reports whether the image carries a PE32+ optional header.
func (img *Image) Is64() bool {
	return img.optionalHeader.magic() == optionalHeaderMagic64
}

// SectionAlignment returns the in-memory alignment of sections.
func (img *Image) SectionAlignment() uint32 {
	return img.optionalHeader.sectionAlignment()
}

// FileAlignment returns the on-disk alignment of section raw data.
func (img *Image) FileAlignment() uint32 {
	return img.optionalHeader.fileAlignment()
}

// SizeOfImage returns the SizeOfImage field of the optional header.
func (img *Image) SizeOfImage() uint32 {
	return img.optionalHeader.sizeOfImage()
}

// CheckSum returns the checksum stored in the optional header.
func (img *Image) CheckSum() uint32 {
	return img.optionalHeader.checkSum()
}

func (img *Image) checkSumOffset() int {
	return int(img.optOffset) + offsetCheckSum
}

// Sections returns a copy of the image's section table.
func (img *Image) Sections() []Section {
	return append([]Section(nil), img.sections...)
}

// Section returns the index of the first section named name.
func (img *Image) Section(name string) (int, bool) {
	for i := range img.sections {
		if img.sections[i].NameString() == name {
			return i, true
		}
	}
	return -1, false
}

// SectionByRVA returns the index of the section whose mapped range contains rva.
func (img *Image) SectionByRVA(rva uint32) (int, bool) {
	for i := range img.sections {
		s := &img.sections[i]
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.virtualSpan() {
			return i, true
		}
	}
	return -1, false
}

// SectionData returns the raw on-disk contents of the section at index idx.
func (img *Image) SectionData(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(img.sections) {
		return nil, ErrIndexOutOfRange
	}

	s := &img.sections[idx]
	if !s.hasRawData() {
		return nil, nil
	}
	return img.data[s.PointerToRawData : s.PointerToRawData+s.SizeOfRawData], nil
}

func resolveRVA[O constraints.Integer](img *Image, rva O) int64 {
	urva := uint32(rva)
	for _, s := range img.sections {
		if urva < s.VirtualAddress {
			continue
		}
		if urva >= (s.VirtualAddress + s.virtualSpan()) {
			continue
		}
		voff := urva - s.VirtualAddress
		foff := s.PointerToRawData + voff
		if foff >= s.PointerToRawData+s.SizeOfRawData {
			return 0
		}
		return int64(foff)
	}

	return 0
}

// ResolveRVA converts rva to a file offset.
func (img *Image) ResolveRVA(rva uint32) (int64, error) {
	off := resolveRVA(img, rva)
	if off == 0 {
		return 0, fmt.Errorf("%w: rva 0x%08X is not backed by file data", ErrInvalidBinary, rva)
	}
	return off, nil
}

// ReadRVA returns size bytes of file data starting at rva. The range must be
// backed by a single section's raw data.
func (img *Image) ReadRVA(rva, size uint32) ([]byte, error) {
	idx, ok := img.SectionByRVA(rva)
	if !ok {
		return nil, fmt.Errorf("%w: rva 0x%08X is outside all sections", ErrInvalidBinary, rva)
	}

	s := &img.sections[idx]
	voff := uint64(rva - s.VirtualAddress)
	if voff+uint64(size) > uint64(s.SizeOfRawData) {
		return nil, fmt.Errorf("%w: range 0x%08X+%d exceeds section %q", ErrInvalidBinary, rva, size, s.NameString())
	}

	off := uint64(s.PointerToRawData) + voff
	return img.data[off : off+uint64(size)], nil
}

func (img *Image) dataDirectory() []dpe.DataDirectory {
	dd := img.optionalHeader.dataDirectory()
	cnt := img.optionalHeader.numberOfRvaAndSizes()
	if maxCnt := uint32(len(dd)); cnt > maxCnt {
		cnt = maxCnt
	}
	return dd[:cnt]
}

func (img *Image) dataDirectoryOffset(idx int) int64 {
	return img.optOffset + int64(img.optionalHeader.sizeOfFixedPart()) + int64(idx*sizeIMAGE_DATA_DIRECTORY)
}

const (
	IMAGE_DIRECTORY_ENTRY_EXPORT         = dpe.IMAGE_DIRECTORY_ENTRY_EXPORT
	IMAGE_DIRECTORY_ENTRY_IMPORT         = dpe.IMAGE_DIRECTORY_ENTRY_IMPORT
	IMAGE_DIRECTORY_ENTRY_RESOURCE       = dpe.IMAGE_DIRECTORY_ENTRY_RESOURCE
	IMAGE_DIRECTORY_ENTRY_EXCEPTION      = dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION
	IMAGE_DIRECTORY_ENTRY_SECURITY       = dpe.IMAGE_DIRECTORY_ENTRY_SECURITY
	IMAGE_DIRECTORY_ENTRY_BASERELOC      = dpe.IMAGE_DIRECTORY_ENTRY_BASERELOC
	IMAGE_DIRECTORY_ENTRY_DEBUG          = dpe.IMAGE_DIRECTORY_ENTRY_DEBUG
	IMAGE_DIRECTORY_ENTRY_ARCHITECTURE   = dpe.IMAGE_DIRECTORY_ENTRY_ARCHITECTURE
	IMAGE_DIRECTORY_ENTRY_GLOBALPTR      = dpe.IMAGE_DIRECTORY_ENTRY_GLOBALPTR
	IMAGE_DIRECTORY_ENTRY_TLS            = dpe.IMAGE_DIRECTORY_ENTRY_TLS
	IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG    = dpe.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG
	IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT   = dpe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT
	IMAGE_DIRECTORY_ENTRY_IAT            = dpe.IMAGE_DIRECTORY_ENTRY_IAT
	IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT   = dpe.IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT
	IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR = dpe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR
)

// DataDirectoryEntry returns information from img's data directory at index idx.
// idx must be one of the IMAGE_DIRECTORY_ENTRY_* constants in the debug/pe package.
// The type of the return value depends on the value of idx. Most values for idx
// return the debug/pe.DataDirectory entry itself, however the following idx
// values, when present, return more sophisticated information:
//
// debug/pe.IMAGE_DIRECTORY_ENTRY_SECURITY returns []AuthenticodeCert;
// debug/pe.IMAGE_DIRECTORY_ENTRY_DEBUG returns []IMAGE_DEBUG_DIRECTORY
func (img *Image) DataDirectoryEntry(idx int) (any, error) {
	dd := img.dataDirectory()
	if idx < 0 || idx >= len(dd) {
		return nil, ErrIndexOutOfRange
	}

	dde := dd[idx]
	if dde.VirtualAddress == 0 || dde.Size == 0 {
		return nil, ErrNotPresent
	}

	switch idx {
	case dpe.IMAGE_DIRECTORY_ENTRY_SECURITY:
		return img.extractAuthenticode(dde)
	case dpe.IMAGE_DIRECTORY_ENTRY_DEBUG:
		return img.extractDebugInfo(dde)
	default:
		return dde, nil
	}
}

// WIN_CERT_REVISION is an enumeration from the Windows SDK.
type WIN_CERT_REVISION uint16

const (
	WIN_CERT_REVISION_1_0 WIN_CERT_REVISION = 0x0100
	WIN_CERT_REVISION_2_0 WIN_CERT_REVISION = 0x0200
)

// WIN_CERT_TYPE is an enumeration from the Windows SDK.
type WIN_CERT_TYPE uint16

const (
	WIN_CERT_TYPE_X509             WIN_CERT_TYPE = 0x0001
	WIN_CERT_TYPE_PKCS_SIGNED_DATA WIN_CERT_TYPE = 0x0002
	WIN_CERT_TYPE_TS_STACK_SIGNED  WIN_CERT_TYPE = 0x0004
)

type _WIN_CERTIFICATE_HEADER struct {
	Length          uint32
	Revision        WIN_CERT_REVISION
	CertificateType WIN_CERT_TYPE
}

const sizeWIN_CERTIFICATE_HEADER = 8

// AuthenticodeCert represents an authenticode signature that has been extracted
// from a signed PE binary but not fully parsed.
type AuthenticodeCert struct {
	header _WIN_CERTIFICATE_HEADER
	data   []byte
}

// Revision returns the revision of ac.
func (ac *AuthenticodeCert) Revision() WIN_CERT_REVISION {
	return ac.header.Revision
}

// Type returns the type of ac.
func (ac *AuthenticodeCert) Type() WIN_CERT_TYPE {
	return ac.header.CertificateType
}

// Data returns the raw bytes of ac's cert.
func (ac *AuthenticodeCert) Data() []byte {
	return ac.data
}

func alignUp[V constraints.Integer](v V, powerOfTwo V) V {
	if v < 0 || powerOfTwo < 0 || bits.OnesCount(uint(powerOfTwo)) != 1 {
		panic("invalid arguments to alignUp")
	}
	return v + ((-v) & (powerOfTwo - 1))
}

// GUID is the binary layout of a Windows GUID.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// IMAGE_DEBUG_DIRECTORY describes debug information embedded in the binary.
type IMAGE_DEBUG_DIRECTORY struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32 // an IMAGE_DEBUG_TYPE constant
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

const (
	sizeIMAGE_DEBUG_DIRECTORY             = 28
	offsetIMAGE_DEBUG_DIRECTORYAddress    = 20
	offsetIMAGE_DEBUG_DIRECTORYPointerRaw = 24
)

// IMAGE_DEBUG_TYPE_CODEVIEW identifies the current IMAGE_DEBUG_DIRECTORY as
// pointing to CodeView debug information.
const IMAGE_DEBUG_TYPE_CODEVIEW = 2

// IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED contains CodeView debug information
// embedded in the PE file. Note that this structure's ABI does not match its C
// counterpart because the latter is packed.
type IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED struct {
	GUID    GUID
	Age     uint32
	PDBPath string
}

// String returns the data from u formatted in the same way that Microsoft
// debugging tools and symbol servers use to identify PDB files corresponding
// to a specific binary.
func (u *IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%08X%04X%04X", u.GUID.Data1, u.GUID.Data2, u.GUID.Data3)
	for _, v := range u.GUID.Data4 {
		fmt.Fprintf(&b, "%02X", v)
	}
	fmt.Fprintf(&b, "%X", u.Age)
	return b.String()
}

func (u *IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED) unpack(r *bufio.Reader) error {
	var signature uint32
	if err := binary.Read(r, binary.LittleEndian, &signature); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &u.GUID); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &u.Age); err != nil {
		return err
	}

	var pdbBytes []byte
	for b, err := r.ReadByte(); err == nil && b != 0; b, err = r.ReadByte() {
		pdbBytes = append(pdbBytes, b)
	}

	u.PDBPath = string(pdbBytes)
	return nil
}

func (img *Image) extractDebugInfo(dde dpe.DataDirectory) (any, error) {
	off := resolveRVA(img, dde.VirtualAddress)
	if off == 0 {
		return nil, ErrInvalidBinary
	}
	count := dde.Size / sizeIMAGE_DEBUG_DIRECTORY
	return readStructArray[IMAGE_DEBUG_DIRECTORY](img.r, off, int(count))
}

// ExtractCodeViewInfo obtains CodeView debug information from de, assuming that
// de represents CodeView debug info.
func (img *Image) ExtractCodeViewInfo(de IMAGE_DEBUG_DIRECTORY) (*IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED, error) {
	if de.Type != IMAGE_DEBUG_TYPE_CODEVIEW {
		return nil, ErrNotCodeView
	}

	cv := new(IMAGE_DEBUG_INFO_CODEVIEW_UNPACKED)
	sr := io.NewSectionReader(img.r, int64(de.PointerToRawData), int64(de.SizeOfData))
	if err := cv.unpack(bufio.NewReader(sr)); err != nil {
		return nil, err
	}

	return cv, nil
}

func (img *Image) extractAuthenticode(dde dpe.DataDirectory) (any, error) {
	var result []AuthenticodeCert
	// The VirtualAddress is a file offset.
	if int64(dde.VirtualAddress)+int64(dde.Size) > int64(len(img.data)) {
		return nil, fmt.Errorf("%w: certificate table beyond end of file", ErrInvalidBinary)
	}
	sr := io.NewSectionReader(img.r, int64(dde.VirtualAddress), int64(dde.Size))
	var curOffset int64

	for {
		var entry AuthenticodeCert
		if err := binary.Read(sr, binary.LittleEndian, &entry.header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		curOffset += sizeWIN_CERTIFICATE_HEADER
		if entry.header.Length < sizeWIN_CERTIFICATE_HEADER {
			return nil, fmt.Errorf("%w: certificate length %d", ErrBadLength, entry.header.Length)
		}

		entry.data = make([]byte, entry.header.Length-sizeWIN_CERTIFICATE_HEADER)
		n, err := io.ReadFull(sr, entry.data)
		if err != nil && err != io.ErrUnexpectedEOF {
			// No EOF check here since we've already read a header and are expecting data
			return nil, err
		}
		if n != len(entry.data) {
			return nil, fmt.Errorf("%w: want %d, got %d", ErrBadLength, len(entry.data), n)
		}
		curOffset += int64(n)

		result = append(result, entry)

		curOffset = alignUp(curOffset, 8)
		if curOffset >= int64(dde.Size) {
			break
		}
		if _, err := sr.Seek(curOffset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	return result, nil
}
