// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	dpe "debug/pe"
	"fmt"
	"io"
)

const (
	optionalHeaderMagic32 = 0x010b
	optionalHeaderMagic64 = 0x020b
)

// Field offsets shared by PE32 and PE32+ optional headers.
const (
	offsetSizeOfInitializedData = 8
	offsetSizeOfImage           = 56
	offsetSizeOfHeaders         = 60
	offsetCheckSum              = 64
)

type optionalHeader interface {
	magic() uint16
	sectionAlignment() uint32
	fileAlignment() uint32
	sizeOfImage() uint32
	sizeOfHeaders() uint32
	sizeOfInitializedData() uint32
	checkSum() uint32
	numberOfRvaAndSizes() uint32
	dataDirectory() []dpe.DataDirectory
	sizeOfFixedPart() uint32
}

type optionalHeader32 dpe.OptionalHeader32

func (oh *optionalHeader32) magic() uint16                 { return oh.Magic }
func (oh *optionalHeader32) sectionAlignment() uint32      { return oh.SectionAlignment }
func (oh *optionalHeader32) fileAlignment() uint32         { return oh.FileAlignment }
func (oh *optionalHeader32) sizeOfImage() uint32           { return oh.SizeOfImage }
func (oh *optionalHeader32) sizeOfHeaders() uint32         { return oh.SizeOfHeaders }
func (oh *optionalHeader32) sizeOfInitializedData() uint32 { return oh.SizeOfInitializedData }
func (oh *optionalHeader32) checkSum() uint32              { return oh.CheckSum }
func (oh *optionalHeader32) numberOfRvaAndSizes() uint32   { return oh.NumberOfRvaAndSizes }
func (oh *optionalHeader32) sizeOfFixedPart() uint32       { return 96 }

func (oh *optionalHeader32) dataDirectory() []dpe.DataDirectory {
	cp := oh.DataDirectory
	return cp[:]
}

type optionalHeader64 dpe.OptionalHeader64

func (oh *optionalHeader64) magic() uint16                 { return oh.Magic }
func (oh *optionalHeader64) sectionAlignment() uint32      { return oh.SectionAlignment }
func (oh *optionalHeader64) fileAlignment() uint32         { return oh.FileAlignment }
func (oh *optionalHeader64) sizeOfImage() uint32           { return oh.SizeOfImage }
func (oh *optionalHeader64) sizeOfHeaders() uint32         { return oh.SizeOfHeaders }
func (oh *optionalHeader64) sizeOfInitializedData() uint32 { return oh.SizeOfInitializedData }
func (oh *optionalHeader64) checkSum() uint32              { return oh.CheckSum }
func (oh *optionalHeader64) numberOfRvaAndSizes() uint32   { return oh.NumberOfRvaAndSizes }
func (oh *optionalHeader64) sizeOfFixedPart() uint32       { return 112 }

func (oh *optionalHeader64) dataDirectory() []dpe.DataDirectory {
	cp := oh.DataDirectory
	return cp[:]
}

func readOptionalHeader(r io.ReaderAt, off int64) (optionalHeader, error) {
	magic, err := readStruct[uint16](r, off)
	if err != nil {
		return nil, err
	}

	switch *magic {
	case optionalHeaderMagic32:
		oh, err := readStruct[dpe.OptionalHeader32](r, off)
		if err != nil {
			return nil, err
		}
		return (*optionalHeader32)(oh), nil
	case optionalHeaderMagic64:
		oh, err := readStruct[dpe.OptionalHeader64](r, off)
		if err != nil {
			return nil, err
		}
		return (*optionalHeader64)(oh), nil
	default:
		return nil, fmt.Errorf("%w: optional header magic 0x%04X", ErrInvalidBinary, *magic)
	}
}
