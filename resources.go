// Copyright (c) 2022 Tailscale Inc & AUTHORS. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cse

// BundleResourceID is the RCDATA resource holding the compressed bundle.
const BundleResourceID = 102

// StringID is a string table entry read by the installer runtime.
type StringID uint16

const (
	EnableUnattendedService StringID = 103
	WaykDataPath            StringID = 104
	WaykSystemPath          StringID = 105
	WaykExtractionPath      StringID = 106
	WaykProductName         StringID = 107
	EnableWaykAutoClean     StringID = 108
)

func (id StringID) String() string {
	switch id {
	case EnableUnattendedService:
		return "EnableUnattendedService"
	case WaykDataPath:
		return "WaykDataPath"
	case WaykSystemPath:
		return "WaykSystemPath"
	case WaykExtractionPath:
		return "WaykExtractionPath"
	case WaykProductName:
		return "WaykProductName"
	case EnableWaykAutoClean:
		return "EnableWaykAutoClean"
	default:
		return "StringID(" + itoa(uint16(id)) + ")"
	}
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// DefaultProductName is used when no branding overrides it.
const DefaultProductName = "Wayk Now"

// BoolString renders a flag the way the runtime parses it.
func BoolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
