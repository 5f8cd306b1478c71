// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rsrc

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tc-hib/winres/version"
	"github.com/tidwall/gjson"
)

var errVersionUnreadable = errors.New("unreadable VERSIONINFO resource")

type VersionNumber struct {
	Major uint16
	Minor uint16
	Patch uint16
	Build uint16
}

func (vn *VersionNumber) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", vn.Major, vn.Minor, vn.Patch, vn.Build)
}

func parseVersionNumber(s string) VersionNumber {
	var parts [4]uint16
	for i, f := range strings.SplitN(s, ".", 4) {
		v, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			break
		}
		parts[i] = uint16(v)
	}
	return VersionNumber{Major: parts[0], Minor: parts[1], Patch: parts[2], Build: parts[3]}
}

// VersionInfo is a decoded VERSIONINFO resource.
type VersionInfo struct {
	fixed          VersionNumber
	product        VersionNumber
	translationIDs []uint16
	strings        map[uint16]map[string]string
}

const (
	enUS        = 0x0409
	langNeutral = 0
)

// ReadVersion decodes a VERSIONINFO resource.
func ReadVersion(data []byte) (*VersionInfo, error) {
	vi, err := version.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errVersionUnreadable, err)
	}
	js, err := vi.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errVersionUnreadable, err)
	}

	doc := gjson.ParseBytes(js)
	result := &VersionInfo{
		fixed:   parseVersionNumber(doc.Get("fixed.file_version").String()),
		product: parseVersionNumber(doc.Get("fixed.product_version").String()),
		strings: map[uint16]map[string]string{},
	}

	// Preferred translations, in order of preference.
	result.translationIDs = []uint16{enUS, langNeutral}
	var others []uint16
	doc.Get("info").ForEach(func(k, v gjson.Result) bool {
		lang, err := strconv.ParseUint(k.String(), 16, 16)
		if err != nil {
			return true
		}
		table := map[string]string{}
		v.ForEach(func(key, value gjson.Result) bool {
			table[key.String()] = value.String()
			return true
		})
		result.strings[uint16(lang)] = table
		if lang != enUS && lang != langNeutral {
			others = append(others, uint16(lang))
		}
		return true
	})
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	result.translationIDs = append(result.translationIDs, others...)

	return result, nil
}

func (vi *VersionInfo) VersionNumber() VersionNumber {
	return vi.fixed
}

func (vi *VersionInfo) ProductVersionNumber() VersionNumber {
	return vi.product
}

// Languages returns the languages that carry a string table.
func (vi *VersionInfo) Languages() []uint16 {
	var langs []uint16
	for _, lang := range vi.translationIDs {
		if _, ok := vi.strings[lang]; ok {
			langs = append(langs, lang)
		}
	}
	return langs
}

// Field returns the value of key from the most preferred translation that
// defines it.
func (vi *VersionInfo) Field(key string) (string, error) {
	for _, lang := range vi.translationIDs {
		if value, ok := vi.strings[lang][key]; ok {
			return value, nil
		}
		// Otherwise we continue looping and try the next language
	}

	return "", ErrNotPresent
}

func (vi *VersionInfo) CompanyName() (string, error) {
	return vi.Field(version.CompanyName)
}

func (vi *VersionInfo) ProductName() (string, error) {
	return vi.Field(version.ProductName)
}

// SetVersionStrings sets the StringFileInfo values kv in every translation of
// the VERSIONINFO resource data and returns the re-encoded resource. A
// resource without translations gains an en-US one.
func SetVersionStrings(data []byte, kv map[string]string) ([]byte, error) {
	vi, err := version.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errVersionUnreadable, err)
	}
	current, err := ReadVersion(data)
	if err != nil {
		return nil, err
	}

	langs := current.Languages()
	if len(langs) == 0 {
		langs = []uint16{version.LangDefault}
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, lang := range langs {
		for _, k := range keys {
			if err := vi.Set(lang, k, kv[k]); err != nil {
				return nil, fmt.Errorf("setting %s: %w", k, err)
			}
		}
	}
	return vi.Bytes(), nil
}
