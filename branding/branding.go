// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package branding reads the application icon and product name out of a
// Wayk Now branding archive.
package branding

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/wayknow/cse/archive"
)

const (
	manifestName = "manifest.json"

	maxManifestSize = 1 << 20
	maxIconSize     = 16 << 20

	iconPath        = "icons.app_icon_ico"
	productNamePath = "strings.wayk.productName"
)

var (
	ErrMissingManifest = errors.New("manifest.json is missing")
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrExtraction is returned when a file named by the manifest cannot be
	// read from the archive.
	ErrExtraction = errors.New("branding extraction failed")
)

// Archive is an open branding zip.
type Archive struct {
	r        *archive.Reader
	manifest *gjson.Result
}

// Open opens the branding archive at path.
func Open(path string) (*Archive, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	return &Archive{r: r}, nil
}

// Close releases the archive.
func (a *Archive) Close() error {
	return a.r.Close()
}

// Manifest returns the parsed manifest.json.
func (a *Archive) Manifest() (gjson.Result, error) {
	if a.manifest != nil {
		return *a.manifest, nil
	}

	b, err := a.r.ReadFile(manifestName, maxManifestSize)
	switch {
	case errors.Is(err, archive.ErrMemberMissing):
		return gjson.Result{}, ErrMissingManifest
	case errors.Is(err, archive.ErrTooLarge):
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	case err != nil:
		return gjson.Result{}, err
	}

	if !utf8.Valid(b) {
		return gjson.Result{}, fmt.Errorf("%w: manifest.json is not a valid text file", ErrInvalidManifest)
	}
	if !gjson.ValidBytes(b) {
		return gjson.Result{}, fmt.Errorf("%w: manifest.json is not a valid JSON file", ErrInvalidManifest)
	}

	m := gjson.ParseBytes(b)
	a.manifest = &m
	return m, nil
}

func (a *Archive) manifestString(path string) (string, error) {
	m, err := a.Manifest()
	if err != nil {
		return "", err
	}
	v := m.Get(path)
	if v.Type != gjson.String {
		return "", fmt.Errorf("%w: %s is missing inside manifest.json", ErrInvalidManifest, path)
	}
	return v.Str, nil
}

// IconName returns the archive member holding the application icon.
func (a *Archive) IconName() (string, error) {
	return a.manifestString(iconPath)
}

// Icon returns the ICO file named by the manifest.
func (a *Archive) Icon() ([]byte, error) {
	name, err := a.IconName()
	if err != nil {
		return nil, err
	}
	b, err := a.r.ReadFile(name, maxIconSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExtraction, name, err)
	}
	return b, nil
}

// ProductName returns the branded product name.
func (a *Archive) ProductName() (string, error) {
	return a.manifestString(productNamePath)
}
