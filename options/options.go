// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package options loads the CSE options document and produces the
// finalized copy embedded in the bundle.
package options

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/wayknow/cse"
)

var ErrInvalidDocument = errors.New("invalid options document")

// Document is a loaded options document. Comments and trailing commas are
// accepted on input.
type Document struct {
	raw []byte
}

// Load reads the options document at path.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse parses an options document.
func Parse(b []byte) (*Document, error) {
	raw := jsonc.ToJSON(b)
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidDocument)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: top level is not an object", ErrInvalidDocument)
	}

	doc := &Document{raw: raw}
	if v := doc.get("install.version"); v.Exists() {
		if v.Type != gjson.String {
			return nil, fmt.Errorf("%w: install.version is not a string", ErrInvalidDocument)
		}
		if _, err := cse.ParseVersion(v.Str); err != nil {
			return nil, fmt.Errorf("%w: install.version: %w", ErrInvalidDocument, err)
		}
	}
	return doc, nil
}

func (d *Document) get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

func (d *Document) str(path string) string {
	if v := d.get(path); v.Type == gjson.String {
		return v.Str
	}
	return ""
}

func (d *Document) boolPtr(path string) *bool {
	v := d.get(path)
	if !v.IsBool() {
		return nil
	}
	b := v.Bool()
	return &b
}

type BrandingOptions struct {
	Path string
}

func (d *Document) Branding() BrandingOptions {
	return BrandingOptions{Path: d.str("branding.path")}
}

type SigningOptions struct {
	CertName string
}

func (d *Document) Signing() SigningOptions {
	return SigningOptions{CertName: d.str("signing.certName")}
}

type PostInstallScriptOptions struct {
	Path                string
	ImportWaykNowModule *bool
}

func (d *Document) PostInstallScript() PostInstallScriptOptions {
	return PostInstallScriptOptions{
		Path:                d.str("postInstallScript.path"),
		ImportWaykNowModule: d.boolPtr("postInstallScript.importWaykNowModule"),
	}
}

// ImportModule reports whether the WaykNow PowerShell module is requested.
func (o PostInstallScriptOptions) ImportModule() bool {
	return o.ImportWaykNowModule != nil && *o.ImportWaykNowModule
}

type InstallOptions struct {
	EmbedMsi *bool
	// Architectures holds the requested bitness, or both when the document
	// names none or an unknown one.
	Architectures []cse.Bitness
	Unattended    bool
	// Version pins the Wayk Now release. The zero value means latest.
	Version   cse.Version
	AutoClean *bool
}

func (d *Document) Install() InstallOptions {
	opts := InstallOptions{
		EmbedMsi:   d.boolPtr("install.embedMsi"),
		Unattended: d.get("install.unattended").Bool(),
		AutoClean:  d.boolPtr("install.autoClean"),
	}

	if b, err := cse.ParseBitness(d.str("install.architecture")); err == nil {
		opts.Architectures = []cse.Bitness{b}
	} else {
		opts.Architectures = append([]cse.Bitness(nil), cse.AllBitness...)
	}

	// Parse rejected malformed versions already.
	opts.Version, _ = cse.ParseVersion(d.str("install.version"))
	return opts
}

// EmbedMSI reports whether MSI packages are requested.
func (o InstallOptions) EmbedMSI() bool {
	return o.EmbedMsi != nil && *o.EmbedMsi
}

// PathOptions override the directories used by the installer runtime.
type PathOptions struct {
	Extraction string
	Data       string
	System     string
}

func (d *Document) Paths() PathOptions {
	return PathOptions{
		Extraction: d.str("paths.extraction"),
		Data:       d.str("paths.data"),
		System:     d.str("paths.system"),
	}
}

// Finalized returns the document as embedded in the bundle: build-host
// settings are removed and embedded artifacts are flagged.
func (d *Document) Finalized() ([]byte, error) {
	out := bytes.Clone(d.raw)

	type edit struct {
		path  string
		set   bool
		value any
	}
	var edits []edit

	edits = append(edits, edit{path: "signing"})
	if d.get("branding.path").Type == gjson.String {
		edits = append(edits, edit{path: "branding.embedded", set: true, value: true})
	}
	edits = append(edits, edit{path: "branding.path"})
	if d.get("postInstallScript.path").Type == gjson.String {
		edits = append(edits, edit{path: "postInstallScript.embedded", set: true, value: true})
	}
	edits = append(edits,
		edit{path: "postInstallScript.path"},
		edit{path: "postInstallScript.waykNowPsVersion"},
		edit{path: "install.architecture"},
	)

	for _, e := range edits {
		var err error
		if e.set {
			out, err = sjson.SetBytes(out, e.path, e.value)
		} else {
			out, err = sjson.DeleteBytes(out, e.path)
		}
		if err != nil {
			return nil, fmt.Errorf("finalizing %s: %w", e.path, err)
		}
	}

	return []byte(gjson.GetBytes(out, "@ugly").Raw), nil
}

// WriteFinalized writes the finalized document to path.
func (d *Document) WriteFinalized(path string) error {
	b, err := d.Finalized()
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(b))
}
