// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package patcher rewrites the resources of a template executable: its icon,
// RCDATA blobs, string table entries and version strings.
package patcher

import (
	"bytes"
	dpe "debug/pe"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/wayknow/cse/pe"
	"github.com/wayknow/cse/rsrc"
)

// State is the lifecycle stage of an Engine.
type State int

const (
	Unloaded State = iota
	Loaded
	Patched
	Committed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Patched:
		return "patched"
	case Committed:
		return "committed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine records resource edits against a loaded template and writes the
// patched image on Commit.
type Engine struct {
	logger *zap.Logger
	state  State

	templatePath string
	img          *pe.Image
	rsrcIdx      int

	icon    []byte
	rcdata  map[uint16][]byte
	strings map[uint16]string
	version map[string]string
}

// New returns an Engine in the Unloaded state.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:  zap.NewNop(),
		rcdata:  map[uint16][]byte{},
		strings: map[uint16]string{},
		version: map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current lifecycle stage.
func (e *Engine) State() State {
	return e.state
}

// Load reads and validates the template at templatePath.
func (e *Engine) Load(templatePath string) error {
	if e.state != Unloaded {
		return fmt.Errorf("%w: Load called in state %v", ErrInvalidState, e.state)
	}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutableLoadFailed, err)
	}
	img, err := pe.Parse(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExecutableLoadFailed, templatePath, err)
	}
	if _, err := rsrc.Parse(img); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExecutableLoadFailed, templatePath, err)
	}

	dde, err := img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExecutableLoadFailed, templatePath, err)
	}
	rva := dde.(dpe.DataDirectory).VirtualAddress
	idx, ok := img.SectionByRVA(rva)
	if !ok {
		return fmt.Errorf("%w: %s: resource directory outside any section", ErrExecutableLoadFailed, templatePath)
	}
	if sec := img.Sections()[idx]; sec.VirtualAddress != rva {
		return fmt.Errorf("%w: %s: resource directory does not start section %s", ErrExecutableLoadFailed, templatePath, sec.NameString())
	}

	e.templatePath = templatePath
	e.img = img
	e.rsrcIdx = idx
	e.state = Loaded
	e.logger.Debug("template loaded",
		zap.String("path", templatePath),
		zap.String("size", humanize.Bytes(uint64(len(data)))),
		zap.Bool("pe32+", img.Is64()),
	)
	return nil
}

func (e *Engine) record() error {
	switch e.state {
	case Loaded:
		e.state = Patched
		return nil
	case Patched:
		return nil
	default:
		return fmt.Errorf("%w: edit recorded in state %v", ErrInvalidState, e.state)
	}
}

// SetIcon replaces the application icon with the ICO file ico.
func (e *Engine) SetIcon(ico []byte) error {
	if err := e.record(); err != nil {
		return err
	}
	e.icon = ico
	return nil
}

// SetRCData replaces the RCDATA resource id.
func (e *Engine) SetRCData(id uint16, data []byte) error {
	if err := e.record(); err != nil {
		return err
	}
	e.rcdata[id] = data
	return nil
}

// SetString replaces string table entry id.
func (e *Engine) SetString(id uint16, text string) error {
	if err := e.record(); err != nil {
		return err
	}
	e.strings[id] = text
	return nil
}

// SetVersionString sets a StringFileInfo value such as ProductName.
func (e *Engine) SetVersionString(key, value string) error {
	if err := e.record(); err != nil {
		return err
	}
	e.version[key] = value
	return nil
}

// Resource describes one resource of the loaded template.
type Resource struct {
	Type rsrc.Key
	Name rsrc.Key
	Lang uint16
	Size int
}

// Resources lists the resources of the loaded template.
func (e *Engine) Resources() ([]Resource, error) {
	if e.state == Unloaded {
		return nil, fmt.Errorf("%w: no template loaded", ErrInvalidState)
	}

	dir, err := rsrc.Parse(e.img)
	if err != nil {
		return nil, err
	}

	var result []Resource
	for _, l := range dir.Leaves() {
		result = append(result, Resource{Type: l.Type, Name: l.Name, Lang: l.Lang, Size: len(l.Data.Bytes)})
	}
	return result, nil
}

func (e *Engine) empty() bool {
	return e.icon == nil && len(e.rcdata) == 0 && len(e.strings) == 0 && len(e.version) == 0
}

// Commit applies the recorded edits and writes the patched image to
// outputPath. The template file is left untouched. On failure the engine
// keeps its state and nothing is written.
func (e *Engine) Commit(outputPath string) error {
	if e.state != Loaded && e.state != Patched {
		return fmt.Errorf("%w: Commit called in state %v", ErrInvalidState, e.state)
	}
	if SameFile(e.templatePath, outputPath) {
		return &PatchError{Edit: EditWrite, Err: ErrOverwritesTemplate}
	}

	out := e.img.Bytes()
	if !e.empty() {
		var err error
		if out, err = e.apply(); err != nil {
			e.logger.Debug("commit failed", zap.Error(errors.Unwrap(err)))
			return err
		}
	}

	if err := atomic.WriteFile(outputPath, bytes.NewReader(out)); err != nil {
		return &PatchError{Edit: EditWrite, Err: err}
	}

	e.state = Committed
	e.logger.Info("resources committed",
		zap.String("template", e.templatePath),
		zap.String("output", outputPath),
		zap.String("size", humanize.Bytes(uint64(len(out)))),
	)
	return nil
}

// SameFile reports whether a and b name the same file. b need not exist.
func SameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

func (e *Engine) apply() ([]byte, error) {
	// A fresh tree per attempt keeps a failed Commit from leaking edits.
	dir, err := rsrc.Parse(e.img)
	if err != nil {
		return nil, &PatchError{Edit: EditRebuild, Err: err}
	}

	if e.icon != nil {
		if err := e.applyIcon(dir); err != nil {
			return nil, err
		}
	}
	if err := e.applyRCData(dir); err != nil {
		return nil, err
	}
	if err := e.applyStrings(dir); err != nil {
		return nil, err
	}
	if err := e.applyVersion(dir); err != nil {
		return nil, err
	}

	sec := e.img.Sections()[e.rsrcIdx]
	section := dir.Marshal(sec.VirtualAddress)
	out, err := e.img.ReplaceSection(e.rsrcIdx, section, pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	if err != nil {
		return nil, &PatchError{Edit: EditRebuild, Err: err}
	}
	e.logger.Debug(".rsrc rebuilt",
		zap.String("old", humanize.Bytes(uint64(sec.SizeOfRawData))),
		zap.String("new", humanize.Bytes(uint64(len(section)))),
	)
	return out, nil
}

func (e *Engine) applyIcon(dir *rsrc.Directory) error {
	groups := dir.Type(rsrc.ID(rsrc.TypeGroupIcon))
	icons := dir.Type(rsrc.ID(rsrc.TypeIcon))
	if groups == nil || len(groups.Entries) == 0 || icons == nil {
		return &PatchError{Edit: EditIcon, Err: rsrc.ErrNotPresent}
	}
	groupKey := groups.Entries[0].Key

	g, err := rsrc.ParseICO(e.icon)
	if err != nil {
		return &PatchError{Edit: EditIcon, ID: groupKey.ID(), Err: err}
	}

	// Every language of the group is rewritten, so the images referenced by
	// any of them can go.
	gd := dir.Lookup(rsrc.ID(rsrc.TypeGroupIcon), groupKey)
	if gd == nil {
		return &PatchError{Edit: EditIcon, ID: groupKey.ID(), Err: rsrc.ErrNotPresent}
	}
	var langs []uint16
	oldIDs := map[uint16]bool{}
	for _, le := range gd.Entries {
		if le.Data == nil {
			continue
		}
		_, refs, err := rsrc.DecodeIconGroup(le.Data.Bytes)
		if err != nil {
			return &PatchError{Edit: EditIcon, ID: groupKey.ID(), Err: err}
		}
		langs = append(langs, le.Key.ID())
		for _, id := range refs {
			oldIDs[id] = true
		}
	}

	// Images shared with another group stay.
	for _, ge := range groups.Entries {
		if ge.Key == groupKey || ge.Dir == nil {
			continue
		}
		for _, le := range ge.Dir.Entries {
			if le.Data == nil {
				continue
			}
			if _, refs, err := rsrc.DecodeIconGroup(le.Data.Bytes); err == nil {
				for _, id := range refs {
					delete(oldIDs, id)
				}
			}
		}
	}

	var maxID uint16
	imageLang := uint16(0)
	for _, ie := range icons.Entries {
		if !ie.Key.IsName() && ie.Key.ID() > maxID {
			maxID = ie.Key.ID()
		}
	}
	if int(maxID)+len(g.Images) > 0xFFFF {
		return &PatchError{Edit: EditIcon, ID: groupKey.ID(), Err: errors.New("icon IDs exhausted")}
	}

	for _, id := range sortedKeys(oldIDs) {
		ld := dir.Lookup(rsrc.ID(rsrc.TypeIcon), rsrc.ID(id))
		if ld == nil {
			continue
		}
		var imgLangs []uint16
		for _, le := range ld.Entries {
			imgLangs = append(imgLangs, le.Key.ID())
		}
		if len(imgLangs) > 0 {
			imageLang = imgLangs[0]
		}
		for _, l := range imgLangs {
			dir.Remove(rsrc.ID(rsrc.TypeIcon), rsrc.ID(id), l)
		}
	}

	ids := make([]uint16, len(g.Images))
	for i, img := range g.Images {
		ids[i] = maxID + 1 + uint16(i)
		dir.Put(rsrc.ID(rsrc.TypeIcon), rsrc.ID(ids[i]), imageLang, img)
	}
	groupData := g.GroupData(ids)
	for _, lang := range langs {
		dir.Put(rsrc.ID(rsrc.TypeGroupIcon), groupKey, lang, groupData)
	}

	e.logger.Debug("icon replaced",
		zap.Stringer("group", groupKey),
		zap.Int("images", len(g.Images)),
		zap.Uint16s("ids", ids),
	)
	return nil
}

func sortedKeys[V any](m map[uint16]V) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (e *Engine) applyRCData(dir *rsrc.Directory) error {
	for _, id := range sortedKeys(e.rcdata) {
		lang, _, ok := dir.First(rsrc.ID(rsrc.TypeRCData), rsrc.ID(id))
		if !ok {
			return &PatchError{Edit: EditRCData, ID: id, Err: rsrc.ErrNotPresent}
		}
		dir.Put(rsrc.ID(rsrc.TypeRCData), rsrc.ID(id), lang, e.rcdata[id])
		e.logger.Debug("rcdata replaced",
			zap.Uint16("id", id),
			zap.String("size", humanize.Bytes(uint64(len(e.rcdata[id])))),
		)
	}
	return nil
}

func (e *Engine) applyStrings(dir *rsrc.Directory) error {
	blocks := map[uint16][]uint16{}
	for _, id := range sortedKeys(e.strings) {
		b := rsrc.StringBlockID(id)
		blocks[b] = append(blocks[b], id)
	}

	for _, blockID := range sortedKeys(blocks) {
		ids := blocks[blockID]
		lang, data, ok := dir.First(rsrc.ID(rsrc.TypeString), rsrc.ID(blockID))
		if !ok {
			return &PatchError{Edit: EditString, ID: ids[0], Err: rsrc.ErrNotPresent}
		}
		strs, err := rsrc.DecodeStringBlock(data.Bytes)
		if err != nil {
			return &PatchError{Edit: EditString, ID: ids[0], Err: err}
		}
		for _, id := range ids {
			strs[rsrc.StringBlockIndex(id)] = e.strings[id]
			e.logger.Debug("string replaced", zap.Uint16("id", id), zap.String("value", e.strings[id]))
		}
		dir.Put(rsrc.ID(rsrc.TypeString), rsrc.ID(blockID), lang, rsrc.EncodeStringBlock(strs))
	}
	return nil
}

func (e *Engine) applyVersion(dir *rsrc.Directory) error {
	if len(e.version) == 0 {
		return nil
	}

	versions := dir.Type(rsrc.ID(rsrc.TypeVersion))
	if versions == nil || len(versions.Entries) == 0 || versions.Entries[0].Dir == nil {
		return &PatchError{Edit: EditVersion, ID: 1, Err: rsrc.ErrNotPresent}
	}
	ne := versions.Entries[0]

	for _, le := range ne.Dir.Entries {
		edited, err := rsrc.SetVersionStrings(le.Data.Bytes, e.version)
		if err != nil {
			return &PatchError{Edit: EditVersion, ID: ne.Key.ID(), Err: err}
		}
		dir.Put(rsrc.ID(rsrc.TypeVersion), ne.Key, le.Key.ID(), edited)
	}
	e.logger.Debug("version strings replaced", zap.Any("values", e.version))
	return nil
}
