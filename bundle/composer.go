// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package bundle assembles installer artifacts into the fixed bundle layout
// and compresses the result.
package bundle

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/wayknow/cse/archive"
)

// PrimaryBinary is the executable every platform package must contain.
const PrimaryBinary = "WaykNow.exe"

// DefaultUnattendedBinaries are extracted in addition to PrimaryBinary for
// unattended installs.
var DefaultUnattendedBinaries = []string{"NowService.exe", "NowSession.exe", "NowProxy.exe"}

type request struct {
	typ    PackageType
	source string
}

// Option configures a Composer.
type Option func(*Composer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Composer) {
		c.logger = logger
	}
}

// WithWorkDir sets the parent of the temporary working directory. The
// default is the system temporary directory.
func WithWorkDir(parent string) Option {
	return func(c *Composer) {
		c.workParent = parent
	}
}

// WithCompressor sets the compressor. The default is SevenZip.
func WithCompressor(comp Compressor) Option {
	return func(c *Composer) {
		c.compressor = comp
	}
}

// WithUnattendedBinaries replaces DefaultUnattendedBinaries.
func WithUnattendedBinaries(names ...string) Option {
	return func(c *Composer) {
		c.unattended = names
	}
}

// Composer collects bundle requests and packs them.
type Composer struct {
	logger     *zap.Logger
	workParent string
	compressor Compressor
	unattended []string

	requests []request
}

// New returns an empty Composer.
func New(opts ...Option) *Composer {
	c := &Composer{
		logger:     zap.NewNop(),
		compressor: &SevenZip{},
		unattended: DefaultUnattendedBinaries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compressor returns the configured compressor.
func (c *Composer) Compressor() Compressor {
	return c.compressor
}

// Add queues the artifact at source as typ. Requests are materialized in
// the order they were added.
func (c *Composer) Add(typ PackageType, source string) {
	c.requests = append(c.requests, request{typ: typ, source: source})
}

// Layout returns the bundle destinations of the queued requests, each once,
// in first-added order.
func (c *Composer) Layout() []string {
	seen := map[string]bool{}
	var layout []string
	for _, r := range c.requests {
		dest := r.typ.Destination()
		if seen[dest] {
			continue
		}
		seen[dest] = true
		layout = append(layout, dest)
	}
	return layout
}

// Pack materializes every request in a temporary directory and compresses it
// to outputPath. On failure no output is left behind.
func (c *Composer) Pack(ctx context.Context, outputPath string) (retErr error) {
	work, err := os.MkdirTemp(c.workParent, "wayk-bundle-")
	if err != nil {
		return &PackError{Kind: IO, Path: c.workParent, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			retErr = multierror.Append(retErr, &PackError{Kind: IO, Path: work, Err: err}).ErrorOrNil()
		}
	}()

	c.logger.Debug("bundle working directory created", zap.String("path", work))

	for _, r := range c.requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.materialize(work, r); err != nil {
			return err
		}
		c.logger.Debug("bundle artifact added",
			zap.Stringer("type", r.typ),
			zap.String("source", r.source),
			zap.String("destination", r.typ.Destination()),
		)
	}

	// 7z updates an existing archive in place.
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &PackError{Kind: IO, Path: outputPath, Err: err}
	}

	if err := c.compressor.Compress(ctx, work, outputPath); err != nil {
		if rmErr := os.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = multierror.Append(err, rmErr)
		}
		var pErr *PackError
		if !errors.As(err, &pErr) {
			err = &PackError{Kind: CompressionFailed, Path: outputPath, Err: err}
		}
		return err
	}

	if fi, err := os.Stat(outputPath); err == nil {
		c.logger.Info("bundle packed",
			zap.String("path", outputPath),
			zap.String("size", humanize.Bytes(uint64(fi.Size()))),
			zap.Int("artifacts", len(c.requests)),
		)
	}
	return nil
}

func (c *Composer) materialize(work string, r request) error {
	dest := filepath.Join(work, filepath.FromSlash(r.typ.Destination()))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &PackError{Kind: IO, Path: dest, Err: err}
	}

	switch t := r.typ.(type) {
	case PlatformBinaries:
		members := []string{PrimaryBinary}
		if t.Unattended {
			members = append(members, c.unattended...)
		}
		return extractBinaries(r.source, dest, members)
	case PowerShellModule:
		if err := os.RemoveAll(dest); err != nil {
			return &PackError{Kind: IO, Path: dest, Err: err}
		}
		return copyDir(r.source, dest)
	default:
		return copyFile(r.source, dest)
	}
}

// extractBinaries replaces dir with the named members of the zip at source.
func extractBinaries(source, dir string, members []string) error {
	zr, err := archive.Open(source)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return &PackError{Kind: MissingFile, Path: source, Err: err}
		}
		return &PackError{Kind: IO, Path: source, Err: err}
	}
	defer zr.Close()

	for _, m := range members {
		if !zr.Has(m) {
			return &PackError{Kind: MissingFile, Path: source + "!" + m, Err: archive.ErrMemberMissing}
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return &PackError{Kind: IO, Path: dir, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PackError{Kind: IO, Path: dir, Err: err}
	}
	for _, m := range members {
		if _, err := zr.ExtractFile(m, filepath.Join(dir, m)); err != nil {
			return &PackError{Kind: IO, Path: source + "!" + m, Err: err}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &PackError{Kind: MissingFile, Path: src, Err: err}
		}
		return &PackError{Kind: IO, Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return &PackError{Kind: IO, Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &PackError{Kind: IO, Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &PackError{Kind: IO, Path: dst, Err: err}
	}
	return nil
}

func copyDir(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &PackError{Kind: MissingFile, Path: src, Err: err}
		}
		return &PackError{Kind: IO, Path: src, Err: err}
	}
	if !fi.IsDir() {
		return &PackError{Kind: IO, Path: src, Err: errors.New("not a directory")}
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &PackError{Kind: IO, Path: p, Err: err}
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return &PackError{Kind: IO, Path: p, Err: err}
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return &PackError{Kind: IO, Path: target, Err: err}
			}
			return nil
		}
		return copyFile(p, target)
	})
}
