// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package archive reads members out of zip artifacts.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrNotFound wraps fs.ErrNotExist when the archive file is missing.
	ErrNotFound = fmt.Errorf("archive not found: %w", fs.ErrNotExist)
	// ErrCorruptArchive is returned when the central directory cannot be read.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrMemberMissing is returned when a named member is absent.
	ErrMemberMissing = errors.New("archive member missing")
	// ErrTooLarge is returned by ReadFile for members above the limit.
	ErrTooLarge = errors.New("archive member too large")
)

const copyBufferSize = 32 * 1024

// Error is an I/O failure while reading an archive.
type Error struct {
	Op     string
	Path   string
	Member string
	Err    error
}

func (e *Error) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s!%s: %v", e.Op, e.Path, e.Member, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Member describes one file of an archive.
type Member struct {
	Name           string
	CompressedSize uint64
	Size           uint64
}

// Reader is an open zip archive.
type Reader struct {
	path  string
	zr    *zip.ReadCloser
	index map[string]*zip.File
}

// Open opens the zip archive at path.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, &Error{Op: "open", Path: path, Err: err}
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, &Error{Op: "open", Path: path, Err: err}
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, path, err)
	}

	r := &Reader{path: path, zr: zr, index: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		// The first occurrence of a duplicated name wins.
		if _, ok := r.index[f.Name]; !ok {
			r.index[f.Name] = f
		}
	}
	return r, nil
}

// Path returns the file the archive was opened from.
func (r *Reader) Path() string {
	return r.path
}

// Close releases the archive.
func (r *Reader) Close() error {
	return r.zr.Close()
}

// Members lists the archive contents in central directory order.
func (r *Reader) Members() []Member {
	members := make([]Member, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		members = append(members, Member{
			Name:           f.Name,
			CompressedSize: f.CompressedSize64,
			Size:           f.UncompressedSize64,
		})
	}
	return members
}

// Has reports whether the archive holds a member called name.
func (r *Reader) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

func (r *Reader) open(name string) (*zip.File, io.ReadCloser, error) {
	f, ok := r.index[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrMemberMissing, name, r.path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, nil, &Error{Op: "open", Path: r.path, Member: name, Err: err}
	}
	return f, rc, nil
}

// Extract streams member name into w and returns the number of bytes written.
func (r *Reader) Extract(name string, w io.Writer) (int64, error) {
	_, rc, err := r.open(name)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(onlyWriter{w}, rc, buf)
	if err != nil {
		return n, &Error{Op: "extract", Path: r.path, Member: name, Err: err}
	}
	return n, nil
}

// ExtractFile writes member name to the file dest, replacing it.
func (r *Reader) ExtractFile(name, dest string) (int64, error) {
	if !r.Has(name) {
		return 0, fmt.Errorf("%w: %s in %s", ErrMemberMissing, name, r.path)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, &Error{Op: "create", Path: dest, Err: err}
	}
	n, err := r.Extract(name, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &Error{Op: "close", Path: dest, Err: cerr}
	}
	if err != nil {
		os.Remove(dest)
		return n, err
	}
	return n, nil
}

// ReadFile returns the contents of member name, which must not be larger
// than limit bytes.
func (r *Reader) ReadFile(name string, limit int64) ([]byte, error) {
	f, rc, err := r.open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, name, f.UncompressedSize64)
	}
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, &Error{Op: "read", Path: r.path, Member: name, Err: err}
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, limit)
	}
	return b, nil
}

// onlyWriter hides ReaderFrom so io.CopyBuffer uses the supplied buffer.
type onlyWriter struct {
	io.Writer
}
