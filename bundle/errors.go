// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package bundle

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingFile is returned when a source file or archive member is absent.
	ErrMissingFile = errors.New("missing file")
	// ErrCompressionFailed is returned when the compressor fails.
	ErrCompressionFailed = errors.New("compression failed")
)

// Kind classifies a PackError.
type Kind int

const (
	MissingFile Kind = iota
	IO
	CompressionFailed
)

func (k Kind) String() string {
	switch k {
	case MissingFile:
		return "missing file"
	case IO:
		return "i/o"
	case CompressionFailed:
		return "compression failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// PackError is returned by Pack.
type PackError struct {
	Kind Kind
	// Path is the file involved, when there is one.
	Path string
	// Stderr holds the compressor's standard error for CompressionFailed.
	Stderr string
	Err    error
}

func (e *PackError) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *PackError) Unwrap() error {
	return e.Err
}

func (e *PackError) Is(target error) bool {
	switch target {
	case ErrMissingFile:
		return e.Kind == MissingFile
	case ErrCompressionFailed:
		return e.Kind == CompressionFailed
	}
	return false
}
