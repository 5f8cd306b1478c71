// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package signing Authenticode-signs executables with signtool.
package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// DefaultTimestampURL is the RFC 3161 timestamp server passed to signtool.
const DefaultTimestampURL = "http://timestamp.comodoca.com/?td=sha256"

var ErrSigntoolNotFound = errors.New("signtool was not found")

// Error is returned when signtool fails.
type Error struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("signtool failed (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("signtool failed (exit %d): %v", e.ExitCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Option configures a Signer.
type Option func(*Signer)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Signer) {
		s.logger = logger
	}
}

// WithSigntool uses the signtool executable at path.
func WithSigntool(path string) Option {
	return func(s *Signer) {
		s.signtool = path
	}
}

func WithTimestampURL(u string) Option {
	return func(s *Signer) {
		s.timestampURL = u
	}
}

// Signer signs files with a certificate from the Windows certificate store.
type Signer struct {
	logger       *zap.Logger
	signtool     string
	timestampURL string
}

func New(opts ...Option) *Signer {
	s := &Signer{
		logger:       zap.NewNop(),
		timestampURL: DefaultTimestampURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Args returns the signtool command line used to sign exePath.
func Args(exePath, certName, timestampURL string) []string {
	return []string{
		"sign",
		"/n", certName,
		"/fd", "sha256",
		"/tr", timestampURL,
		"/td", "sha256",
		"/v",
		exePath,
	}
}

// Locate returns the signtool executable: the configured path, then the
// newest Windows SDK installation, then PATH.
func (s *Signer) Locate() (string, error) {
	if s.signtool != "" {
		return s.signtool, nil
	}
	p, err := findInWindowsKits()
	if err == nil {
		return p, nil
	}
	s.logger.Debug("signtool not found in Windows Kits", zap.Error(err))
	if p, err := exec.LookPath("signtool"); err == nil {
		return p, nil
	}
	return "", ErrSigntoolNotFound
}

// Sign signs exePath in place with the certificate named certName.
func (s *Signer) Sign(ctx context.Context, exePath, certName string) error {
	tool, err := s.Locate()
	if err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, Args(exePath, certName, s.timestampURL)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 2:
		s.logger.Warn("signtool returned a warning",
			zap.String("path", exePath),
			zap.String("output", strings.TrimSpace(stdout.String())),
		)
	case errors.As(err, &exitErr):
		return &Error{ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	default:
		return &Error{ExitCode: -1, Err: err}
	}

	s.logger.Info("executable signed", zap.String("path", exePath), zap.String("cert", certName))
	return nil
}
