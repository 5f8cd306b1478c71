// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ziptest writes zip archives for tests.
package ziptest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// File is one archive member.
type File struct {
	Name string
	Body []byte
}

// Write creates a deflate zip archive at path holding files in order.
func Write(t testing.TB, path string, files ...File) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, file := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: file.Name, Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write(file.Body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}
