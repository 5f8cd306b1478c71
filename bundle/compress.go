// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"
)

// Compressor turns a bundle working directory into a single archive file.
type Compressor interface {
	// Compress archives the contents of dir, not dir itself, into output.
	Compress(ctx context.Context, dir, output string) error
	// Ext is the conventional file extension, including the dot.
	Ext() string
}

// SevenZip runs the external 7z archiver.
type SevenZip struct {
	// Path is the 7z executable. When empty, 7z is looked up in PATH.
	Path string
}

func (*SevenZip) Ext() string { return ".7z" }

func (s *SevenZip) binary() (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	return exec.LookPath("7z")
}

func (s *SevenZip) Compress(ctx context.Context, dir, output string) error {
	bin, err := s.binary()
	if err != nil {
		return &PackError{Kind: CompressionFailed, Path: output, Err: err}
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "a", output, filepath.Join(dir, "*"))
	cmd.Stderr = &stderr
	err = cmd.Run()
	if err != nil || stderr.Len() > 0 {
		if err == nil {
			err = errors.New("archiver wrote to stderr")
		}
		return &PackError{
			Kind:   CompressionFailed,
			Path:   output,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return nil
}

// Zip writes a deflate zip archive in process.
type Zip struct {
	// Level is the flate compression level. Zero means flate.BestCompression.
	Level int
}

func (*Zip) Ext() string { return ".zip" }

func (z *Zip) Compress(ctx context.Context, dir, output string) error {
	level := z.Level
	if level == 0 {
		level = flate.BestCompression
	}

	f, err := os.Create(output)
	if err != nil {
		return &PackError{Kind: IO, Path: output, Err: err}
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	err = walkFiles(dir, func(rel string, fi fs.FileInfo, path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if fi.IsDir() {
			hdr.Name += "/"
			_, err := zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		return copyInto(w, path)
	})
	if err != nil {
		return &PackError{Kind: CompressionFailed, Path: output, Err: err}
	}
	if err := zw.Close(); err != nil {
		return &PackError{Kind: CompressionFailed, Path: output, Err: err}
	}
	return f.Close()
}

// TarXz writes an xz compressed tar stream in process.
type TarXz struct{}

func (*TarXz) Ext() string { return ".tar.xz" }

func (*TarXz) Compress(ctx context.Context, dir, output string) error {
	f, err := os.Create(output)
	if err != nil {
		return &PackError{Kind: IO, Path: output, Err: err}
	}
	defer f.Close()

	xw, err := xz.NewWriter(f)
	if err != nil {
		return &PackError{Kind: CompressionFailed, Path: output, Err: err}
	}
	tw := tar.NewWriter(xw)

	err = walkFiles(dir, func(rel string, fi fs.FileInfo, path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if fi.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		return copyInto(tw, path)
	})
	if err != nil {
		return &PackError{Kind: CompressionFailed, Path: output, Err: err}
	}
	if err := tw.Close(); err != nil {
		return &PackError{Kind: CompressionFailed, Path: output, Err: err}
	}
	if err := xw.Close(); err != nil {
		return &PackError{Kind: CompressionFailed, Path: output, Err: err}
	}
	return f.Close()
}

// walkFiles calls fn for everything below dir in lexical order with its
// slash-separated path relative to dir.
func walkFiles(dir string, fn func(rel string, fi fs.FileInfo, path string) error) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), fi, path)
	})
}

func copyInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
