// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package bundle

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/wayknow/cse"
	"github.com/wayknow/cse/archive"
	"github.com/wayknow/cse/internal/ziptest"
)

type fixture struct {
	dir      string
	full     string // platform zip with every binary
	partial  string // platform zip without NowProxy.exe
	msi      string
	branding string
	script   string
	options  string
	module   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	f := &fixture{dir: dir}
	f.full = ziptest.Write(t, filepath.Join(dir, "full.zip"),
		ziptest.File{Name: "WaykNow.exe", Body: []byte("now full")},
		ziptest.File{Name: "NowService.exe", Body: []byte("service")},
		ziptest.File{Name: "NowSession.exe", Body: []byte("session")},
		ziptest.File{Name: "NowProxy.exe", Body: []byte("proxy")},
	)
	f.partial = ziptest.Write(t, filepath.Join(dir, "partial.zip"),
		ziptest.File{Name: "WaykNow.exe", Body: []byte("now partial")},
		ziptest.File{Name: "NowService.exe", Body: []byte("service")},
		ziptest.File{Name: "NowSession.exe", Body: []byte("session")},
	)
	f.msi = write("WaykNow-x64.msi", "msi")
	f.branding = write("branding.zip", "branding")
	f.script = write("script.ps1", "Write-Host hi")
	f.options = write("options.json", `{"a":1}`)
	write("module/WaykNow.psd1", "psd1")
	write("module/bin/WaykNow.dll", "dll")
	f.module = filepath.Join(dir, "module")
	return f
}

func zipContents(t *testing.T, path string) map[string]string {
	t.Helper()

	r, err := archive.Open(path)
	require.NoError(t, err)
	defer r.Close()

	got := map[string]string{}
	for _, m := range r.Members() {
		if m.Name[len(m.Name)-1] == '/' {
			continue
		}
		b, err := r.ReadFile(m.Name, 1<<20)
		require.NoError(t, err)
		got[m.Name] = string(b)
	}
	return got
}

func TestLayout(t *testing.T) {
	c := New()
	c.Add(PlatformBinaries{Bitness: cse.X86}, "a.zip")
	c.Add(PlatformBinaries{Bitness: cse.X64, Unattended: true}, "b.zip")
	c.Add(InstallerPackage{Bitness: cse.X64}, "b.msi")
	c.Add(BrandingArchive{}, "branding.zip")
	c.Add(InitializationScript{}, "init.ps1")
	c.Add(PowerShellModule{}, "mod")
	c.Add(OptionsDocument{}, "1.json")
	c.Add(OptionsDocument{}, "2.json")

	want := []string{
		"Wayk_x86",
		"Wayk_x64",
		"Installer_x64.msi",
		"branding.zip",
		"init.ps1",
		"PowerShell/Modules/WaykNow",
		"options.json",
	}
	if diff := cmp.Diff(want, c.Layout()); diff != "" {
		t.Errorf("Layout() mismatch (-want +got):\n%s", diff)
	}
}

func TestPackZip(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.zip")

	c := New(WithCompressor(&Zip{}), WithWorkDir(t.TempDir()))
	c.Add(PlatformBinaries{Bitness: cse.X64, Unattended: true}, f.full)
	c.Add(PlatformBinaries{Bitness: cse.X86}, f.partial)
	c.Add(InstallerPackage{Bitness: cse.X64}, f.msi)
	c.Add(BrandingArchive{}, f.branding)
	c.Add(InitializationScript{}, f.script)
	c.Add(PowerShellModule{}, f.module)
	c.Add(OptionsDocument{}, f.options)
	require.NoError(t, c.Pack(context.Background(), out))

	want := map[string]string{
		"Wayk_x64/WaykNow.exe":                       "now full",
		"Wayk_x64/NowService.exe":                    "service",
		"Wayk_x64/NowSession.exe":                    "session",
		"Wayk_x64/NowProxy.exe":                      "proxy",
		"Wayk_x86/WaykNow.exe":                       "now partial",
		"Installer_x64.msi":                          "msi",
		"branding.zip":                               "branding",
		"init.ps1":                                   "Write-Host hi",
		"options.json":                               `{"a":1}`,
		"PowerShell/Modules/WaykNow/WaykNow.psd1":    "psd1",
		"PowerShell/Modules/WaykNow/bin/WaykNow.dll": "dll",
	}
	if diff := cmp.Diff(want, zipContents(t, out)); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
}

func TestPackMissingAuxiliary(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.zip")
	work := t.TempDir()

	c := New(WithCompressor(&Zip{}), WithWorkDir(work))
	c.Add(PlatformBinaries{Bitness: cse.X64, Unattended: true}, f.partial)
	err := c.Pack(context.Background(), out)

	var pErr *PackError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, MissingFile, pErr.Kind)
	assert.ErrorIs(t, err, ErrMissingFile)
	assert.ErrorIs(t, err, archive.ErrMemberMissing)
	assert.Contains(t, err.Error(), "NowProxy.exe")
	assert.NoFileExists(t, out)

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries, "working directory not removed")
}

func TestPackCustomUnattendedBinaries(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.zip")

	c := New(WithCompressor(&Zip{}), WithUnattendedBinaries("NowService.exe"))
	c.Add(PlatformBinaries{Bitness: cse.X64, Unattended: true}, f.partial)
	require.NoError(t, c.Pack(context.Background(), out))

	assert.Equal(t, map[string]string{
		"Wayk_x64/WaykNow.exe":    "now partial",
		"Wayk_x64/NowService.exe": "service",
	}, zipContents(t, out))
}

func TestPackMissingSource(t *testing.T) {
	tests := []struct {
		name string
		typ  PackageType
	}{
		{"platform zip", PlatformBinaries{Bitness: cse.X86}},
		{"msi", InstallerPackage{Bitness: cse.X86}},
		{"script", InitializationScript{}},
		{"module", PowerShellModule{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "bundle.zip")
			c := New(WithCompressor(&Zip{}))
			c.Add(tt.typ, filepath.Join(t.TempDir(), "nope"))

			err := c.Pack(context.Background(), out)
			assert.ErrorIs(t, err, ErrMissingFile)
			assert.NoFileExists(t, out)
		})
	}
}

func TestPackDuplicates(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.zip")

	later := filepath.Join(f.dir, "later.json")
	require.NoError(t, os.WriteFile(later, []byte(`{"b":2}`), 0o644))

	c := New(WithCompressor(&Zip{}))
	c.Add(OptionsDocument{}, f.options)
	c.Add(OptionsDocument{}, later)
	c.Add(PlatformBinaries{Bitness: cse.X64, Unattended: true}, f.full)
	c.Add(PlatformBinaries{Bitness: cse.X64}, f.partial)
	require.NoError(t, c.Pack(context.Background(), out))

	assert.Equal(t, map[string]string{
		"options.json":         `{"b":2}`,
		"Wayk_x64/WaykNow.exe": "now partial",
	}, zipContents(t, out))
}

func TestPackReplacesExistingOutput(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.7z")

	// The archiver appends to whatever it finds at the output path.
	archiver := fakeArchiver(t, "cat \"$2\" 2>/dev/null > \"$2.tmp\"\necho fresh >> \"$2.tmp\"\nmv \"$2.tmp\" \"$2\"\n")
	require.NoError(t, os.WriteFile(out, []byte("stale\n"), 0o644))

	c := New(WithCompressor(&SevenZip{Path: archiver}))
	c.Add(OptionsDocument{}, f.options)
	require.NoError(t, c.Pack(context.Background(), out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(got))
}

func TestPackCancelled(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.zip")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(WithCompressor(&Zip{}))
	c.Add(OptionsDocument{}, f.options)
	assert.ErrorIs(t, c.Pack(ctx, out), context.Canceled)
	assert.NoFileExists(t, out)
}

func TestPackTarXz(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.tar.xz")

	c := New(WithCompressor(&TarXz{}))
	c.Add(PlatformBinaries{Bitness: cse.X86}, f.full)
	c.Add(OptionsDocument{}, f.options)
	require.NoError(t, c.Pack(context.Background(), out))

	fh, err := os.Open(out)
	require.NoError(t, err)
	defer fh.Close()
	xr, err := xz.NewReader(fh)
	require.NoError(t, err)

	var names []string
	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"Wayk_x86/", "Wayk_x86/WaykNow.exe", "options.json"}, names)
}

func fakeArchiver(t *testing.T, script string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script archiver")
	}
	path := filepath.Join(t.TempDir(), "7z")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestSevenZipFailure(t *testing.T) {
	tests := []struct {
		name   string
		script string
		stderr string
	}{
		{"exit status", "echo 'cannot open' >&2\necho partial > \"$2\"\nexit 2\n", "cannot open"},
		{"stderr only", "echo partial > \"$2\"\necho 'WARNING: skipped' >&2\n", "WARNING: skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := filepath.Join(t.TempDir(), "bundle.7z")

			c := New(WithCompressor(&SevenZip{Path: fakeArchiver(t, tt.script)}))
			c.Add(OptionsDocument{}, f.options)
			err := c.Pack(context.Background(), out)

			var pErr *PackError
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, CompressionFailed, pErr.Kind)
			assert.Equal(t, tt.stderr, pErr.Stderr)
			assert.ErrorIs(t, err, ErrCompressionFailed)
			assert.NoFileExists(t, out)
		})
	}
}

func TestSevenZip(t *testing.T) {
	if _, err := exec.LookPath("7z"); err != nil {
		t.Skip("7z not installed")
	}

	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "bundle.7z")

	c := New()
	c.Add(PlatformBinaries{Bitness: cse.X64, Unattended: true}, f.full)
	c.Add(OptionsDocument{}, f.options)
	require.NoError(t, c.Pack(context.Background(), out))

	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())
}
