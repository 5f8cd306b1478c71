package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayknow/cse/internal/petest"
	"github.com/wayknow/cse/internal/ziptest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInspect(t *testing.T) {
	path := petest.WriteFile(t, petest.Config{DebugInfo: true, CheckSum: true, Trailer: petest.RelocTrailer})

	out, err := run(t, "inspect", "--headers", "--sections", "--resources", "--debuginfo", "--certs", "--version", "--verify", path)
	require.NoError(t, err)

	for _, want := range []string{
		".text",
		".rsrc",
		".reloc",
		"#102",
		petest.PDBPath,
		"No certificates",
		"ProductName: Wayk Now",
		"CompanyName: Devolutions",
		"Verified 3 sections",
	} {
		assert.Contains(t, out, want)
	}
}

func TestInspectDefaults(t *testing.T) {
	path := petest.WriteFile(t, petest.Config{})

	out, err := run(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "FileHeader")
	assert.Contains(t, out, ".rsrc")
	assert.Contains(t, out, "resources:")
	assert.NotContains(t, out, "ProductName")
}

func TestInspectErrors(t *testing.T) {
	_, err := run(t, "inspect")
	assert.Error(t, err)

	notPE := filepath.Join(t.TempDir(), "notpe.exe")
	require.NoError(t, os.WriteFile(notPE, []byte("MZ nope"), 0o644))
	_, err = run(t, "inspect", notPE)
	assert.ErrorContains(t, err, "notpe.exe")
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	options := filepath.Join(dir, "options.json")
	require.NoError(t, os.WriteFile(options, []byte(`{
		// Built from local packages only.
		"install": {"unattended": false},
	}`), 0o644))

	pkg := func(name string) string {
		return ziptest.Write(t, filepath.Join(dir, name),
			ziptest.File{Name: "WaykNow.exe", Body: []byte(name)},
		)
	}
	output := filepath.Join(dir, "WaykNow-Custom.exe")

	_, err := run(t,
		"-o", output,
		"-c", options,
		"--template", petest.WriteFile(t, petest.Config{CheckSum: true}),
		"--compressor", "zip",
		"--package_x86", pkg("x86.zip"),
		"--package-x64", pkg("x64.zip"),
	)
	require.NoError(t, err)

	out, err := run(t, "inspect", "--resources", "--version", "--verify", output)
	require.NoError(t, err)
	assert.Contains(t, out, "#102")
	assert.Contains(t, out, "ProductName: Wayk Now")
}

func TestBuildFlagErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing required", []string{}, "required flag"},
		{"unknown compressor", []string{"-o", "out.exe", "-c", "options.json", "--compressor", "rar"}, "unknown compressor"},
		{"positional", []string{"-o", "out.exe", "-c", "options.json", "extra"}, "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
