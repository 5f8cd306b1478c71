// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package signing

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestArgs(t *testing.T) {
	got := Args(`C:\out\WaykNow.exe`, "Acme Code Signing", DefaultTimestampURL)
	want := []string{
		"sign",
		"/n", "Acme Code Signing",
		"/fd", "sha256",
		"/tr", "http://timestamp.comodoca.com/?td=sha256",
		"/td", "sha256",
		"/v",
		`C:\out\WaykNow.exe`,
	}
	assert.Equal(t, want, got)
}

// fakeSigntool writes a shell script standing in for signtool. It records
// its arguments next to itself.
func fakeSigntool(t *testing.T, body string) (tool, argsFile string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script signtool")
	}
	dir := t.TempDir()
	tool = filepath.Join(dir, "signtool")
	argsFile = filepath.Join(dir, "args")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\n" + body
	require.NoError(t, os.WriteFile(tool, []byte(script), 0o755))
	return tool, argsFile
}

func TestSign(t *testing.T) {
	tool, argsFile := fakeSigntool(t, "exit 0\n")

	s := New(WithSigntool(tool), WithTimestampURL("http://ts.example"))
	require.NoError(t, s.Sign(context.Background(), "/tmp/out.exe", "Acme"))

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(Args("/tmp/out.exe", "Acme", "http://ts.example"), " "), strings.TrimSpace(string(b)))
}

func TestSignWarning(t *testing.T) {
	tool, _ := fakeSigntool(t, "echo 'SignTool Warning: timestamp skipped'\nexit 2\n")

	core, logs := observer.New(zap.WarnLevel)
	s := New(WithSigntool(tool), WithLogger(zap.New(core)))
	require.NoError(t, s.Sign(context.Background(), "/tmp/out.exe", "Acme"))

	entries := logs.FilterMessage("signtool returned a warning").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "SignTool Warning: timestamp skipped", entries[0].ContextMap()["output"])
}

func TestSignFailure(t *testing.T) {
	tool, _ := fakeSigntool(t, "echo 'SignTool Error: No certificates were found' >&2\nexit 1\n")

	err := New(WithSigntool(tool)).Sign(context.Background(), "/tmp/out.exe", "Missing")
	var sErr *Error
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, 1, sErr.ExitCode)
	assert.Equal(t, "SignTool Error: No certificates were found", sErr.Stderr)
}

func TestLocateNotFound(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("the SDK may be installed")
	}
	t.Setenv("PATH", t.TempDir())

	_, err := New().Locate()
	assert.ErrorIs(t, err, ErrSigntoolNotFound)
	assert.ErrorIs(t, New().Sign(context.Background(), "x.exe", "c"), ErrSigntoolNotFound)
}
