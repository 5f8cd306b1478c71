// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package signing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-version"
	"golang.org/x/sys/windows/registry"
)

const installedRootsKey = `SOFTWARE\Microsoft\Windows Kits\Installed Roots`

// findInWindowsKits looks for signtool under the newest versioned bin
// directory of the Windows 10 SDK.
func findInWindowsKits() (string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, installedRootsKey, registry.QUERY_VALUE|registry.WOW64_32KEY)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", installedRootsKey, err)
	}
	defer k.Close()

	root, _, err := k.GetStringValue("KitsRoot10")
	if err != nil {
		return "", fmt.Errorf("reading KitsRoot10: %w", err)
	}

	bin := filepath.Join(root, "bin")
	entries, err := os.ReadDir(bin)
	if err != nil {
		return "", err
	}

	var versions []*version.Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if v, err := version.NewVersion(e.Name()); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Sort(sort.Reverse(version.Collection(versions)))

	for _, v := range versions {
		p := filepath.Join(bin, v.Original(), "x64", "signtool.exe")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no SDK bin directory contains signtool.exe")
}
