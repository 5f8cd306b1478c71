// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !windows

package signing

import "errors"

func findInWindowsKits() (string, error) {
	return "", errors.New("Windows Kits are only available on Windows")
}
