// Copyright (c) 2022 Tailscale Inc & AUTHORS. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cse holds the definitions shared by the Wayk Now CSE builder: the
// platform bitness, product version quads and the resource IDs the installer
// runtime reads.
package cse
