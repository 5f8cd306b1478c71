// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package bundle

import (
	"fmt"
	"path"

	"github.com/wayknow/cse"
)

// PackageType is one kind of artifact a bundle can carry. Each type maps to
// a fixed destination inside the bundle.
type PackageType interface {
	fmt.Stringer
	// Destination is the slash-separated path the artifact occupies.
	Destination() string
	packageType()
}

// PlatformBinaries are the Wayk Now executables for one bitness, read from
// a platform zip package. Unattended adds the service binaries.
type PlatformBinaries struct {
	Bitness    cse.Bitness
	Unattended bool
}

func (p PlatformBinaries) Destination() string {
	return "Wayk_" + p.Bitness.String()
}

func (p PlatformBinaries) String() string {
	if p.Unattended {
		return fmt.Sprintf("binaries(%v, unattended)", p.Bitness)
	}
	return fmt.Sprintf("binaries(%v)", p.Bitness)
}

// InstallerPackage is the MSI for one bitness.
type InstallerPackage struct {
	Bitness cse.Bitness
}

func (p InstallerPackage) Destination() string {
	return "Installer_" + p.Bitness.String() + ".msi"
}

func (p InstallerPackage) String() string {
	return fmt.Sprintf("msi(%v)", p.Bitness)
}

// BrandingArchive is the branding zip.
type BrandingArchive struct{}

func (BrandingArchive) Destination() string { return "branding.zip" }
func (BrandingArchive) String() string      { return "branding" }

// InitializationScript is the post-install PowerShell script.
type InitializationScript struct{}

func (InitializationScript) Destination() string { return "init.ps1" }
func (InitializationScript) String() string      { return "script" }

// OptionsDocument is the finalized options JSON read by the installer.
type OptionsDocument struct{}

func (OptionsDocument) Destination() string { return "options.json" }
func (OptionsDocument) String() string      { return "options" }

// PowerShellModule is a directory holding the WaykNow PowerShell module.
type PowerShellModule struct{}

func (PowerShellModule) Destination() string { return path.Join("PowerShell", "Modules", "WaykNow") }
func (PowerShellModule) String() string      { return "powershell module" }

func (PlatformBinaries) packageType()     {}
func (InstallerPackage) packageType()     {}
func (BrandingArchive) packageType()      {}
func (InitializationScript) packageType() {}
func (OptionsDocument) packageType()      {}
func (PowerShellModule) packageType()     {}
