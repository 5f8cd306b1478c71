// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package builder produces a customized Wayk Now installer: it gathers the
// artifacts named by an options document, packs them into a bundle, embeds
// the bundle into a template executable and optionally signs the result.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/tc-hib/winres/version"
	"go.uber.org/zap"

	"github.com/wayknow/cse"
	"github.com/wayknow/cse/branding"
	"github.com/wayknow/cse/bundle"
	"github.com/wayknow/cse/download"
	"github.com/wayknow/cse/options"
	"github.com/wayknow/cse/patcher"
	"github.com/wayknow/cse/rsrc"
)

// Downloader fetches release packages that were not supplied locally.
type Downloader interface {
	LatestVersion(ctx context.Context) (cse.Version, error)
	Fetch(ctx context.Context, b cse.Bitness, v cse.Version, kind download.Kind, destDir string) (string, error)
}

// Signer signs the produced executable.
type Signer interface {
	Sign(ctx context.Context, exePath, certName string) error
}

// Config holds everything Build needs. Relative paths inside the options
// document are resolved against the directory of OptionsPath.
type Config struct {
	TemplatePath string
	OutputPath   string
	OptionsPath  string

	// Packages and MSIs override downloads per bitness.
	Packages map[cse.Bitness]string
	MSIs     map[cse.Bitness]string

	PowerShellModulePath string

	// Compressor defaults to bundle.SevenZip.
	Compressor         bundle.Compressor
	UnattendedBinaries []string

	Downloader Downloader
	Signer     Signer
	Logger     *zap.Logger

	// WorkDir is the parent of the temporary working directory.
	WorkDir string
}

type build struct {
	cfg    Config
	logger *zap.Logger
	opts   *options.Document
	work   string

	version cse.Version
}

// Build runs the whole pipeline. Errors are prefixed with the failing stage.
func Build(ctx context.Context, cfg Config) (retErr error) {
	b := &build{cfg: cfg, logger: cfg.Logger}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if cfg.Compressor == nil {
		b.cfg.Compressor = &bundle.SevenZip{}
	}

	// Fail before any download when the template would be overwritten.
	if patcher.SameFile(cfg.TemplatePath, cfg.OutputPath) {
		return fmt.Errorf("patch: %w", &patcher.PatchError{Edit: patcher.EditWrite, Err: patcher.ErrOverwritesTemplate})
	}

	opts, err := options.Load(cfg.OptionsPath)
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}
	b.opts = opts

	work, err := os.MkdirTemp(cfg.WorkDir, "wayk-cse-")
	if err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	b.work = work
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			retErr = multierror.Append(retErr, fmt.Errorf("workdir: %w", err)).ErrorOrNil()
		}
	}()

	install := opts.Install()
	b.version = install.Version
	if install.Unattended && !b.version.IsZero() && b.version.Compare(cse.MinUnattendedVersion) < 0 {
		b.logger.Warn("pinned Wayk Now version predates unattended support",
			zap.Stringer("version", b.version),
			zap.Stringer("minimum", cse.MinUnattendedVersion),
		)
	}

	composer := bundle.New(b.composerOptions()...)

	for _, bits := range install.Architectures {
		pkg, err := b.resolve(ctx, cfg.Packages, bits, download.Zip)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		composer.Add(bundle.PlatformBinaries{Bitness: bits, Unattended: install.Unattended}, pkg)
	}
	if install.EmbedMSI() {
		for _, bits := range install.Architectures {
			msi, err := b.resolve(ctx, cfg.MSIs, bits, download.MSI)
			if err != nil {
				return fmt.Errorf("download: %w", err)
			}
			composer.Add(bundle.InstallerPackage{Bitness: bits}, msi)
		}
	}

	productName, icon, err := b.branding(composer)
	if err != nil {
		return fmt.Errorf("branding: %w", err)
	}

	b.postInstallScript(composer)

	finalized := filepath.Join(work, "options.json")
	if err := opts.WriteFinalized(finalized); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	composer.Add(bundle.OptionsDocument{}, finalized)

	bundlePath := filepath.Join(work, "bundle"+b.cfg.Compressor.Ext())
	if err := composer.Pack(ctx, bundlePath); err != nil {
		return fmt.Errorf("bundle: %w", err)
	}

	if err := b.patch(bundlePath, productName, icon); err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	if cert := opts.Signing().CertName; cert != "" {
		if cfg.Signer == nil {
			return errors.New("sign: no signer configured")
		}
		if err := cfg.Signer.Sign(ctx, cfg.OutputPath, cert); err != nil {
			return fmt.Errorf("sign: %w", err)
		}
	}

	b.logger.Info("installer built", zap.String("path", cfg.OutputPath), zap.String("product", productName))
	return nil
}

func (b *build) composerOptions() []bundle.Option {
	opts := []bundle.Option{
		bundle.WithLogger(b.logger),
		bundle.WithWorkDir(b.work),
		bundle.WithCompressor(b.cfg.Compressor),
	}
	if len(b.cfg.UnattendedBinaries) > 0 {
		opts = append(opts, bundle.WithUnattendedBinaries(b.cfg.UnattendedBinaries...))
	}
	return opts
}

// path resolves p from the options document.
func (b *build) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(b.cfg.OptionsPath), p)
}

// resolve returns the local override for bits or downloads the package.
func (b *build) resolve(ctx context.Context, overrides map[cse.Bitness]string, bits cse.Bitness, kind download.Kind) (string, error) {
	if p := overrides[bits]; p != "" {
		return p, nil
	}
	if b.cfg.Downloader == nil {
		return "", fmt.Errorf("no %s package for %v and no downloader configured", kind, bits)
	}

	if b.version.IsZero() {
		v, err := b.cfg.Downloader.LatestVersion(ctx)
		if err != nil {
			return "", err
		}
		b.version = v
	}
	return b.cfg.Downloader.Fetch(ctx, bits, b.version, kind, b.work)
}

// branding adds the branding archive and returns the product name and icon
// it carries. A missing icon or name is not fatal.
func (b *build) branding(composer *bundle.Composer) (string, []byte, error) {
	path := b.path(b.opts.Branding().Path)
	if path == "" {
		return cse.DefaultProductName, nil, nil
	}
	composer.Add(bundle.BrandingArchive{}, path)

	a, err := branding.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer a.Close()

	icon, err := a.Icon()
	if err == nil {
		if _, err = rsrc.ParseICO(icon); err != nil {
			icon = nil
		}
	}
	if err != nil {
		b.logger.Warn("branding icon unusable, keeping the template icon", zap.String("path", path), zap.Error(err))
	}

	name, err := a.ProductName()
	if err != nil {
		b.logger.Warn("branding product name unusable, using the default",
			zap.String("path", path),
			zap.String("default", cse.DefaultProductName),
			zap.Error(err),
		)
		name = cse.DefaultProductName
	}
	return name, icon, nil
}

func (b *build) postInstallScript(composer *bundle.Composer) {
	script := b.opts.PostInstallScript()
	if script.Path != "" {
		composer.Add(bundle.InitializationScript{}, b.path(script.Path))
	}
	if !script.ImportModule() {
		return
	}
	if b.cfg.PowerShellModulePath == "" {
		b.logger.Warn("importWaykNowModule is set but no PowerShell module was supplied")
		return
	}
	composer.Add(bundle.PowerShellModule{}, b.cfg.PowerShellModulePath)
}

func (b *build) patch(bundlePath, productName string, icon []byte) error {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return err
	}

	e := patcher.New(patcher.WithLogger(b.logger))
	if err := e.Load(b.cfg.TemplatePath); err != nil {
		return err
	}
	resources, err := e.Resources()
	if err != nil {
		return err
	}
	hasType := func(typ uint16) bool {
		for _, r := range resources {
			if r.Type == rsrc.ID(typ) {
				return true
			}
		}
		return false
	}

	install := b.opts.Install()
	paths := b.opts.Paths()

	strs := map[cse.StringID]string{
		cse.WaykProductName:         productName,
		cse.EnableUnattendedService: cse.BoolString(install.Unattended),
	}
	for id, v := range map[cse.StringID]string{
		cse.WaykDataPath:       paths.Data,
		cse.WaykSystemPath:     paths.System,
		cse.WaykExtractionPath: paths.Extraction,
	} {
		if v != "" {
			strs[id] = v
		}
	}
	if install.AutoClean != nil {
		strs[cse.EnableWaykAutoClean] = cse.BoolString(*install.AutoClean)
	}

	if err := e.SetRCData(cse.BundleResourceID, data); err != nil {
		return err
	}
	for id, s := range strs {
		if err := e.SetString(uint16(id), s); err != nil {
			return err
		}
	}
	switch {
	case icon == nil:
	case !hasType(rsrc.TypeGroupIcon):
		b.logger.Warn("template has no icon group, branding icon not applied", zap.String("template", b.cfg.TemplatePath))
	default:
		if err := e.SetIcon(icon); err != nil {
			return err
		}
	}
	if hasType(rsrc.TypeVersion) {
		if err := e.SetVersionString(version.ProductName, productName); err != nil {
			return err
		}
	} else {
		b.logger.Debug("template has no version resource", zap.String("template", b.cfg.TemplatePath))
	}
	return e.Commit(b.cfg.OutputPath)
}
