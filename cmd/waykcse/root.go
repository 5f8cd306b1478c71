package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wayknow/cse"
	"github.com/wayknow/cse/builder"
	"github.com/wayknow/cse/bundle"
	"github.com/wayknow/cse/download"
	"github.com/wayknow/cse/signing"
)

const templateName = "WaykCseDummy.exe"

type buildFlags struct {
	output     string
	config     string
	template   string
	packageX86 string
	packageX64 string
	msiX86     string
	msiX64     string
	psModule   string
	archiver   string
	compressor string
	unattended []string
	signtool   string
	verbose    bool
}

// defaultTemplate returns the template shipped next to the executable.
func defaultTemplate() string {
	exe, err := os.Executable()
	if err != nil {
		return templateName
	}
	return filepath.Join(filepath.Dir(exe), templateName)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func (f *buildFlags) compressorValue() (bundle.Compressor, error) {
	switch f.compressor {
	case "7z":
		return &bundle.SevenZip{Path: f.archiver}, nil
	case "zip":
		return &bundle.Zip{}, nil
	case "tar.xz":
		return &bundle.TarXz{}, nil
	default:
		return nil, fmt.Errorf("unknown compressor %q (want 7z, zip or tar.xz)", f.compressor)
	}
}

func (f *buildFlags) builderConfig(logger *zap.Logger) (builder.Config, error) {
	comp, err := f.compressorValue()
	if err != nil {
		return builder.Config{}, err
	}

	overrides := func(x86, x64 string) map[cse.Bitness]string {
		m := map[cse.Bitness]string{}
		if x86 != "" {
			m[cse.X86] = x86
		}
		if x64 != "" {
			m[cse.X64] = x64
		}
		return m
	}

	signOpts := []signing.Option{signing.WithLogger(logger)}
	if f.signtool != "" {
		signOpts = append(signOpts, signing.WithSigntool(f.signtool))
	}

	return builder.Config{
		TemplatePath:         f.template,
		OutputPath:           f.output,
		OptionsPath:          f.config,
		Packages:             overrides(f.packageX86, f.packageX64),
		MSIs:                 overrides(f.msiX86, f.msiX64),
		PowerShellModulePath: f.psModule,
		Compressor:           comp,
		UnattendedBinaries:   f.unattended,
		Downloader:           download.New(download.WithLogger(logger)),
		Signer:               signing.New(signOpts...),
		Logger:               logger,
	}, nil
}

// normalizeFlag accepts the underscore spellings of flag names.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func newRootCmd() *cobra.Command {
	var f buildFlags

	cmd := &cobra.Command{
		Use:   "waykcse",
		Short: "Build a customized Wayk Now installer",
		Long: `Builds a self-contained Wayk Now installer from a template executable.

The artifacts named by the options document are packed into a bundle, which
is embedded into the template together with the branding icon and strings.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       cse.ToolVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(f.verbose)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := f.builderConfig(logger)
			if err != nil {
				return err
			}
			return builder.Build(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeFlag)
	flags.StringVarP(&f.output, "output", "o", "", "path of the installer to write")
	flags.StringVarP(&f.config, "config", "c", "", "options JSON document")
	flags.StringVar(&f.template, "template", defaultTemplate(), "template executable")
	flags.StringVar(&f.packageX86, "package-x86", "", "local x86 Wayk Now zip package instead of downloading")
	flags.StringVar(&f.packageX64, "package-x64", "", "local x64 Wayk Now zip package instead of downloading")
	flags.StringVar(&f.msiX86, "msi-x86", "", "local x86 Wayk Now MSI instead of downloading")
	flags.StringVar(&f.msiX64, "msi-x64", "", "local x64 Wayk Now MSI instead of downloading")
	flags.StringVar(&f.psModule, "ps-module", "", "directory of the WaykNow PowerShell module")
	flags.StringVar(&f.archiver, "archiver", "", "path to 7z (default: looked up in PATH)")
	flags.StringVar(&f.compressor, "compressor", "7z", "bundle compressor: 7z, zip or tar.xz")
	flags.StringSliceVar(&f.unattended, "unattended-binaries", nil, "binaries extracted for unattended installs")
	flags.StringVar(&f.signtool, "signtool", "", "path to signtool.exe")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "verbose logging")
	cmd.MarkFlagRequired("output") //nolint:errcheck
	cmd.MarkFlagRequired("config") //nolint:errcheck

	cmd.AddCommand(newInspectCmd())
	return cmd
}
