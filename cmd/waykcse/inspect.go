package main

import (
	dpe "debug/pe"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	spe "github.com/saferwall/pe"
	"github.com/spf13/cobra"

	"github.com/wayknow/cse/pe"
	"github.com/wayknow/cse/rsrc"
)

type inspectFlags struct {
	headers   bool
	sections  bool
	resources bool
	debugInfo bool
	certs     bool
	version   bool
	verify    bool
}

func (f *inspectFlags) none() bool {
	return !f.headers && !f.sections && !f.resources && !f.debugInfo && !f.certs && !f.version && !f.verify
}

func newInspectCmd() *cobra.Command {
	var f inspectFlags

	cmd := &cobra.Command{
		Use:   "inspect <filePath>",
		Short: "Dump the headers and resources of a PE file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := pe.NewImageFromFileName(args[0])
			if err != nil {
				return fmt.Errorf("opening %q: %w", args[0], err)
			}

			if f.none() {
				f.headers, f.sections, f.resources = true, true, true
			}

			w := cmd.OutOrStdout()
			steps := []struct {
				enabled bool
				run     func(io.Writer, *pe.Image) error
			}{
				{f.headers, dumpHeaders},
				{f.sections, dumpSections},
				{f.resources, dumpResources},
				{f.debugInfo, dumpDebugInfo},
				{f.certs, dumpCerts},
				{f.version, dumpVersion},
				{f.verify, verify},
			}
			for _, s := range steps {
				if !s.enabled {
					continue
				}
				if err := s.run(w, img); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&f.headers, "headers", false, "dump essential headers")
	flags.BoolVar(&f.sections, "sections", false, "dump section headers")
	flags.BoolVar(&f.resources, "resources", false, "dump the resource directory")
	flags.BoolVar(&f.debugInfo, "debuginfo", false, "dump debug info")
	flags.BoolVar(&f.certs, "certs", false, "dump Authenticode certificates")
	flags.BoolVar(&f.version, "version", false, "dump version resource strings")
	flags.BoolVar(&f.verify, "verify", false, "cross-check sections and version strings with an independent parser")
	return cmd
}

func dumpHeaders(w io.Writer, img *pe.Image) error {
	fh := img.FileHeader()
	fmt.Fprintf(w, "FileHeader:\n\n%#v\n\n", fh)
	fmt.Fprintf(w, "PE32+: %v\nSectionAlignment: %#x\nFileAlignment: %#x\nSizeOfImage: %#x\nCheckSum: %#08x (computed %#08x)\n\n",
		img.Is64(), img.SectionAlignment(), img.FileAlignment(), img.SizeOfImage(), img.CheckSum(), img.ComputeChecksum())
	return nil
}

func dumpSections(w io.Writer, img *pe.Image) error {
	sections := img.Sections()
	fmt.Fprintf(w, "%d sections:\n\n", len(sections))
	for i, sec := range sections {
		fmt.Fprintf(w, "Index %2d: %-8s VA %#08x VS %#08x Raw %#08x+%#x Flags %#08x\n",
			i, sec.NameString(), sec.VirtualAddress, sec.VirtualSize, sec.PointerToRawData, sec.SizeOfRawData, sec.Characteristics)
	}
	fmt.Fprintln(w)
	return nil
}

func dumpResources(w io.Writer, img *pe.Image) error {
	dir, err := rsrc.Parse(img)
	if errors.Is(err, rsrc.ErrNoResources) {
		fmt.Fprintf(w, "No resources\n\n")
		return nil
	}
	if err != nil {
		return err
	}

	leaves := dir.Leaves()
	fmt.Fprintf(w, "%d resources:\n\n", len(leaves))
	for _, l := range leaves {
		if l.Data == nil {
			continue
		}
		fmt.Fprintf(w, "%-8s %-10s lang %#04x %s\n", l.Type, l.Name, l.Lang, humanize.Bytes(uint64(len(l.Data.Bytes))))
	}
	fmt.Fprintln(w)
	return nil
}

func dumpDebugInfo(w io.Writer, img *pe.Image) error {
	dde, err := img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	if errors.Is(err, pe.ErrNotPresent) {
		fmt.Fprintf(w, "No debug info\n\n")
		return nil
	}
	if err != nil {
		return err
	}

	for _, de := range dde.([]pe.IMAGE_DEBUG_DIRECTORY) {
		fmt.Fprintf(w, "%#v\n", de)
		cv, err := img.ExtractCodeViewInfo(de)
		if errors.Is(err, pe.ErrNotCodeView) {
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  CodeView %s %s\n", cv.String(), cv.PDBPath)
	}
	fmt.Fprintln(w)
	return nil
}

func dumpCerts(w io.Writer, img *pe.Image) error {
	dde, err := img.DataDirectoryEntry(pe.IMAGE_DIRECTORY_ENTRY_SECURITY)
	if errors.Is(err, pe.ErrNotPresent) {
		fmt.Fprintf(w, "No certificates\n\n")
		return nil
	}
	if err != nil {
		return err
	}

	certs := dde.([]pe.AuthenticodeCert)
	fmt.Fprintf(w, "%d certificates:\n\n", len(certs))
	for i, c := range certs {
		fmt.Fprintf(w, "Index %2d: revision %#04x type %#04x %s\n", i, c.Revision(), c.Type(), humanize.Bytes(uint64(len(c.Data()))))
	}
	fmt.Fprintln(w)
	return nil
}

func readVersion(img *pe.Image) (*rsrc.VersionInfo, error) {
	dir, err := rsrc.Parse(img)
	if err != nil {
		return nil, err
	}
	_, data, ok := dir.First(rsrc.ID(rsrc.TypeVersion), rsrc.ID(1))
	if !ok {
		return nil, rsrc.ErrNotPresent
	}
	return rsrc.ReadVersion(data.Bytes)
}

var (
	versionKeys  = []string{"CompanyName", "FileDescription", "FileVersion", "ProductName", "ProductVersion"}
	verifiedKeys = []string{"CompanyName", "ProductName"}
)

func dumpVersion(w io.Writer, img *pe.Image) error {
	vi, err := readVersion(img)
	if err != nil {
		return err
	}

	fileVer := vi.VersionNumber()
	prodVer := vi.ProductVersionNumber()
	fmt.Fprintf(w, "File version: %s\nProduct version: %s\n", fileVer.String(), prodVer.String())
	for _, key := range versionKeys {
		if v, err := vi.Field(key); err == nil {
			fmt.Fprintf(w, "%s: %s\n", key, v)
		}
	}
	fmt.Fprintln(w)
	return nil
}

func sectionName(name [8]uint8) string {
	return strings.TrimRight(string(name[:]), "\x00")
}

// verify parses the image with saferwall/pe and compares the results.
func verify(w io.Writer, img *pe.Image) error {
	f, err := spe.NewBytes(img.Bytes(), &spe.Options{})
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	defer f.Close()
	if err := f.Parse(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	var problems []string
	ours := img.Sections()
	if len(ours) != len(f.Sections) {
		problems = append(problems, fmt.Sprintf("section count: ours %d, saferwall %d", len(ours), len(f.Sections)))
	} else {
		for i, s := range f.Sections {
			h := dpe.SectionHeader32{
				Name:             s.Header.Name,
				VirtualSize:      s.Header.VirtualSize,
				VirtualAddress:   s.Header.VirtualAddress,
				SizeOfRawData:    s.Header.SizeOfRawData,
				PointerToRawData: s.Header.PointerToRawData,
			}
			o := ours[i].SectionHeader32
			if h.Name != o.Name || h.VirtualSize != o.VirtualSize || h.VirtualAddress != o.VirtualAddress ||
				h.SizeOfRawData != o.SizeOfRawData || h.PointerToRawData != o.PointerToRawData {
				problems = append(problems, fmt.Sprintf("section %d (%s) differs", i, sectionName(h.Name)))
			}
		}
	}

	if vi, err := readVersion(img); err == nil {
		theirs, err := f.ParseVersionResources()
		if err != nil {
			problems = append(problems, fmt.Sprintf("version resources: %v", err))
		}
		for _, key := range verifiedKeys {
			want, err := vi.Field(key)
			if err != nil {
				continue
			}
			if got := theirs[key]; got != want {
				problems = append(problems, fmt.Sprintf("%s: ours %q, saferwall %q", key, want, got))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("verify: %s", strings.Join(problems, "; "))
	}
	fmt.Fprintf(w, "Verified %d sections against saferwall/pe\n\n", len(ours))
	return nil
}
