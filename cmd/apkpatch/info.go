package main

import (
	"archive/zip"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/shogo82148/androidbinary/apk"

	"apkpatch/internal/apktree"
)

// cmdInfo inspects an APK without decompiling it: package id and launcher
// from the binary manifest, plus which ABIs it ships native code for and
// whether a gadget is already present.
func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	apkPath := fs.String("apk", "", "path to APK")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *apkPath == "" {
		return fmt.Errorf("--apk is required")
	}

	pkg, err := apk.OpenFile(*apkPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", *apkPath, err)
	}
	defer pkg.Close()

	fmt.Printf("package:  %s\n", pkg.PackageName())
	if main, err := pkg.MainActivity(); err == nil && main != "" {
		fmt.Printf("launcher: %s\n", main)
	} else {
		fmt.Printf("launcher: (none or ambiguous)\n")
	}

	abis, patched, err := scanLibs(*apkPath)
	if err != nil {
		return err
	}
	if len(abis) == 0 {
		fmt.Println("native:   none")
		return nil
	}
	fmt.Printf("native:   %s\n", strings.Join(abis, ", "))
	if patched {
		fmt.Println("gadget:   already present")
	}
	return nil
}

// scanLibs lists lib/<arch> directories in the APK zip and reports whether
// any already contains an injected gadget.
func scanLibs(path string) (abis []string, patched bool, err error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, false, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	seen := make(map[string]bool)
	for _, f := range zr.File {
		rest, ok := strings.CutPrefix(f.Name, "lib/")
		if !ok {
			continue
		}
		dir, base, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		if !seen[dir] {
			seen[dir] = true
			label := dir
			if _, supported := apktree.ABIForDir(dir); !supported {
				label += " (unsupported)"
			}
			abis = append(abis, label)
		}
		if base == apktree.GadgetLib {
			patched = true
		}
	}
	sort.Strings(abis)
	return abis, patched, nil
}
