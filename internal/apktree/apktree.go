// Package apktree models an apktool-decompiled package directory: the
// lib/<abi> subtrees holding native libraries, the multi-dex smali subtrees,
// and the text AndroidManifest.xml.
package apktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// GadgetLib is the fixed name the injected agent is copied under.
	GadgetLib = "libgadget.so"
	// GadgetConfig is the config sidecar read by the agent at load time.
	GadgetConfig = "libgadget.config.so"
)

var (
	ErrNoLibDir     = errors.New("apktree: no lib directory")
	ErrNoNativeLib  = errors.New("apktree: no native library in directory")
	ErrClassMissing = errors.New("apktree: class not found in any smali tree")
)

// abiByDir maps lib/ subdirectory names to gadget ABI tags. Directories
// outside this table are unsupported and skipped.
var abiByDir = map[string]string{
	"armeabi":     "arm",
	"armeabi-v7a": "arm",
	"arm64-v8a":   "arm64",
	"x86":         "x86",
	"x86_64":      "x86_64",
}

// ABIForDir returns the gadget ABI tag for a lib/ subdirectory name.
func ABIForDir(name string) (string, bool) {
	abi, ok := abiByDir[name]
	return abi, ok
}

// LibDir is one lib/<arch> directory of a decompiled tree. ABI is empty for
// unsupported architecture directories.
type LibDir struct {
	Path string
	Name string
	ABI  string
}

// LibDirs lists the architecture subdirectories under root/lib, supported or
// not, in directory order.
func LibDirs(root string) ([]LibDir, error) {
	libRoot := filepath.Join(root, "lib")
	entries, err := os.ReadDir(libRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoLibDir, libRoot)
		}
		return nil, fmt.Errorf("apktree: read %s: %w", libRoot, err)
	}

	var dirs []LibDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		abi, _ := ABIForDir(e.Name())
		dirs = append(dirs, LibDir{
			Path: filepath.Join(libRoot, e.Name()),
			Name: e.Name(),
			ABI:  abi,
		})
	}
	return dirs, nil
}

// FindNativeLib returns the first pre-existing native library in dir,
// ignoring a previously injected gadget and its config sidecar.
func FindNativeLib(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("apktree: read %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".so") {
			continue
		}
		if name == GadgetLib || name == GadgetConfig {
			continue
		}
		return filepath.Join(dir, name), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoNativeLib, dir)
}

// HasGadget reports whether dir already contains the injected library.
func HasGadget(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, GadgetLib))
	return err == nil
}

// FindClassFile resolves a dotted class name (com.example.Main) to its
// .smali file, searching the primary smali tree and the multi-dex
// smali_classes2..N trees in order.
func FindClassFile(root, className string) (string, error) {
	rel := filepath.Join(strings.Split(className, ".")...) + ".smali"

	for i := 1; ; i++ {
		dir := "smali"
		if i > 1 {
			dir = fmt.Sprintf("smali_classes%d", i)
		}
		treePath := filepath.Join(root, dir)
		if _, err := os.Stat(treePath); err != nil {
			break
		}
		candidate := filepath.Join(treePath, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrClassMissing, className)
}
