// Package tools wraps the external programs the patch pipeline drives:
// apktool for container decode/rebuild, zipalign and the signer for
// producing an installable package, adb for device transfer. Each wrapper is
// a synchronous call returning the tool's failure with its captured output.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var ErrToolMissing = errors.New("tools: required external tool not found")

// Apktool is a located apktool installation, either a wrapper script on PATH
// or a jar run through java.
type Apktool struct {
	cmd  string
	args []string
}

// FindApktool locates apktool. Search order:
//  1. APKTOOL_JAR environment variable → java -jar
//  2. apktool in PATH
func FindApktool() (*Apktool, error) {
	if jar := os.Getenv("APKTOOL_JAR"); jar != "" {
		if _, err := os.Stat(jar); err == nil {
			if java, err := exec.LookPath("java"); err == nil {
				return &Apktool{cmd: java, args: []string{"-jar", jar}}, nil
			}
		}
	}
	if path, err := exec.LookPath("apktool"); err == nil {
		return &Apktool{cmd: path}, nil
	}
	return nil, fmt.Errorf("%w: apktool (install it or set APKTOOL_JAR)", ErrToolMissing)
}

// Decode disassembles apkPath into outDir, overwriting a previous tree.
func (a *Apktool) Decode(ctx context.Context, apkPath, outDir string) error {
	return runTool(ctx, a.cmd, append(a.args, "d", "-f", apkPath, "-o", outDir)...)
}

// Build reassembles the tree at dir into outApk using aapt2.
func (a *Apktool) Build(ctx context.Context, dir, outApk string) error {
	return runTool(ctx, a.cmd, append(a.args, "b", dir, "--use-aapt2", "-o", outApk)...)
}

// runTool executes one external command, surfacing its stderr in the error.
func runTool(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("tools: %s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("tools: %s: %w", name, err)
	}
	return nil
}
