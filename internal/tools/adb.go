package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Adb drives one connected device. An empty Serial lets adb pick the only
// attached device.
type Adb struct {
	Serial string
}

// Device is one row of `adb devices`.
type Device struct {
	Serial string
	State  string
}

func (a *Adb) command(ctx context.Context, args ...string) (*exec.Cmd, error) {
	path, err := exec.LookPath("adb")
	if err != nil {
		return nil, fmt.Errorf("%w: adb", ErrToolMissing)
	}
	if a.Serial != "" {
		args = append([]string{"-s", a.Serial}, args...)
	}
	return exec.CommandContext(ctx, path, args...), nil
}

func (a *Adb) output(ctx context.Context, args ...string) (string, error) {
	cmd, err := a.command(ctx, args...)
	if err != nil {
		return "", err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tools: adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Devices lists attached devices.
func (a *Adb) Devices(ctx context.Context) ([]Device, error) {
	out, err := a.output(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

func parseDevices(out string) []Device {
	lines := strings.Split(out, "\n")
	if len(lines) > 0 {
		lines = lines[1:] // "List of devices attached" header
	}
	var devices []Device
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], State: fields[1]})
	}
	return devices
}

// Packages lists installed third-party package ids.
func (a *Adb) Packages(ctx context.Context) ([]string, error) {
	out, err := a.output(ctx, "shell", "pm", "list", "packages", "-3")
	if err != nil {
		return nil, err
	}
	return parsePackageLines(out), nil
}

func parsePackageLines(out string) []string {
	var values []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "package:"); ok {
			values = append(values, v)
		}
	}
	return values
}

// APKPath returns the installed base APK path for pkg. Split packages
// report multiple paths and are not supported.
func (a *Adb) APKPath(ctx context.Context, pkg string) (string, error) {
	out, err := a.output(ctx, "shell", "pm", "path", pkg)
	if err != nil {
		return "", err
	}
	paths := parsePackageLines(out)
	switch len(paths) {
	case 0:
		return "", fmt.Errorf("tools: package %s not installed", pkg)
	case 1:
		return paths[0], nil
	default:
		return "", fmt.Errorf("tools: package %s is a split package (%d parts), not supported", pkg, len(paths))
	}
}

// Pull copies a file off the device.
func (a *Adb) Pull(ctx context.Context, remote, local string) error {
	cmd, err := a.command(ctx, "pull", remote, local)
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tools: adb pull %s: %w: %s", remote, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Install installs (or reinstalls) an APK on the device.
func (a *Adb) Install(ctx context.Context, apkPath string) error {
	cmd, err := a.command(ctx, "install", "-r", apkPath)
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tools: adb install %s: %w: %s", apkPath, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
