package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"apkpatch/internal/tools"
)

func cmdDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	adb := &tools.Adb{}
	devices, err := adb.Devices(context.Background())
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices attached")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\n", d.Serial, d.State)
	}
	return nil
}

func cmdPull(args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	pkg := fs.String("package", "", "installed package id")
	out := fs.String("out", "", "local output path (default: <package>.apk)")
	serial := fs.String("serial", "", "device serial")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pkg == "" {
		return fmt.Errorf("--package is required")
	}
	if *out == "" {
		*out = *pkg + ".apk"
	}

	ctx := context.Background()
	adb := &tools.Adb{Serial: *serial}
	remote, err := adb.APKPath(ctx, *pkg)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "pulling %s\n", remote)
	if err := adb.Pull(ctx, remote, *out); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}

func cmdInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	apkPath := fs.String("apk", "", "APK to install")
	serial := fs.String("serial", "", "device serial")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *apkPath == "" {
		return fmt.Errorf("--apk is required")
	}

	adb := &tools.Adb{Serial: *serial}
	return adb.Install(context.Background(), *apkPath)
}
