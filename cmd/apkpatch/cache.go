package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"apkpatch/internal/gadget"
)

func cmdCache(args []string) error {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	root := fs.String("root", "", "gadget cache root")
	refresh := fs.Bool("refresh", false, "download the latest release before listing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := *root
	if dir == "" {
		var err error
		dir, err = gadget.DefaultRoot()
		if err != nil {
			return err
		}
	}
	cache := gadget.New(dir)

	if *refresh {
		downloaded, err := cache.Refresh(context.Background())
		for _, name := range downloaded {
			fmt.Printf("downloaded %s\n", name)
		}
		if err != nil {
			// Partial failure still leaves the rest of the cache usable.
			var pd *gadget.PartialDownloadError
			if !errors.As(err, &pd) {
				return err
			}
			fmt.Fprintf(os.Stderr, "warning: %v\n", pd)
		}
		if len(downloaded) == 0 {
			fmt.Println("cache up to date")
		}
	}

	versions, err := cache.Versions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Printf("cache at %s is empty (run with --refresh)\n", dir)
		return nil
	}
	for _, v := range versions {
		entries, err := os.ReadDir(filepath.Join(dir, v.Original()))
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d assets)\n", v, len(entries))
		for _, e := range entries {
			fmt.Printf("  %s\n", e.Name())
		}
	}
	return nil
}
