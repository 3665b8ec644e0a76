package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"apkpatch/internal/gadget"
	"apkpatch/internal/patcher"
	"apkpatch/internal/tools"
)

func cmdPatch(args []string) error {
	fs := flag.NewFlagSet("patch", flag.ExitOnError)
	apkPath := fs.String("apk", "", "input APK")
	outPath := fs.String("out", "", "output APK (default: <apk>.patched.apk)")
	class := fs.String("class", "", "target class (default: launcher activity)")
	configPath := fs.String("config", "", "gadget config file to write beside the gadget")
	noClass := fs.Bool("no-class", false, "skip the smali load hook")
	noLibs := fs.Bool("no-libs", false, "skip native dependency injection")
	noSign := fs.Bool("no-sign", false, "skip zipalign and signing")
	keepTree := fs.Bool("keep-tree", false, "keep the decompiled tree")
	cacheRoot := fs.String("cache-root", "", "gadget cache root")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *apkPath == "" {
		return fmt.Errorf("--apk is required")
	}
	if *noClass && *noLibs {
		return fmt.Errorf("--no-class and --no-libs together leave nothing to do")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := patcher.Options{
		InjectClass: !*noClass,
		InjectLibs:  !*noLibs,
		TargetClass: *class,
	}
	if *configPath != "" {
		cfg, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		opts.Config = cfg
	}

	root := *cacheRoot
	if root == "" {
		var err error
		root, err = gadget.DefaultRoot()
		if err != nil {
			return err
		}
	}
	cache := gadget.New(root)

	apktool, err := tools.FindApktool()
	if err != nil {
		return err
	}

	out := *outPath
	if out == "" {
		out = strings.TrimSuffix(*apkPath, filepath.Ext(*apkPath)) + ".patched.apk"
	}

	tree, err := os.MkdirTemp("", "apkpatch-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if *keepTree {
		fmt.Fprintf(os.Stderr, "tree: %s\n", tree)
	} else {
		defer os.RemoveAll(tree)
	}

	if err := step(ctx, "decompiling "+filepath.Base(*apkPath), func() error {
		return apktool.Decode(ctx, *apkPath, tree)
	}); err != nil {
		return err
	}

	res, err := patcher.New(tree, cache, opts).Run(ctx)
	if err != nil {
		return err
	}
	printResult(res)

	unaligned := out
	if !*noSign {
		unaligned = filepath.Join(filepath.Dir(tree), filepath.Base(out)+".unaligned")
		defer os.Remove(unaligned)
	}
	if err := step(ctx, "rebuilding", func() error {
		return apktool.Build(ctx, tree, unaligned)
	}); err != nil {
		return err
	}

	if !*noSign {
		if err := tools.Zipalign(ctx, unaligned, out); err != nil {
			return err
		}
		if err := step(ctx, "signing", func() error {
			return tools.Sign(ctx, out)
		}); err != nil {
			return err
		}
	}

	color.Green("wrote %s", out)
	return nil
}

// step runs fn with a spinner on stderr; apktool and the signer can take a
// while on large packages.
func step(ctx context.Context, label string, fn func() error) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + label
	s.Start()
	err := fn()
	s.Stop()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func printResult(res *patcher.Result) {
	if res.ClassPatched {
		fmt.Fprintf(os.Stderr, "hooked %s (%s)\n", res.TargetClass, res.MethodName)
	}
	for _, a := range res.Archs {
		name := filepath.Base(a.Dir)
		switch {
		case a.Patched:
			color.Green("  %-12s patched (%s)", name, filepath.Base(a.Lib))
		case a.Skipped != "":
			fmt.Fprintf(os.Stderr, "  %-12s skipped: %s\n", name, a.Skipped)
		case a.Err != nil:
			color.Red("  %-12s failed: %v", name, a.Err)
		}
	}
}
