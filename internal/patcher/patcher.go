// Package patcher sequences the patching of one decompiled package tree:
// hook the target class, inject the gadget library per architecture, write
// the config sidecar. Stages run in order, optional stages are skipped by
// flag, and a stage failure halts the run without rolling back mutations
// already on disk.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"

	"apkpatch/internal/apktree"
	"apkpatch/internal/elfpatch"
	"apkpatch/internal/gadget"
	"apkpatch/internal/smali"
)

var ErrNoArchPatched = errors.New("patcher: no architecture could be patched")

// Stage names used in error context.
const (
	stageLocate = "locate"
	stageClass  = "class-inject"
	stageLibs   = "lib-inject"
	stageConfig = "config-write"
)

// loadMarker identifies our injected load call. Its presence in a unit is
// the caller-side guard against double injection; the smali injector itself
// never checks.
const loadMarker = `const-string v0, "gadget"`

// gadgetLoadBody is the instruction body of the injected method.
var gadgetLoadBody = []string{
	`    ` + loadMarker,
	`    invoke-static {v0}, Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V`,
}

// Options selects and parameterizes the optional stages.
type Options struct {
	InjectClass bool
	InjectLibs  bool
	TargetClass string // dotted class name; empty means the launcher activity
	Config      []byte // gadget config sidecar content, nil to skip
}

// ArchResult is the per-architecture outcome of the lib-inject stage.
type ArchResult struct {
	Dir     string
	ABI     string // empty for unsupported directories
	Lib     string // library whose dependency table was rewritten
	Patched bool
	Skipped string // reason when not patched and not an error
	Err     error
}

// Result collects what a run changed.
type Result struct {
	TargetClass  string
	ClassPatched bool
	MethodName   string
	Archs        []ArchResult
}

// Patcher mutates one decompiled tree in place. Not safe for concurrent
// runs against the same tree or cache; single-operator tool.
type Patcher struct {
	Root  string
	Cache *gadget.Cache
	Opts  Options
}

func New(root string, cache *gadget.Cache, opts Options) *Patcher {
	return &Patcher{Root: root, Cache: cache, Opts: opts}
}

// Run executes the stage sequence. The context is checked at every stage
// boundary; an in-flight file rewrite is never interrupted mid-write.
func (p *Patcher) Run(ctx context.Context) (*Result, error) {
	res := &Result{}

	// Locate the target class.
	if p.Opts.InjectClass {
		class := p.Opts.TargetClass
		if class == "" {
			launcher, err := apktree.LauncherActivity(p.Root)
			if err != nil {
				return res, fmt.Errorf("patcher: stage %s: %w", stageLocate, err)
			}
			class = launcher
		}
		res.TargetClass = class
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if p.Opts.InjectClass {
		if err := p.patchClass(res); err != nil {
			return res, fmt.Errorf("patcher: stage %s: %w", stageClass, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if p.Opts.InjectLibs {
		if err := p.patchLibs(ctx, res); err != nil {
			return res, fmt.Errorf("patcher: stage %s: %w", stageLibs, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if p.Opts.Config != nil {
		if err := p.writeConfig(res); err != nil {
			return res, fmt.Errorf("patcher: stage %s: %w", stageConfig, err)
		}
	}

	return res, nil
}

// patchClass injects the gadget load call into the target class unless the
// marker shows a previous run already did.
func (p *Patcher) patchClass(res *Result) error {
	path, err := apktree.FindClassFile(p.Root, res.TargetClass)
	if err != nil {
		return err
	}
	unit, err := smali.Load(path)
	if err != nil {
		return err
	}
	if unit.Contains(loadMarker) {
		log.WithField("class", res.TargetClass).Info("gadget load already injected")
		return nil
	}

	name, err := unit.InjectStaticCall("loadGadget", 1, gadgetLoadBody)
	if err != nil {
		return err
	}
	res.ClassPatched = true
	res.MethodName = name
	log.WithFields(log.Fields{"class": res.TargetClass, "method": name}).Info("injected gadget load")
	return nil
}

// patchLibs copies the cached gadget into each supported architecture
// directory and adds it to the existing library's dependency table.
// Failures are isolated per architecture; the stage fails only when nothing
// could be patched at all.
func (p *Patcher) patchLibs(ctx context.Context, res *Result) error {
	dirs, err := apktree.LibDirs(p.Root)
	if err != nil {
		return err
	}

	ok := 0
	for _, d := range dirs {
		ar := p.patchArch(ctx, d)
		res.Archs = append(res.Archs, ar)
		switch {
		case ar.Err != nil:
			log.WithField("dir", ar.Dir).WithError(ar.Err).Warn("architecture failed")
		case ar.Skipped != "":
			log.WithFields(log.Fields{"dir": ar.Dir, "reason": ar.Skipped}).Warn("architecture skipped")
			if ar.Skipped == "already patched" {
				ok++
			}
		default:
			ok++
		}
	}
	if ok == 0 {
		return ErrNoArchPatched
	}
	return nil
}

func (p *Patcher) patchArch(ctx context.Context, d apktree.LibDir) ArchResult {
	ar := ArchResult{Dir: d.Path, ABI: d.ABI}

	if d.ABI == "" {
		ar.Skipped = "unsupported architecture " + d.Name
		return ar
	}
	if apktree.HasGadget(d.Path) {
		ar.Skipped = "already patched"
		return ar
	}

	lib, err := apktree.FindNativeLib(d.Path)
	if err != nil {
		ar.Err = err
		return ar
	}
	ar.Lib = lib

	asset, err := p.Cache.ResolveLatestAsset(ctx, d.ABI)
	if err != nil {
		ar.Err = err
		return ar
	}

	if err := copyFile(asset, filepath.Join(d.Path, apktree.GadgetLib)); err != nil {
		ar.Err = err
		return ar
	}
	if _, err := elfpatch.InjectNeeded(lib, apktree.GadgetLib); err != nil {
		ar.Err = err
		return ar
	}

	ar.Patched = true
	log.WithFields(log.Fields{"abi": d.ABI, "lib": filepath.Base(lib)}).Info("injected gadget dependency")
	return ar
}

// writeConfig drops the config sidecar next to every injected gadget. The
// payload is opaque here; the agent reads it at its own load time.
func (p *Patcher) writeConfig(res *Result) error {
	dirs, err := apktree.LibDirs(p.Root)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if d.ABI == "" || !apktree.HasGadget(d.Path) {
			continue
		}
		path := filepath.Join(d.Path, apktree.GadgetConfig)
		if err := os.WriteFile(path, p.Opts.Config, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return nil
}
