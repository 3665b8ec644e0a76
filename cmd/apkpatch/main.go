package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

func main() {
	log.SetHandler(cli.Default)
	if os.Getenv("APKPATCH_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "patch":
		err = cmdPatch(os.Args[2:])
	case "cache":
		err = cmdCache(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "devices":
		err = cmdDevices(os.Args[2:])
	case "pull":
		err = cmdPull(os.Args[2:])
	case "install":
		err = cmdInstall(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `apkpatch — instrument Android packages with a frida gadget

Usage:
  apkpatch patch   --apk <path> [--out <path>]     Decompile, inject, rebuild, sign
  apkpatch cache   [--refresh]                     Show or refresh the gadget cache
  apkpatch info    --apk <path>                    Inspect an APK without unpacking it
  apkpatch devices                                 List adb devices
  apkpatch pull    --package <id> --out <path>      Pull an installed APK off a device
  apkpatch install --apk <path>                    Install an APK on a device

Patch flags:
  --apk <path>        Input APK
  --out <path>        Output APK (default: <apk>.patched.apk)
  --class <name>       Target class for the load hook (default: launcher activity)
  --config <path>      Gadget config written beside each injected gadget
  --no-class           Skip the smali load hook
  --no-libs            Skip native dependency injection
  --no-sign            Skip zipalign + signing
  --keep-tree          Keep the decompiled tree for inspection
  --cache-root <dir>   Gadget cache location (default: ~/.cache/apkpatch/gadgets)
`)
}
