package tools

import (
	"context"
	"fmt"
	"os/exec"
)

// Zipalign aligns in onto out. Rebuilt packages must be aligned before
// signing with the v2+ schemes.
func Zipalign(ctx context.Context, in, out string) error {
	path, err := exec.LookPath("zipalign")
	if err != nil {
		return fmt.Errorf("%w: zipalign", ErrToolMissing)
	}
	return runTool(ctx, path, "-p", "-f", "4", in, out)
}

// Sign signs apkPath in place with a generated debug key via
// uber-apk-signer, covering the v1-v3 signature schemes.
func Sign(ctx context.Context, apkPath string) error {
	path, err := exec.LookPath("uber-apk-signer")
	if err != nil {
		return fmt.Errorf("%w: uber-apk-signer", ErrToolMissing)
	}
	return runTool(ctx, path, "-a", apkPath, "--allowResign", "--overwrite")
}
