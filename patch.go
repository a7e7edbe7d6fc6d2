// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil/internal/osutil"
)

// ApplyPatch applies a unified diff to the source tree at dir exactly
// once across runs. A stamp file named after the patch records the
// application; when the stamp exists, ApplyPatch reports false and
// does nothing. Otherwise the patch content is fed to the patch tool
// on standard input with the given path strip count, the stamp is
// written, and ApplyPatch reports true.
//
// Patches ending in .bz2 are decompressed transparently. A patch that
// fails to apply surfaces as the patch tool's [*CommandError].
//
// The stamp records only the patch's base name. Editing a patch after
// it has been applied does not re-apply it.
func ApplyPatch(ctx context.Context, bc *Context, dir, patch string, strip int) (bool, error) {
	patch, err := filepath.Abs(patch)
	if err != nil {
		return false, fmt.Errorf("apply patch: %v", err)
	}
	name := strings.TrimSuffix(filepath.Base(patch), ".bz2")
	name = strings.TrimSuffix(name, ".patch")
	stamp := filepath.Join(dir, ".patched-"+name)
	if osutil.Exists(stamp) {
		log.Debugf(ctx, "%s already applied in %s", name, dir)
		return false, nil
	}

	f, err := os.Open(patch)
	if err != nil {
		return false, fmt.Errorf("apply patch %s: %v", name, err)
	}
	defer f.Close()
	var content io.Reader = f
	if strings.HasSuffix(patch, ".bz2") {
		content, err = bzip2.NewReader(f, nil)
		if err != nil {
			return false, fmt.Errorf("apply patch %s: %v", name, err)
		}
	}

	log.Infof(ctx, "applying patch %s in %s", name, dir)
	args := []string{"patch", "-p" + strconv.Itoa(strip)}
	if _, err := Run(ctx, bc, args, &RunOptions{Dir: dir, Stdin: content}); err != nil {
		return false, err
	}
	if err := osutil.Touch(stamp); err != nil {
		return false, fmt.Errorf("apply patch %s: %v", name, err)
	}
	return true, nil
}
