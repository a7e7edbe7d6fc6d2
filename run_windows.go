// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"os/exec"
)

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Kill()
	}
}
