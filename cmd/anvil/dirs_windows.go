// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import "os"

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return dir
}
