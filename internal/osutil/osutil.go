// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"fmt"
	"os"
)

// Exists reports whether the named file or directory exists.
// Stage predicates and stamp checks are built on it, so every stat
// failure counts as absence.
func Exists(name string) bool {
	_, err := os.Lstat(name)
	return err == nil
}

// Touch creates an empty file, truncating any existing content.
// Stamp markers are written with it.
func Touch(name string) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("touch %s: %v", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("touch %s: %v", name, err)
	}
	return nil
}

// MkdirAllPerm creates a directory along with any missing parents,
// ensuring the leaf has the given permission bits (after umask).
func MkdirAllPerm(name string, perm os.FileMode) error {
	if err := os.MkdirAll(name, perm); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return nil
}

// WriteFilePerm writes data to the named file, creating it if necessary,
// and ensuring it has the given permissions (after umask).
func WriteFilePerm(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v", name, err)
	}
	err = f.Chmod(perm)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	return nil
}
