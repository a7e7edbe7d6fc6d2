// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"github.com/google/uuid"
)

// uuidFlag is a [github.com/spf13/pflag.Value] that parses into a
// [uuid.UUID].
type uuidFlag uuid.UUID

func (f *uuidFlag) Type() string { return "uuid" }

func (f *uuidFlag) String() string {
	if uuid.UUID(*f) == (uuid.UUID{}) {
		return ""
	}
	return uuid.UUID(*f).String()
}

func (f *uuidFlag) Set(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*f = uuidFlag(id)
	return nil
}
