// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package engine

//go:generate stringer -type=Stage -linecomment -output=stage_string.go

// A Stage is one step of the package lifecycle.
type Stage int

const (
	StageFetch     Stage = iota // fetch
	StageBuild                  // build
	StageInstall                // install
	StageConfigure              // configure
)

// gerund returns the stage name as a progressive verb for log lines.
func (i Stage) gerund() string {
	switch i {
	case StageFetch:
		return "fetching"
	case StageBuild:
		return "building"
	case StageInstall:
		return "installing"
	case StageConfigure:
		return "configuring"
	default:
		return i.String()
	}
}
