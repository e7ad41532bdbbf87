// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the gateway build version.
package version

import "runtime/debug"

// Version is the release version, set at build time via
// -ldflags "-X github.com/emberchat/ember/lib/version.Version=...".
var Version = "dev"

// Info returns the version plus the VCS revision baked into the build,
// when available.
func Info() string {
	info := Version
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, setting := range build.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
			return info + " (" + setting.Value[:12] + ")"
		}
	}
	return info
}
