// Copyright 2019 SpotHero
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optimizely

import (
	"strconv"
	"strings"
)

// Semantic-version comparison for the semver_* audience matches. The
// semantics intentionally differ from strict semver: a partial target such
// as "2.1" compares only its own components, so any "2.1.x" user version is
// equal to it, and a pre-release sorts before its release at the same core.
// Standard semver libraries reject partial versions, hence the hand-rolled
// comparator (see DESIGN.md).

const (
	preReleaseSeparator = "-"
	buildSeparator      = "+"
)

// hasPreRelease reports whether the version carries a pre-release tag before
// any build metadata.
func hasPreRelease(version string) bool {
	pre := strings.Index(version, preReleaseSeparator)
	build := strings.Index(version, buildSeparator)
	return pre >= 0 && (build < 0 || pre < build)
}

// splitVersion decomposes a version string into comparable parts: numeric
// release components followed by any pre-release components. A false return
// marks the version invalid.
func splitVersion(version string) ([]string, bool) {
	if version == "" || strings.ContainsAny(version, " ") {
		return nil, false
	}
	release := version
	var suffix string
	if hasPreRelease(version) {
		release, suffix, _ = strings.Cut(version, preReleaseSeparator)
	} else if idx := strings.Index(version, buildSeparator); idx >= 0 {
		release = version[:idx]
	}
	parts := strings.Split(release, ".")
	if len(parts) > 3 {
		return nil, false
	}
	for _, part := range parts {
		if part == "" {
			return nil, false
		}
		if _, err := strconv.Atoi(part); err != nil {
			return nil, false
		}
	}
	if suffix != "" {
		parts = append(parts, strings.Split(suffix, ".")...)
	}
	return parts, true
}

// compareVersions compares a user version against a target version and
// returns <0, 0, or >0 in the usual comparator sense. Comparison covers only
// the components the target supplies. A false return means one of the
// versions could not be parsed.
func compareVersions(targetVersion, userVersion string) (int, bool) {
	targetParts, ok := splitVersion(targetVersion)
	if !ok {
		return 0, false
	}
	userParts, ok := splitVersion(userVersion)
	if !ok {
		return 0, false
	}
	for i, target := range targetParts {
		if i >= len(userParts) {
			// user version has fewer components than the target; a
			// pre-release target sorts below the shorter release
			if hasPreRelease(targetVersion) {
				return 1, true
			}
			return -1, true
		}
		user := userParts[i]
		userNum, userErr := strconv.Atoi(user)
		targetNum, targetErr := strconv.Atoi(target)
		if userErr != nil || targetErr != nil {
			if user < target {
				return -1, true
			}
			if user > target {
				return 1, true
			}
			continue
		}
		if userNum < targetNum {
			return -1, true
		}
		if userNum > targetNum {
			return 1, true
		}
	}
	if hasPreRelease(userVersion) && !hasPreRelease(targetVersion) {
		return -1, true
	}
	return 0, true
}
