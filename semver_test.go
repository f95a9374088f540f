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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		target   string
		user     string
		expected int
		valid    bool
	}{
		{"2.0.0", "2.0.0", 0, true},
		{"2.0.0", "2.0.1", 1, true},
		{"2.0.1", "2.0.0", -1, true},
		{"2.0.0", "1.9.9", -1, true},
		{"2.0.0", "3.0.0", 1, true},
		// a partial target compares only its own components
		{"2.1", "2.1.0", 0, true},
		{"2.1", "2.1.9", 0, true},
		{"2", "2.12.5", 0, true},
		{"2.2", "2.1.9", -1, true},
		// a full target against a shorter user version
		{"2.1.0", "2.1", -1, true},
		// pre-release sorts below its release at the same core
		{"2.0.0", "2.0.0-beta", -1, true},
		{"2.0.0-beta", "2.0.0", 1, true},
		{"2.0.0-beta", "2.0.0-beta", 0, true},
		{"2.0.0-beta.1", "2.0.0-beta.2", 1, true},
		// a pre-release target against a shorter user version
		{"2.0.0-beta", "2.0", 1, true},
		// build metadata is ignored for the release core
		{"2.0.0", "2.0.0+build.5", 0, true},
		// invalid versions
		{"2.0.0", "", 0, false},
		{"", "2.0.0", 0, false},
		{"2.0.0", "2.0.0 ", 0, false},
		{"2.0.0", "not-a-version", 0, false},
		{"2.0.0", "2..0", 0, false},
		{"2.0.0", "2.0.0.1", 0, false},
		{"2.0.0", "2.x.0", 0, false},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("target %q user %q", test.target, test.user), func(t *testing.T) {
			result, valid := compareVersions(test.target, test.user)
			assert.Equal(t, test.valid, valid)
			if test.valid {
				assert.Equal(t, test.expected, result)
			}
		})
	}
}

func TestHasPreRelease(t *testing.T) {
	assert.True(t, hasPreRelease("2.0.0-beta"))
	assert.False(t, hasPreRelease("2.0.0"))
	assert.False(t, hasPreRelease("2.0.0+build-5"))
	assert.True(t, hasPreRelease("2.0.0-beta+build.5"))
}
