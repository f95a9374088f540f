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

import "errors"

// Sentinel errors reported by the SDK. None of these are fatal to the
// process; callers receive them alongside zero-valued results.
var (
	// ErrUnsupportedVersion is returned when the datafile version is missing
	// or not one of the supported versions.
	ErrUnsupportedVersion = errors.New("unsupported datafile version")
	// ErrInvalidInput is returned when a required key is empty or names an
	// entity the datafile does not define, and when a platform event is sent
	// with no sender configured. The offending call is a no-op.
	ErrInvalidInput = errors.New("invalid input")
	// ErrQueueFull is reported through the error handler when the event
	// queue is at capacity and an event had to be dropped.
	ErrQueueFull = errors.New("event queue full")
	// ErrConfigUnavailable is returned when no datafile has been loaded
	// within the initialization timeout.
	ErrConfigUnavailable = errors.New("project configuration unavailable")
	// ErrVariableTypeMismatch is returned when a typed variable getter is
	// invoked for a variable declared with a different type.
	ErrVariableTypeMismatch = errors.New("feature variable type mismatch")
)
