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
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/spothero/optimizely-fullstack-go/api"
)

// LogEvent is a fully-built wire payload handed to the dispatcher, paired
// with the endpoint it should be delivered to.
type LogEvent struct {
	EndpointURL string
	Batch       eventBatch
}

// EventDispatcher delivers event payloads to the collector. A dispatch
// failure is logged by the processor and the payload is dropped; the SDK
// keeps no event state across restarts.
type EventDispatcher interface {
	DispatchEvent(event LogEvent) error
}

// apiEventDispatcher delivers payloads through the api package's events
// client.
type apiEventDispatcher struct {
	client api.Client
}

func (d *apiEventDispatcher) DispatchEvent(event LogEvent) error {
	payload, err := json.Marshal(event.Batch)
	if err != nil {
		return xerrors.Errorf("error marshaling events to JSON: %w", err)
	}
	return d.client.ReportEvents(payload)
}
