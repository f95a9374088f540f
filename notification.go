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

import "sync"

// Decision notification categories reported through DecisionNotification.Type.
const (
	DecisionTypeABTest              = "ab-test"
	DecisionTypeFeature             = "feature"
	DecisionTypeFeatureTest         = "feature-test"
	DecisionTypeFeatureVariable     = "feature-variable"
	DecisionTypeAllFeatureVariables = "all-feature-variables"
	DecisionTypeFlag                = "flag"
)

// ActivateNotification is sent when the deprecated Activate operation
// assigns a variation. New integrations should listen for decisions.
type ActivateNotification struct {
	ExperimentKey string
	UserID        string
	Attributes    map[string]interface{}
	VariationKey  string
}

// DecisionNotification is sent for decision operations. Activate and
// GetVariation send none when the user is assigned no variation.
type DecisionNotification struct {
	Type       string
	UserID     string
	Attributes map[string]interface{}
	Info       map[string]interface{}
}

// TrackNotification is sent for every tracked conversion.
type TrackNotification struct {
	EventKey   string
	UserID     string
	Attributes map[string]interface{}
	EventTags  map[string]interface{}
}

// LogEventNotification is sent just before a payload is handed to the
// event dispatcher.
type LogEventNotification struct {
	Event LogEvent
}

// ProjectConfigUpdateNotification is sent when a new datafile revision is
// activated.
type ProjectConfigUpdateNotification struct {
	Revision string
}

// NotificationCenter fans SDK lifecycle callbacks out to registered
// listeners. Each topic has its own strongly-typed payload and handler
// signature; handler ids are unique across topics and usable with
// RemoveHandler. Handlers run synchronously on the calling goroutine.
type NotificationCenter struct {
	mu             sync.RWMutex
	nextID         int
	activate       map[int]func(ActivateNotification)
	decision       map[int]func(DecisionNotification)
	track          map[int]func(TrackNotification)
	logEvent       map[int]func(LogEventNotification)
	configUpdate   map[int]func(ProjectConfigUpdateNotification)
}

// NewNotificationCenter creates an empty notification center.
func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{
		activate:     make(map[int]func(ActivateNotification)),
		decision:     make(map[int]func(DecisionNotification)),
		track:        make(map[int]func(TrackNotification)),
		logEvent:     make(map[int]func(LogEventNotification)),
		configUpdate: make(map[int]func(ProjectConfigUpdateNotification)),
	}
}

func (c *NotificationCenter) allocateID() int {
	c.nextID++
	return c.nextID
}

// OnActivate registers a handler for the deprecated activate topic.
func (c *NotificationCenter) OnActivate(handler func(ActivateNotification)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocateID()
	c.activate[id] = handler
	return id
}

// OnDecision registers a handler for decision notifications.
func (c *NotificationCenter) OnDecision(handler func(DecisionNotification)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocateID()
	c.decision[id] = handler
	return id
}

// OnTrack registers a handler for track notifications.
func (c *NotificationCenter) OnTrack(handler func(TrackNotification)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocateID()
	c.track[id] = handler
	return id
}

// OnLogEvent registers a handler observing every dispatched payload.
func (c *NotificationCenter) OnLogEvent(handler func(LogEventNotification)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocateID()
	c.logEvent[id] = handler
	return id
}

// OnProjectConfigUpdate registers a handler for configuration updates.
func (c *NotificationCenter) OnProjectConfigUpdate(handler func(ProjectConfigUpdateNotification)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocateID()
	c.configUpdate[id] = handler
	return id
}

// RemoveHandler unregisters a handler by id, regardless of topic. It
// reports whether a handler was removed.
func (c *NotificationCenter) RemoveHandler(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, remove := range []func() bool{
		func() bool { _, ok := c.activate[id]; delete(c.activate, id); return ok },
		func() bool { _, ok := c.decision[id]; delete(c.decision, id); return ok },
		func() bool { _, ok := c.track[id]; delete(c.track, id); return ok },
		func() bool { _, ok := c.logEvent[id]; delete(c.logEvent, id); return ok },
		func() bool { _, ok := c.configUpdate[id]; delete(c.configUpdate, id); return ok },
	} {
		if remove() {
			return true
		}
	}
	return false
}

func (c *NotificationCenter) sendActivate(n ActivateNotification) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, handler := range c.activate {
		handler(n)
	}
}

func (c *NotificationCenter) sendDecision(n DecisionNotification) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, handler := range c.decision {
		handler(n)
	}
}

func (c *NotificationCenter) sendTrack(n TrackNotification) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, handler := range c.track {
		handler(n)
	}
}

func (c *NotificationCenter) sendLogEvent(n LogEventNotification) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, handler := range c.logEvent {
		handler(n)
	}
}

func (c *NotificationCenter) sendProjectConfigUpdate(n ProjectConfigUpdateNotification) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, handler := range c.configUpdate {
		handler(n)
	}
}
