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

// DecideOption adjusts the behavior of a single Decide call or, through
// the client's defaults, of every Decide call.
type DecideOption int

const (
	// DisableDecisionEvent suppresses the impression for this decision.
	DisableDecisionEvent DecideOption = iota
	// EnabledFlagsOnly limits DecideAll and DecideForKeys results to
	// enabled flags.
	EnabledFlagsOnly
	// IgnoreUserProfileService skips sticky-bucketing lookups and saves.
	IgnoreUserProfileService
	// IncludeReasons returns the reasons vector on the decision.
	IncludeReasons
	// ExcludeVariables leaves the decision's variable map empty.
	ExcludeVariables
)

// decideOptions is the merged view of the client defaults and per-call options.
type decideOptions struct {
	DisableDecisionEvent     bool
	EnabledFlagsOnly         bool
	IgnoreUserProfileService bool
	IncludeReasons           bool
	ExcludeVariables         bool
}

func mergeDecideOptions(defaults, options []DecideOption) decideOptions {
	merged := decideOptions{}
	for _, option := range append(append([]DecideOption{}, defaults...), options...) {
		switch option {
		case DisableDecisionEvent:
			merged.DisableDecisionEvent = true
		case EnabledFlagsOnly:
			merged.EnabledFlagsOnly = true
		case IgnoreUserProfileService:
			merged.IgnoreUserProfileService = true
		case IncludeReasons:
			merged.IncludeReasons = true
		case ExcludeVariables:
			merged.ExcludeVariables = true
		}
	}
	return merged
}

// SegmentOption adjusts a FetchQualifiedSegments call.
type SegmentOption int

const (
	// IgnoreSegmentCache bypasses the segment cache for this fetch; the
	// fresh result still lands in the cache.
	IgnoreSegmentCache SegmentOption = iota
)

// OptimizelyDecisionContext identifies the scope of a forced decision: a
// flag, optionally narrowed to one of its rules.
type OptimizelyDecisionContext struct {
	FlagKey string
	RuleKey string
}

// OptimizelyForcedDecision pins a flag or rule to a specific variation for
// one user context.
type OptimizelyForcedDecision struct {
	VariationKey string
}

// OptimizelyDecision is the result of a Decide call.
type OptimizelyDecision struct {
	VariationKey string
	Enabled      bool
	Variables    map[string]interface{}
	RuleKey      string
	FlagKey      string
	UserContext  *OptimizelyUserContext
	Reasons      []string
}

// OptimizelyUserContext is a mutable holder of one user's id, attributes,
// forced decisions, and qualified segments. Each Decide call takes an
// immutable snapshot of this state together with the current configuration
// snapshot, so concurrent mutation never tears a decision.
type OptimizelyUserContext struct {
	client            *Client
	userID            string
	mu                sync.Mutex
	attributes        map[string]interface{}
	forcedDecisions   map[OptimizelyDecisionContext]string
	qualifiedSegments []string
}

func newUserContext(client *Client, userID string, attributes map[string]interface{}) *OptimizelyUserContext {
	copied := make(map[string]interface{}, len(attributes))
	for key, value := range attributes {
		copied[key] = value
	}
	return &OptimizelyUserContext{
		client:     client,
		userID:     userID,
		attributes: copied,
	}
}

// UserID returns the user id the context was created with.
func (u *OptimizelyUserContext) UserID() string { return u.userID }

// SetAttribute sets a single attribute on the context.
func (u *OptimizelyUserContext) SetAttribute(key string, value interface{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attributes[key] = value
}

// GetAttributes returns a copy of the context's attributes.
func (u *OptimizelyUserContext) GetAttributes() map[string]interface{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	copied := make(map[string]interface{}, len(u.attributes))
	for key, value := range u.attributes {
		copied[key] = value
	}
	return copied
}

// SetForcedDecision pins the given flag (and optionally rule) to a
// variation for this context.
func (u *OptimizelyUserContext) SetForcedDecision(context OptimizelyDecisionContext, decision OptimizelyForcedDecision) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.forcedDecisions == nil {
		u.forcedDecisions = make(map[OptimizelyDecisionContext]string)
	}
	u.forcedDecisions[context] = decision.VariationKey
}

// GetForcedDecision returns the forced decision for the given scope, if set.
func (u *OptimizelyUserContext) GetForcedDecision(context OptimizelyDecisionContext) (OptimizelyForcedDecision, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	variationKey, ok := u.forcedDecisions[context]
	return OptimizelyForcedDecision{VariationKey: variationKey}, ok
}

// RemoveForcedDecision clears the forced decision for the given scope and
// reports whether one was set.
func (u *OptimizelyUserContext) RemoveForcedDecision(context OptimizelyDecisionContext) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.forcedDecisions[context]
	delete(u.forcedDecisions, context)
	return ok
}

// RemoveAllForcedDecisions clears every forced decision on the context.
func (u *OptimizelyUserContext) RemoveAllForcedDecisions() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.forcedDecisions = nil
}

// GetQualifiedSegments returns a copy of the context's qualified segments.
func (u *OptimizelyUserContext) GetQualifiedSegments() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.qualifiedSegments...)
}

// SetQualifiedSegments replaces the context's qualified segments.
func (u *OptimizelyUserContext) SetQualifiedSegments(segments []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.qualifiedSegments = append([]string(nil), segments...)
}

// IsQualifiedFor reports whether the context holds the given segment.
func (u *OptimizelyUserContext) IsQualifiedFor(segment string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.qualifiedSegments {
		if s == segment {
			return true
		}
	}
	return false
}

// FetchQualifiedSegments retrieves the user's audience segments from the
// configured segment source and stores them on the context. A fetch failure
// leaves the context with no qualified segments and returns false.
func (u *OptimizelyUserContext) FetchQualifiedSegments(options ...SegmentOption) bool {
	ignoreCache := false
	for _, option := range options {
		if option == IgnoreSegmentCache {
			ignoreCache = true
		}
	}
	segments, ok := u.client.odp.fetchQualifiedSegments(u.userID, ignoreCache)
	if !ok {
		u.SetQualifiedSegments(nil)
		return false
	}
	u.SetQualifiedSegments(segments)
	return true
}

// SendOdpEvent forwards an event about this user to the customer-data
// platform. The user id is added to the identifiers as "fs_user_id".
func (u *OptimizelyUserContext) SendOdpEvent(eventType, action string, identifiers map[string]string, data map[string]interface{}) error {
	merged := make(map[string]string, len(identifiers)+1)
	for key, value := range identifiers {
		merged[key] = value
	}
	merged["fs_user_id"] = u.userID
	return u.client.odp.sendEvent(eventType, action, merged, data)
}

// Decide resolves the flag for this user, sending an impression unless
// disabled.
func (u *OptimizelyUserContext) Decide(flagKey string, options ...DecideOption) OptimizelyDecision {
	return u.client.decideForContext(u, flagKey, options)
}

// DecideForKeys resolves each of the given flags, keyed by flag key. With
// EnabledFlagsOnly, disabled flags are omitted.
func (u *OptimizelyUserContext) DecideForKeys(flagKeys []string, options ...DecideOption) map[string]OptimizelyDecision {
	return u.client.decideForKeys(u, flagKeys, options)
}

// DecideAll resolves every flag in the project for this user.
func (u *OptimizelyUserContext) DecideAll(options ...DecideOption) map[string]OptimizelyDecision {
	return u.client.decideAll(u, options)
}

// TrackEvent records a conversion for this user.
func (u *OptimizelyUserContext) TrackEvent(eventKey string, eventTags map[string]interface{}) error {
	return u.client.Track(eventKey, u.userID, u.GetAttributes(), eventTags)
}

// snapshot captures the context's state for one decision call.
func (u *OptimizelyUserContext) snapshot() userSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	snap := userSnapshot{
		UserID:     u.userID,
		Attributes: make(map[string]interface{}, len(u.attributes)),
	}
	for key, value := range u.attributes {
		snap.Attributes[key] = value
	}
	if len(u.qualifiedSegments) > 0 {
		snap.qualifiedSegments = make(map[string]bool, len(u.qualifiedSegments))
		for _, segment := range u.qualifiedSegments {
			snap.qualifiedSegments[segment] = true
		}
	}
	if len(u.forcedDecisions) > 0 {
		snap.forcedDecisions = make(map[OptimizelyDecisionContext]string, len(u.forcedDecisions))
		for key, value := range u.forcedDecisions {
			snap.forcedDecisions[key] = value
		}
	}
	return snap
}
