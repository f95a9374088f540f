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
	"sort"
	"time"

	"github.com/google/uuid"
)

// event type and key reported for impressions
const campaignActivated = "campaign_activated"

// synthetic attribute carrying the datafile's bot-filtering flag
const botFilteringAttribute = "$opt_bot_filtering"

// the client name reported on the event wire
const packagePath = "github.com/spothero/optimizely-fullstack-go"

// Version of this library to report on the event wire. It is not read from
// the Go module info; while it is unset, no version is sent.
var clientVersion = ""

// wire structures sent to the event collector

type wireEvent struct {
	EntityID  string                 `json:"entity_id"`
	Timestamp int64                  `json:"timestamp"`
	UUID      string                 `json:"uuid"`
	Key       string                 `json:"key"`
	Type      string                 `json:"type"`
	Tags      map[string]interface{} `json:"tags,omitempty"`
	Revenue   *int64                 `json:"revenue,omitempty"`
	Value     *float64               `json:"value,omitempty"`
}

type wireDecisionMetadata struct {
	FlagKey      string `json:"flag_key"`
	RuleKey      string `json:"rule_key"`
	RuleType     string `json:"rule_type"`
	VariationKey string `json:"variation_key"`
	Enabled      bool   `json:"enabled"`
}

type wireDecision struct {
	CampaignID   string               `json:"campaign_id"`
	ExperimentID string               `json:"experiment_id"`
	VariationID  string               `json:"variation_id"`
	Metadata     wireDecisionMetadata `json:"metadata"`
}

type wireSnapshot struct {
	Decisions []wireDecision `json:"decisions,omitempty"`
	Events    []wireEvent    `json:"events"`
}

type visitorAttribute struct {
	EntityID string      `json:"entity_id"`
	Key      string      `json:"key"`
	Type     string      `json:"type"`
	Value    interface{} `json:"value"`
}

type wireVisitor struct {
	ID         string             `json:"visitor_id"`
	Attributes []visitorAttribute `json:"attributes"`
	Snapshots  []wireSnapshot     `json:"snapshots"`
}

type eventBatch struct {
	AccountID       string        `json:"account_id"`
	ProjectID       string        `json:"project_id"`
	Revision        string        `json:"revision"`
	ClientName      string        `json:"client_name"`
	ClientVersion   *string       `json:"client_version,omitempty"`
	AnonymizeIP     bool          `json:"anonymize_ip"`
	EnrichDecisions bool          `json:"enrich_decisions"`
	Visitors        []wireVisitor `json:"visitors"`
}

// eventContext is the batch header shared by every event of a batch; events
// with differing contexts are never batched together.
type eventContext struct {
	AccountID   string
	ProjectID   string
	Revision    string
	AnonymizeIP bool
}

// impressionData describes the decision an impression reports.
type impressionData struct {
	CampaignID   string
	ExperimentID string
	VariationID  string
	Metadata     wireDecisionMetadata
}

// conversionData describes a tracked conversion.
type conversionData struct {
	EventID  string
	EventKey string
	Tags     map[string]interface{}
	Revenue  *int64
	Value    *float64
}

// UserEvent is an impression or conversion captured at decision time, before
// batching. UserEvents are immutable once created.
type UserEvent struct {
	Context    eventContext
	VisitorID  string
	Attributes []visitorAttribute
	Timestamp  int64
	UUID       string
	Impression *impressionData
	Conversion *conversionData
}

// newImpressionEvent builds an impression from a decision. experiment and
// variation may be nil when a flag decision fell through every rule but
// sendFlagDecisions still requests an impression.
func newImpressionEvent(config *Project, experiment *Experiment, variation *Variation, userID string, attributes map[string]interface{}, flagKey, ruleKey, ruleType string, enabled bool) UserEvent {
	impression := impressionData{
		Metadata: wireDecisionMetadata{
			FlagKey:  flagKey,
			RuleKey:  ruleKey,
			RuleType: ruleType,
			Enabled:  enabled,
		},
	}
	if experiment != nil {
		impression.CampaignID = experiment.layerID
		impression.ExperimentID = experiment.id
	}
	if variation != nil {
		impression.VariationID = variation.id
		impression.Metadata.VariationKey = variation.Key
	}
	return UserEvent{
		Context:    batchContext(config),
		VisitorID:  userID,
		Attributes: buildVisitorAttributes(config, attributes),
		Timestamp:  nowMillis(),
		UUID:       uuid.New().String(),
		Impression: &impression,
	}
}

// newConversionEvent builds a conversion for a tracked event with its tags.
func newConversionEvent(config *Project, eventDef EventDefinition, userID string, attributes map[string]interface{}, tags map[string]interface{}) UserEvent {
	return UserEvent{
		Context:    batchContext(config),
		VisitorID:  userID,
		Attributes: buildVisitorAttributes(config, attributes),
		Timestamp:  nowMillis(),
		UUID:       uuid.New().String(),
		Conversion: &conversionData{
			EventID:  eventDef.ID,
			EventKey: eventDef.Key,
			Tags:     tags,
			Revenue:  revenueFromTags(tags),
			Value:    valueFromTags(tags),
		},
	}
}

func batchContext(config *Project) eventContext {
	return eventContext{
		AccountID:   config.AccountID,
		ProjectID:   config.ProjectID,
		Revision:    config.Revision,
		AnonymizeIP: config.AnonymizeIP,
	}
}

func nowMillis() int64 {
	return time.Now().UTC().UnixNano() / int64(time.Millisecond/time.Nanosecond)
}

// buildVisitorAttributes encodes the user's attributes for the wire in key
// order so payloads are stable. Values that are not strings, bools, or
// usable numbers are skipped. Attribute keys unknown to the datafile are
// forwarded with the key itself as the entity id. The bot-filtering flag is
// appended as a synthetic attribute when the datafile sets it.
func buildVisitorAttributes(config *Project, attributes map[string]interface{}) []visitorAttribute {
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	encoded := make([]visitorAttribute, 0, len(keys)+1)
	for _, key := range keys {
		if key == bucketingIDAttribute || key == botFilteringAttribute {
			continue
		}
		value := attributes[key]
		if !isValidAttributeValue(value) {
			continue
		}
		entityID := key
		if attribute, ok := config.AttributeByKey(key); ok {
			entityID = attribute.ID
		}
		encoded = append(encoded, visitorAttribute{
			EntityID: entityID,
			Key:      key,
			Type:     "custom",
			Value:    value,
		})
	}
	if config.BotFiltering != nil {
		encoded = append(encoded, visitorAttribute{
			EntityID: botFilteringAttribute,
			Key:      botFilteringAttribute,
			Type:     "custom",
			Value:    *config.BotFiltering,
		})
	}
	return encoded
}

// revenueFromTags lifts a finite revenue tag into the top-level field,
// coerced to an integer.
func revenueFromTags(tags map[string]interface{}) *int64 {
	raw, ok := tags["revenue"]
	if !ok {
		return nil
	}
	n, ok := numericValue(raw)
	if !ok {
		return nil
	}
	revenue := int64(n)
	return &revenue
}

// valueFromTags lifts a numeric value tag into the top-level field.
func valueFromTags(tags map[string]interface{}) *float64 {
	raw, ok := tags["value"]
	if !ok {
		return nil
	}
	n, ok := numericValue(raw)
	if !ok {
		return nil
	}
	return &n
}

// toVisitor converts a user event to the visitor data structure for sending
// to the collector.
func (e UserEvent) toVisitor() wireVisitor {
	snapshot := wireSnapshot{}
	switch {
	case e.Impression != nil:
		snapshot.Decisions = []wireDecision{{
			CampaignID:   e.Impression.CampaignID,
			ExperimentID: e.Impression.ExperimentID,
			VariationID:  e.Impression.VariationID,
			Metadata:     e.Impression.Metadata,
		}}
		snapshot.Events = []wireEvent{{
			EntityID:  e.Impression.CampaignID,
			Timestamp: e.Timestamp,
			UUID:      e.UUID,
			Key:       campaignActivated,
			Type:      campaignActivated,
		}}
	case e.Conversion != nil:
		snapshot.Events = []wireEvent{{
			EntityID:  e.Conversion.EventID,
			Timestamp: e.Timestamp,
			UUID:      e.UUID,
			Key:       e.Conversion.EventKey,
			Type:      e.Conversion.EventKey,
			Tags:      e.Conversion.Tags,
			Revenue:   e.Conversion.Revenue,
			Value:     e.Conversion.Value,
		}}
	}
	return wireVisitor{
		ID:         e.VisitorID,
		Attributes: e.Attributes,
		Snapshots:  []wireSnapshot{snapshot},
	}
}

// batchEvents assembles user events sharing one context into a wire batch.
func batchEvents(events []UserEvent) eventBatch {
	batch := eventBatch{
		ClientName:      packagePath,
		EnrichDecisions: true,
		Visitors:        make([]wireVisitor, 0, len(events)),
	}
	if clientVersion != "" {
		version := clientVersion
		batch.ClientVersion = &version
	}
	if len(events) > 0 {
		batch.AccountID = events[0].Context.AccountID
		batch.ProjectID = events[0].Context.ProjectID
		batch.Revision = events[0].Context.Revision
		batch.AnonymizeIP = events[0].Context.AnonymizeIP
	}
	for _, e := range events {
		batch.Visitors = append(batch.Visitors, e.toVisitor())
	}
	return batch
}
