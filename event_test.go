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
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventTestProject() *Project {
	botFiltering := true
	return &Project{
		AccountID:    "acc-1",
		ProjectID:    "proj-1",
		Revision:     "7",
		AnonymizeIP:  true,
		BotFiltering: &botFiltering,
		attributesByKey: map[string]Attribute{
			"age": {ID: "attr-1", Key: "age"},
		},
	}
}

func TestNewImpressionEvent(t *testing.T) {
	config := eventTestProject()
	experiment := &Experiment{Key: "checkout_test", id: "exp-1", layerID: "layer-1"}
	variation := &Variation{Key: "treatment", id: "var-1", featureEnabled: true}

	before := time.Now().UTC().UnixNano() / int64(time.Millisecond)
	event := newImpressionEvent(
		config, experiment, variation, "user-1", map[string]interface{}{"age": 30},
		"checkout", "checkout_test", ruleTypeFeatureTest, true)
	after := time.Now().UTC().UnixNano() / int64(time.Millisecond)

	assert.Equal(t, "user-1", event.VisitorID)
	assert.Equal(t, eventContext{AccountID: "acc-1", ProjectID: "proj-1", Revision: "7", AnonymizeIP: true}, event.Context)
	assert.GreaterOrEqual(t, event.Timestamp, before)
	assert.LessOrEqual(t, event.Timestamp, after)
	_, err := uuid.Parse(event.UUID)
	assert.NoError(t, err)

	require.NotNil(t, event.Impression)
	assert.Equal(t, "layer-1", event.Impression.CampaignID)
	assert.Equal(t, "exp-1", event.Impression.ExperimentID)
	assert.Equal(t, "var-1", event.Impression.VariationID)
	assert.Equal(t, wireDecisionMetadata{
		FlagKey:      "checkout",
		RuleKey:      "checkout_test",
		RuleType:     ruleTypeFeatureTest,
		VariationKey: "treatment",
		Enabled:      true,
	}, event.Impression.Metadata)

	visitor := event.toVisitor()
	require.Len(t, visitor.Snapshots, 1)
	require.Len(t, visitor.Snapshots[0].Decisions, 1)
	require.Len(t, visitor.Snapshots[0].Events, 1)
	wire := visitor.Snapshots[0].Events[0]
	assert.Equal(t, "layer-1", wire.EntityID)
	assert.Equal(t, campaignActivated, wire.Key)
	assert.Equal(t, campaignActivated, wire.Type)
}

func TestNewImpressionEvent_noDecision(t *testing.T) {
	// with send-flag-decisions on, an impression is built even when no rule
	// matched; entity ids stay empty
	event := newImpressionEvent(
		eventTestProject(), nil, nil, "user-1", nil, "checkout", "", ruleTypeRollout, false)
	require.NotNil(t, event.Impression)
	assert.Empty(t, event.Impression.CampaignID)
	assert.Empty(t, event.Impression.ExperimentID)
	assert.Empty(t, event.Impression.VariationID)
	assert.Equal(t, ruleTypeRollout, event.Impression.Metadata.RuleType)
	assert.False(t, event.Impression.Metadata.Enabled)
}

func TestNewConversionEvent(t *testing.T) {
	config := eventTestProject()
	eventDef := EventDefinition{ID: "event-1", Key: "purchase"}
	tags := map[string]interface{}{"revenue": 1200, "value": 3.5, "category": "shoes"}

	event := newConversionEvent(config, eventDef, "user-1", map[string]interface{}{"age": 30}, tags)
	require.NotNil(t, event.Conversion)
	assert.Equal(t, "event-1", event.Conversion.EventID)
	assert.Equal(t, "purchase", event.Conversion.EventKey)
	require.NotNil(t, event.Conversion.Revenue)
	assert.Equal(t, int64(1200), *event.Conversion.Revenue)
	require.NotNil(t, event.Conversion.Value)
	assert.Equal(t, 3.5, *event.Conversion.Value)
	assert.Equal(t, tags, event.Conversion.Tags)

	visitor := event.toVisitor()
	require.Len(t, visitor.Snapshots, 1)
	assert.Empty(t, visitor.Snapshots[0].Decisions)
	require.Len(t, visitor.Snapshots[0].Events, 1)
	wire := visitor.Snapshots[0].Events[0]
	assert.Equal(t, "event-1", wire.EntityID)
	assert.Equal(t, "purchase", wire.Key)
	assert.Equal(t, "purchase", wire.Type)
	assert.Equal(t, tags, wire.Tags)
}

func TestRevenueAndValueFromTags(t *testing.T) {
	tests := []struct {
		name            string
		tags            map[string]interface{}
		expectedRevenue *int64
		expectedValue   *float64
	}{
		{"integer revenue is lifted", map[string]interface{}{"revenue": 1200}, int64Ptr(1200), nil},
		{"integral float revenue is lifted", map[string]interface{}{"revenue": 99.0}, int64Ptr(99), nil},
		{"fractional revenue is coerced to an integer", map[string]interface{}{"revenue": 99.5}, int64Ptr(99), nil},
		{"string revenue is dropped", map[string]interface{}{"revenue": "1200"}, nil, nil},
		{"non-finite revenue is dropped", map[string]interface{}{"revenue": math.Inf(1)}, nil, nil},
		{"numeric value is lifted", map[string]interface{}{"value": 3.5}, nil, float64Ptr(3.5)},
		{"integer value is lifted", map[string]interface{}{"value": 3}, nil, float64Ptr(3)},
		{"non-finite value is dropped", map[string]interface{}{"value": math.NaN()}, nil, nil},
		{"absent tags yield neither", map[string]interface{}{"category": "shoes"}, nil, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expectedRevenue, revenueFromTags(test.tags))
			assert.Equal(t, test.expectedValue, valueFromTags(test.tags))
		})
	}
}

func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }

func TestBuildVisitorAttributes(t *testing.T) {
	config := eventTestProject()
	attributes := map[string]interface{}{
		"age":                30,
		"plan":               "gold",
		"beta":               true,
		"junk":               []string{"not", "valid"},
		bucketingIDAttribute: "custom-bucket",
	}
	encoded := buildVisitorAttributes(config, attributes)
	require.Len(t, encoded, 4)

	// emitted in key order, with the synthetic bot-filtering attribute last
	assert.Equal(t, visitorAttribute{EntityID: "attr-1", Key: "age", Type: "custom", Value: 30}, encoded[0])
	assert.Equal(t, visitorAttribute{EntityID: "beta", Key: "beta", Type: "custom", Value: true}, encoded[1])
	assert.Equal(t, visitorAttribute{EntityID: "plan", Key: "plan", Type: "custom", Value: "gold"}, encoded[2])
	assert.Equal(t, visitorAttribute{EntityID: botFilteringAttribute, Key: botFilteringAttribute, Type: "custom", Value: true}, encoded[3])
}

func TestBuildVisitorAttributes_noBotFiltering(t *testing.T) {
	config := eventTestProject()
	config.BotFiltering = nil
	assert.Empty(t, buildVisitorAttributes(config, nil))
}

func TestBatchEvents(t *testing.T) {
	config := eventTestProject()
	first := newConversionEvent(config, EventDefinition{ID: "event-1", Key: "purchase"}, "user-1", nil, nil)
	second := newConversionEvent(config, EventDefinition{ID: "event-1", Key: "purchase"}, "user-2", nil, nil)

	batch := batchEvents([]UserEvent{first, second})
	assert.Equal(t, "acc-1", batch.AccountID)
	assert.Equal(t, "proj-1", batch.ProjectID)
	assert.Equal(t, "7", batch.Revision)
	assert.True(t, batch.AnonymizeIP)
	assert.True(t, batch.EnrichDecisions)
	assert.Equal(t, packagePath, batch.ClientName)
	require.Len(t, batch.Visitors, 2)
	assert.Equal(t, "user-1", batch.Visitors[0].ID)
	assert.Equal(t, "user-2", batch.Visitors[1].ID)
}
