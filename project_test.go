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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const modelTestDatafile = `{
	"version": "4",
	"revision": "7",
	"accountId": "acc-1",
	"projectId": "proj-1",
	"sdkKey": "sdk-key-1",
	"environmentKey": "production",
	"anonymizeIP": true,
	"botFiltering": true,
	"sendFlagDecisions": true,
	"attributes": [{"id": "attr-1", "key": "age"}],
	"events": [{"id": "event-1", "key": "purchase", "experimentIds": ["exp-1"]}],
	"audiences": [
		{"id": "aud-1", "name": "legacy", "conditions": "[\"or\", {\"name\": \"age\", \"type\": \"custom_attribute\", \"value\": 30}]"},
		{"id": "aud-2", "name": "legacy adults", "conditions": "[]"}
	],
	"typedAudiences": [
		{"id": "aud-2", "name": "adults", "conditions": ["and", {"name": "age", "type": "custom_attribute", "match": "ge", "value": 18}]}
	],
	"groups": [{
		"id": "group-1",
		"policy": "random",
		"trafficAllocation": [{"entityId": "exp-2", "endOfRange": 10000}],
		"experiments": [{
			"id": "exp-2",
			"key": "grouped_experiment",
			"layerId": "layer-2",
			"status": "Running",
			"audienceIds": [],
			"variations": [{"id": "var-3", "key": "on", "featureEnabled": true}],
			"trafficAllocation": [{"entityId": "var-3", "endOfRange": 10000}],
			"forcedVariations": {}
		}]
	}],
	"experiments": [{
		"id": "exp-1",
		"key": "checkout_test",
		"layerId": "layer-1",
		"status": "Running",
		"audienceIds": ["aud-2"],
		"variations": [
			{"id": "var-1", "key": "control", "featureEnabled": false, "variables": [{"id": "variable-1", "value": "25"}]},
			{"id": "var-2", "key": "treatment", "featureEnabled": true, "variables": [{"id": "variable-1", "value": "75"}]}
		],
		"trafficAllocation": [
			{"entityId": "var-1", "endOfRange": 5000},
			{"entityId": "var-2", "endOfRange": 10000}
		],
		"forcedVariations": {"qa-user": "treatment"}
	}],
	"featureFlags": [{
		"id": "flag-1",
		"key": "checkout",
		"rolloutId": "rollout-1",
		"experimentIds": ["exp-1"],
		"variables": [
			{"id": "variable-1", "key": "discount", "type": "integer", "defaultValue": "0"},
			{"id": "variable-2", "key": "copy", "type": "string", "subType": "json", "defaultValue": "{\"title\": \"hi\"}"}
		]
	}],
	"rollouts": [{
		"id": "rollout-1",
		"experiments": [{
			"id": "rule-1",
			"key": "everyone_else",
			"layerId": "layer-3",
			"status": "Running",
			"audienceIds": [],
			"variations": [{"id": "var-4", "key": "off", "featureEnabled": false}],
			"trafficAllocation": [{"entityId": "var-4", "endOfRange": 10000}]
		}]
	}],
	"holdouts": [{
		"id": "holdout-1",
		"key": "global_holdout",
		"status": "Running",
		"audienceIds": [],
		"variations": [{"id": "var-5", "key": "holdout_off", "featureEnabled": false}],
		"trafficAllocation": [{"entityId": "var-5", "endOfRange": 500}],
		"excludedFlags": []
	}]
}`

func TestNewProjectFromDataFile(t *testing.T) {
	project, err := NewProjectFromDataFile([]byte(modelTestDatafile))
	require.NoError(t, err)

	assert.Equal(t, "4", project.Version)
	assert.Equal(t, "7", project.Revision)
	assert.Equal(t, "acc-1", project.AccountID)
	assert.Equal(t, "proj-1", project.ProjectID)
	assert.Equal(t, "sdk-key-1", project.SDKKey)
	assert.Equal(t, "production", project.EnvironmentKey)
	assert.True(t, project.AnonymizeIP)
	require.NotNil(t, project.BotFiltering)
	assert.True(t, *project.BotFiltering)
	assert.True(t, project.SendFlagDecisions)

	experiment, ok := project.ExperimentByKey("checkout_test")
	require.True(t, ok)
	assert.Equal(t, "exp-1", experiment.ID())
	assert.True(t, experiment.Running())
	byID, ok := project.ExperimentByID("exp-1")
	require.True(t, ok)
	assert.Same(t, experiment, byID)

	grouped, ok := project.ExperimentByKey("grouped_experiment")
	require.True(t, ok)
	assert.Equal(t, "group-1", grouped.groupID)
	assert.Equal(t, randomPolicy, grouped.groupPolicy)
	group, ok := project.groupByID("group-1")
	require.True(t, ok)
	assert.Len(t, group.trafficAllocation, 1)

	flag, ok := project.FeatureByKey("checkout")
	require.True(t, ok)
	assert.Equal(t, "flag-1", flag.ID())
	assert.Equal(t, []string{"exp-1"}, flag.experimentIDs)

	event, ok := project.EventByKey("purchase")
	require.True(t, ok)
	assert.Equal(t, "event-1", event.ID)

	attribute, ok := project.AttributeByKey("age")
	require.True(t, ok)
	assert.Equal(t, "attr-1", attribute.ID)
	assert.Equal(t, "age", project.attributeKeysByID["attr-1"])

	rollout, ok := project.rolloutByID("rollout-1")
	require.True(t, ok)
	require.Len(t, rollout.rules, 1)
	assert.Equal(t, "everyone_else", rollout.rules[0].Key)
}

func TestNewProjectFromDataFile_versions(t *testing.T) {
	tests := []struct {
		name      string
		datafile  string
		expectErr bool
	}{
		{"version 2 is supported", `{"version": "2"}`, false},
		{"version 3 is supported", `{"version": "3"}`, false},
		{"version 4 is supported", `{"version": "4"}`, false},
		{"missing version is rejected", `{}`, true},
		{"unknown version is rejected", `{"version": "5"}`, true},
		{"malformed JSON is rejected", `{`, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewProjectFromDataFile([]byte(test.datafile))
			if test.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewProjectFromDataFile_unsupportedVersionError(t *testing.T) {
	_, err := NewProjectFromDataFile([]byte(`{"version": "1"}`))
	assert.True(t, xerrors.Is(err, ErrUnsupportedVersion))
}

func TestProject_typedAudiencePrecedence(t *testing.T) {
	project, err := NewProjectFromDataFile([]byte(modelTestDatafile))
	require.NoError(t, err)

	audience, ok := project.audienceByID("aud-2")
	require.True(t, ok)
	assert.Equal(t, "adults", audience.Name)

	legacy, ok := project.audienceByID("aud-1")
	require.True(t, ok)
	assert.Equal(t, "legacy", legacy.Name)
	require.NotNil(t, legacy.conditions)
	require.Len(t, legacy.conditions.children, 1)
	assert.Equal(t, "age", legacy.conditions.children[0].leaf.Name)
}

func TestProject_variableMerge(t *testing.T) {
	project, err := NewProjectFromDataFile([]byte(modelTestDatafile))
	require.NoError(t, err)
	flag, ok := project.FeatureByKey("checkout")
	require.True(t, ok)
	experiment, _ := project.ExperimentByKey("checkout_test")
	treatment := experiment.variationsByKey["treatment"]

	// the treatment variation overrides the flag default
	variable, value, ok := variableForFlag(flag, "discount", treatment)
	require.True(t, ok)
	assert.Equal(t, VariableTypeInteger, variable.Type)
	assert.Equal(t, "75", value)

	// with no variation the default applies
	_, value, ok = variableForFlag(flag, "discount", nil)
	require.True(t, ok)
	assert.Equal(t, "0", value)

	// string variables with a json subtype surface as json
	variable, _, ok = variableForFlag(flag, "copy", nil)
	require.True(t, ok)
	assert.Equal(t, VariableTypeJSON, variable.Type)

	_, _, ok = variableForFlag(flag, "missing", nil)
	assert.False(t, ok)
}

func TestProject_flagVariationByKey(t *testing.T) {
	project, err := NewProjectFromDataFile([]byte(modelTestDatafile))
	require.NoError(t, err)

	// variations from the flag's experiments and rollout rules are resolvable
	for _, key := range []string{"control", "treatment", "off"} {
		_, ok := project.flagVariationByKey("checkout", key)
		assert.True(t, ok, key)
	}
	_, ok := project.flagVariationByKey("checkout", "unknown")
	assert.False(t, ok)
	_, ok = project.flagVariationByKey("unknown_flag", "control")
	assert.False(t, ok)
}

func TestProject_holdouts(t *testing.T) {
	project, err := NewProjectFromDataFile([]byte(modelTestDatafile))
	require.NoError(t, err)

	// a holdout with no included flags is global
	holdouts := project.holdoutsForFlag("flag-1")
	require.Len(t, holdouts, 1)
	assert.Equal(t, "global_holdout", holdouts[0].Key)

	scoped := &Holdout{includedFlags: map[string]bool{"flag-9": true}}
	assert.True(t, scoped.appliesTo("flag-9"))
	assert.False(t, scoped.appliesTo("flag-1"))

	excluded := &Holdout{excludedFlags: map[string]bool{"flag-1": true}}
	assert.False(t, excluded.appliesTo("flag-1"))
	assert.True(t, excluded.appliesTo("flag-9"))
}

func TestNewTrafficAllocation_validation(t *testing.T) {
	_, err := newTrafficAllocation([]DatafileTrafficAllocation{{EntityID: "a", EndOfRange: 12000}})
	assert.Error(t, err)
	_, err = newTrafficAllocation([]DatafileTrafficAllocation{
		{EntityID: "a", EndOfRange: 5000},
		{EntityID: "b", EndOfRange: 4000},
	})
	assert.Error(t, err)
}
