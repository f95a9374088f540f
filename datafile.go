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

import "encoding/json"

// Datafile is the top-level structure of the JSON datafile from Optimizely.
// The Datafile* types in this file are only used when deserializing the
// datafile; NewProjectFromDataFile converts them into the runtime model.
type Datafile struct {
	Version           string                   `json:"version"`
	Revision          string                   `json:"revision"`
	ProjectID         string                   `json:"projectId"`
	AccountID         string                   `json:"accountId"`
	SDKKey            string                   `json:"sdkKey"`
	EnvironmentKey    string                   `json:"environmentKey"`
	AnonymizeIP       bool                     `json:"anonymizeIP"`
	BotFiltering      *bool                    `json:"botFiltering"`
	SendFlagDecisions bool                     `json:"sendFlagDecisions"`
	Experiments       []DatafileExperiment     `json:"experiments"`
	Groups            []DatafileGroup          `json:"groups"`
	Audiences         []DatafileAudience       `json:"audiences"`
	TypedAudiences    []DatafileAudience       `json:"typedAudiences"`
	Attributes        []DatafileAttribute      `json:"attributes"`
	Events            []DatafileEvent          `json:"events"`
	FeatureFlags      []DatafileFeatureFlag    `json:"featureFlags"`
	Rollouts          []DatafileRollout        `json:"rollouts"`
	Holdouts          []DatafileHoldout        `json:"holdouts"`
}

// DatafileExperiment is the structure of an experiment within a datafile. The
// same structure describes rollout rules, which are experiments with a single
// targeted variation.
type DatafileExperiment struct {
	ID                 string                      `json:"id"`
	Key                string                      `json:"key"`
	LayerID            string                      `json:"layerId"`
	Status             string                      `json:"status"`
	AudienceIds        []string                    `json:"audienceIds"`
	AudienceConditions json.RawMessage             `json:"audienceConditions"`
	Variations         []DatafileVariation         `json:"variations"`
	TrafficAllocation  []DatafileTrafficAllocation `json:"trafficAllocation"`
	ForcedVariations   map[string]string           `json:"forcedVariations"`
	Cmab               *DatafileCmab               `json:"cmab"`
}

// DatafileVariation is an experiment variation within a datafile.
type DatafileVariation struct {
	ID             string                      `json:"id"`
	Key            string                      `json:"key"`
	FeatureEnabled *bool                       `json:"featureEnabled"`
	Variables      []DatafileVariableOverride  `json:"variables"`
}

// DatafileVariableOverride is a per-variation variable value within a datafile.
type DatafileVariableOverride struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// DatafileTrafficAllocation is the structure of a traffic allocation entry
// within a datafile. An empty entity ID marks an unallocated slot.
type DatafileTrafficAllocation struct {
	EntityID   string `json:"entityId"`
	EndOfRange int    `json:"endOfRange"`
}

// DatafileCmab marks an experiment whose variation assignment is delegated to
// the contextual-bandit decision service.
type DatafileCmab struct {
	AttributeIds      []string `json:"attributeIds"`
	TrafficAllocation int      `json:"trafficAllocation"`
}

// DatafileGroup is a mutually-exclusive or overlapping experiment group
// within a datafile.
type DatafileGroup struct {
	ID                string                      `json:"id"`
	Policy            string                      `json:"policy"`
	ExperimentIds     []string                    `json:"experimentIds"`
	Experiments       []DatafileExperiment        `json:"experiments"`
	TrafficAllocation []DatafileTrafficAllocation `json:"trafficAllocation"`
}

// DatafileAudience is an audience within a datafile. Conditions are either a
// JSON-encoded string (legacy datafiles) or a nested condition array.
type DatafileAudience struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions json.RawMessage `json:"conditions"`
}

// DatafileAttribute is a project attribute definition within a datafile.
type DatafileAttribute struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// DatafileEvent is a conversion event definition within a datafile.
type DatafileEvent struct {
	ID            string   `json:"id"`
	Key           string   `json:"key"`
	ExperimentIds []string `json:"experimentIds"`
}

// DatafileFeatureFlag is a feature flag within a datafile.
type DatafileFeatureFlag struct {
	ID            string             `json:"id"`
	Key           string             `json:"key"`
	RolloutID     string             `json:"rolloutId"`
	ExperimentIds []string           `json:"experimentIds"`
	Variables     []DatafileVariable `json:"variables"`
}

// DatafileVariable is a feature variable definition within a datafile. JSON
// variables appear in older datafiles as type "string" with subType "json".
type DatafileVariable struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Type         string `json:"type"`
	SubType      string `json:"subType"`
	DefaultValue string `json:"defaultValue"`
}

// DatafileRollout is an ordered set of rollout rules within a datafile.
type DatafileRollout struct {
	ID          string               `json:"id"`
	Experiments []DatafileExperiment `json:"experiments"`
}

// DatafileHoldout is a holdout within a v4 datafile. A holdout with no
// included flags is global and applies to every flag not explicitly excluded.
type DatafileHoldout struct {
	ID                 string                      `json:"id"`
	Key                string                      `json:"key"`
	Status             string                      `json:"status"`
	AudienceIds        []string                    `json:"audienceIds"`
	AudienceConditions json.RawMessage             `json:"audienceConditions"`
	Variations         []DatafileVariation         `json:"variations"`
	TrafficAllocation  []DatafileTrafficAllocation `json:"trafficAllocation"`
	IncludedFlags      []string                    `json:"includedFlags"`
	ExcludedFlags      []string                    `json:"excludedFlags"`
}
