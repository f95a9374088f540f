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
)

// datafile versions this SDK understands
var supportedDatafileVersions = map[string]bool{"2": true, "3": true, "4": true}

// status of an experiment that is in the running state
const runningStatus = "Running"

// group policy under which experiments are mutually exclusive
const randomPolicy = "random"

// rule types recorded in impression metadata
const (
	ruleTypeExperiment  = "experiment"
	ruleTypeFeatureTest = "feature-test"
	ruleTypeRollout     = "rollout"
	ruleTypeHoldout     = "holdout"
)

// Feature variable types as declared in the datafile.
const (
	VariableTypeString  = "string"
	VariableTypeInteger = "integer"
	VariableTypeDouble  = "double"
	VariableTypeBoolean = "boolean"
	VariableTypeJSON    = "json"
)

// Project is an immutable snapshot of an Optimizely project parsed from a
// datafile. All lookups below are map reads; the Project is never mutated
// after construction and configuration updates swap in a whole new Project.
type Project struct {
	Version           string
	Revision          string
	ProjectID         string
	AccountID         string
	SDKKey            string
	EnvironmentKey    string
	AnonymizeIP       bool
	SendFlagDecisions bool
	// nil when the datafile predates bot filtering
	BotFiltering *bool

	experimentsByID   map[string]*Experiment
	experimentsByKey  map[string]*Experiment
	groupsByID        map[string]*Group
	audiencesByID     map[string]*Audience
	attributesByKey   map[string]Attribute
	attributeKeysByID map[string]string
	eventsByKey       map[string]EventDefinition
	flagsByKey        map[string]*FeatureFlag
	rolloutsByID      map[string]*Rollout
	holdouts          []*Holdout
	// flag key -> variation key -> variation, across the flag's experiments
	// and rollout rules; used to resolve forced decisions
	flagVariations map[string]map[string]*Variation

	RawDataFile json.RawMessage
}

// Experiment represents a single experiment, feature test, or rollout rule.
type Experiment struct {
	Key                string
	id                 string
	layerID            string
	status             string
	groupID            string
	groupPolicy        string
	audienceIDs        []string
	audienceConditions *conditionNode
	trafficAllocation  []trafficAllocation
	variationsByID     map[string]*Variation
	variationsByKey    map[string]*Variation
	forcedVariations   map[string]string
	cmab               *cmabConfig
}

// ID returns the experiment's datafile identifier.
func (e *Experiment) ID() string { return e.id }

// Running reports whether the experiment is in the running state.
func (e *Experiment) Running() bool { return e.status == runningStatus }

// Variation represents a variation of an experiment or rollout rule.
type Variation struct {
	Key            string
	id             string
	featureEnabled bool
	// variable id -> serialized value
	variables map[string]string
}

// ID returns the variation's datafile identifier.
func (v *Variation) ID() string { return v.id }

// FeatureEnabled reports whether the variation turns its feature on.
func (v *Variation) FeatureEnabled() bool { return v.featureEnabled }

// trafficAllocation maps the tail of a bucket range to an entity. An empty
// entityID marks an unallocated slot.
type trafficAllocation struct {
	entityID   string
	endOfRange int
}

// cmabConfig delegates an experiment's variation assignment to the
// contextual-bandit service for users inside its traffic range.
type cmabConfig struct {
	attributeIDs      []string
	trafficAllocation int
}

// Group is a set of related experiments. Under the random policy at most one
// experiment in the group can be assigned to a given user.
type Group struct {
	id                string
	policy            string
	trafficAllocation []trafficAllocation
}

// Audience is a named condition tree over user attributes.
type Audience struct {
	ID         string
	Name       string
	conditions *conditionNode
}

// Attribute is a project attribute definition.
type Attribute struct {
	ID  string
	Key string
}

// EventDefinition is a conversion event definition.
type EventDefinition struct {
	ID            string
	Key           string
	ExperimentIDs []string
}

// FeatureVariable is a feature variable definition with its default value.
type FeatureVariable struct {
	ID           string
	Key          string
	Type         string
	DefaultValue string
}

// FeatureFlag associates a rollout and an ordered list of feature tests with
// a set of typed variables.
type FeatureFlag struct {
	Key            string
	id             string
	rolloutID      string
	experimentIDs  []string
	variablesByKey map[string]FeatureVariable
	variablesByID  map[string]FeatureVariable
}

// ID returns the flag's datafile identifier.
func (f *FeatureFlag) ID() string { return f.id }

// Rollout is an ordered list of delivery rules terminated by an
// everyone-else rule.
type Rollout struct {
	id    string
	rules []*Experiment
}

// Holdout sets a slice of traffic aside from all feature tests of the flags
// it covers. A holdout with no included flags applies to every flag that is
// not explicitly excluded.
type Holdout struct {
	Key                string
	id                 string
	status             string
	audienceIDs        []string
	audienceConditions *conditionNode
	trafficAllocation  []trafficAllocation
	variationsByID     map[string]*Variation
	includedFlags      map[string]bool
	excludedFlags      map[string]bool
}

// appliesTo reports whether the holdout covers the given flag.
func (h *Holdout) appliesTo(flagID string) bool {
	if len(h.includedFlags) > 0 {
		return h.includedFlags[flagID]
	}
	return !h.excludedFlags[flagID]
}

// NewProjectFromDataFile creates a new immutable Project from the raw JSON
// datafile. Parsing fails when the JSON is malformed or the datafile version
// is missing or unsupported; unknown fields are tolerated.
func NewProjectFromDataFile(datafileJSON []byte) (*Project, error) {
	df := Datafile{}
	if err := json.Unmarshal(datafileJSON, &df); err != nil {
		return nil, xerrors.Errorf("malformed datafile: %w", err)
	}
	if !supportedDatafileVersions[df.Version] {
		return nil, xerrors.Errorf("datafile version %q: %w", df.Version, ErrUnsupportedVersion)
	}

	project := &Project{
		Version:           df.Version,
		Revision:          df.Revision,
		ProjectID:         df.ProjectID,
		AccountID:         df.AccountID,
		SDKKey:            df.SDKKey,
		EnvironmentKey:    df.EnvironmentKey,
		AnonymizeIP:       df.AnonymizeIP,
		BotFiltering:      df.BotFiltering,
		SendFlagDecisions: df.SendFlagDecisions,
		experimentsByID:   make(map[string]*Experiment),
		experimentsByKey:  make(map[string]*Experiment),
		groupsByID:        make(map[string]*Group, len(df.Groups)),
		audiencesByID:     make(map[string]*Audience),
		attributesByKey:   make(map[string]Attribute, len(df.Attributes)),
		attributeKeysByID: make(map[string]string, len(df.Attributes)),
		eventsByKey:       make(map[string]EventDefinition, len(df.Events)),
		flagsByKey:        make(map[string]*FeatureFlag, len(df.FeatureFlags)),
		rolloutsByID:      make(map[string]*Rollout, len(df.Rollouts)),
		flagVariations:    make(map[string]map[string]*Variation, len(df.FeatureFlags)),
		RawDataFile:       datafileJSON,
	}

	for _, a := range df.Attributes {
		project.attributesByKey[a.Key] = Attribute{ID: a.ID, Key: a.Key}
		project.attributeKeysByID[a.ID] = a.Key
	}
	for _, ev := range df.Events {
		project.eventsByKey[ev.Key] = EventDefinition{ID: ev.ID, Key: ev.Key, ExperimentIDs: ev.ExperimentIds}
	}

	// typed audiences take precedence over legacy audiences with the same id
	for _, a := range df.Audiences {
		audience, err := newAudience(a)
		if err != nil {
			return nil, err
		}
		project.audiencesByID[a.ID] = audience
	}
	for _, a := range df.TypedAudiences {
		audience, err := newAudience(a)
		if err != nil {
			return nil, err
		}
		project.audiencesByID[a.ID] = audience
	}

	for _, exp := range df.Experiments {
		experiment, err := newExperiment(exp)
		if err != nil {
			return nil, err
		}
		project.addExperiment(experiment)
	}

	for _, g := range df.Groups {
		group := &Group{id: g.ID, policy: g.Policy}
		ta, err := newTrafficAllocation(g.TrafficAllocation)
		if err != nil {
			return nil, err
		}
		group.trafficAllocation = ta
		project.groupsByID[g.ID] = group
		for _, exp := range g.Experiments {
			experiment, err := newExperiment(exp)
			if err != nil {
				return nil, err
			}
			experiment.groupID = g.ID
			experiment.groupPolicy = g.Policy
			project.addExperiment(experiment)
		}
	}

	for _, r := range df.Rollouts {
		rollout := &Rollout{id: r.ID, rules: make([]*Experiment, 0, len(r.Experiments))}
		for _, rule := range r.Experiments {
			experiment, err := newExperiment(rule)
			if err != nil {
				return nil, err
			}
			rollout.rules = append(rollout.rules, experiment)
		}
		project.rolloutsByID[r.ID] = rollout
	}

	for _, h := range df.Holdouts {
		holdout, err := newHoldout(h)
		if err != nil {
			return nil, err
		}
		project.holdouts = append(project.holdouts, holdout)
	}

	for _, f := range df.FeatureFlags {
		flag := &FeatureFlag{
			Key:            f.Key,
			id:             f.ID,
			rolloutID:      f.RolloutID,
			experimentIDs:  f.ExperimentIds,
			variablesByKey: make(map[string]FeatureVariable, len(f.Variables)),
			variablesByID:  make(map[string]FeatureVariable, len(f.Variables)),
		}
		for _, v := range f.Variables {
			variable := FeatureVariable{ID: v.ID, Key: v.Key, Type: v.Type, DefaultValue: v.DefaultValue}
			// older datafiles declare JSON variables as strings with a subtype
			if v.Type == VariableTypeString && v.SubType == VariableTypeJSON {
				variable.Type = VariableTypeJSON
			}
			flag.variablesByKey[v.Key] = variable
			flag.variablesByID[v.ID] = variable
		}
		project.flagsByKey[f.Key] = flag

		variations := make(map[string]*Variation)
		for _, expID := range f.ExperimentIds {
			if experiment, ok := project.experimentsByID[expID]; ok {
				for key, variation := range experiment.variationsByKey {
					variations[key] = variation
				}
			}
		}
		if rollout, ok := project.rolloutsByID[f.RolloutID]; ok {
			for _, rule := range rollout.rules {
				for key, variation := range rule.variationsByKey {
					variations[key] = variation
				}
			}
		}
		project.flagVariations[f.Key] = variations
	}

	return project, nil
}

func (p *Project) addExperiment(e *Experiment) {
	p.experimentsByID[e.id] = e
	p.experimentsByKey[e.Key] = e
}

func newAudience(a DatafileAudience) (*Audience, error) {
	conditions, err := parseConditions(a.Conditions)
	if err != nil {
		return nil, xerrors.Errorf("audience %v has invalid conditions: %w", a.ID, err)
	}
	return &Audience{ID: a.ID, Name: a.Name, conditions: conditions}, nil
}

func newExperiment(exp DatafileExperiment) (*Experiment, error) {
	experiment := &Experiment{
		Key:              exp.Key,
		id:               exp.ID,
		layerID:          exp.LayerID,
		status:           exp.Status,
		audienceIDs:      exp.AudienceIds,
		forcedVariations: exp.ForcedVariations,
		variationsByID:   make(map[string]*Variation, len(exp.Variations)),
		variationsByKey:  make(map[string]*Variation, len(exp.Variations)),
	}
	if len(exp.AudienceConditions) > 0 {
		conditions, err := parseConditions(exp.AudienceConditions)
		if err != nil {
			return nil, xerrors.Errorf("experiment %v has invalid audience conditions: %w", exp.Key, err)
		}
		experiment.audienceConditions = conditions
	}
	if exp.Cmab != nil {
		experiment.cmab = &cmabConfig{
			attributeIDs:      exp.Cmab.AttributeIds,
			trafficAllocation: exp.Cmab.TrafficAllocation,
		}
	}
	for _, v := range exp.Variations {
		variation := newVariation(v)
		experiment.variationsByID[v.ID] = variation
		experiment.variationsByKey[v.Key] = variation
	}
	ta, err := newTrafficAllocation(exp.TrafficAllocation)
	if err != nil {
		return nil, xerrors.Errorf("experiment %v: %w", exp.Key, err)
	}
	experiment.trafficAllocation = ta
	return experiment, nil
}

func newVariation(v DatafileVariation) *Variation {
	variation := &Variation{
		Key:       v.Key,
		id:        v.ID,
		variables: make(map[string]string, len(v.Variables)),
	}
	if v.FeatureEnabled != nil {
		variation.featureEnabled = *v.FeatureEnabled
	}
	for _, o := range v.Variables {
		variation.variables[o.ID] = o.Value
	}
	return variation
}

func newHoldout(h DatafileHoldout) (*Holdout, error) {
	holdout := &Holdout{
		Key:            h.Key,
		id:             h.ID,
		status:         h.Status,
		audienceIDs:    h.AudienceIds,
		variationsByID: make(map[string]*Variation, len(h.Variations)),
		includedFlags:  make(map[string]bool, len(h.IncludedFlags)),
		excludedFlags:  make(map[string]bool, len(h.ExcludedFlags)),
	}
	if len(h.AudienceConditions) > 0 {
		conditions, err := parseConditions(h.AudienceConditions)
		if err != nil {
			return nil, xerrors.Errorf("holdout %v has invalid audience conditions: %w", h.Key, err)
		}
		holdout.audienceConditions = conditions
	}
	for _, v := range h.Variations {
		holdout.variationsByID[v.ID] = newVariation(v)
	}
	ta, err := newTrafficAllocation(h.TrafficAllocation)
	if err != nil {
		return nil, xerrors.Errorf("holdout %v: %w", h.Key, err)
	}
	holdout.trafficAllocation = ta
	for _, id := range h.IncludedFlags {
		holdout.includedFlags[id] = true
	}
	for _, id := range h.ExcludedFlags {
		holdout.excludedFlags[id] = true
	}
	return holdout, nil
}

func newTrafficAllocation(entries []DatafileTrafficAllocation) ([]trafficAllocation, error) {
	ta := make([]trafficAllocation, 0, len(entries))
	end := 0
	for _, a := range entries {
		if a.EndOfRange < end || a.EndOfRange > maxTrafficValue {
			return nil, xerrors.Errorf("traffic allocation range %d is out of order or out of bounds", a.EndOfRange)
		}
		end = a.EndOfRange
		ta = append(ta, trafficAllocation{entityID: a.EntityID, endOfRange: a.EndOfRange})
	}
	return ta, nil
}

// ExperimentByKey returns the experiment with the given key, if any.
func (p *Project) ExperimentByKey(key string) (*Experiment, bool) {
	e, ok := p.experimentsByKey[key]
	return e, ok
}

// ExperimentByID returns the experiment with the given id, if any.
func (p *Project) ExperimentByID(id string) (*Experiment, bool) {
	e, ok := p.experimentsByID[id]
	return e, ok
}

// FeatureByKey returns the feature flag with the given key, if any.
func (p *Project) FeatureByKey(key string) (*FeatureFlag, bool) {
	f, ok := p.flagsByKey[key]
	return f, ok
}

// FeatureKeys returns the keys of every feature flag in the project.
func (p *Project) FeatureKeys() []string {
	keys := make([]string, 0, len(p.flagsByKey))
	for key := range p.flagsByKey {
		keys = append(keys, key)
	}
	return keys
}

// EventByKey returns the event definition with the given key, if any.
func (p *Project) EventByKey(key string) (EventDefinition, bool) {
	ev, ok := p.eventsByKey[key]
	return ev, ok
}

// AttributeByKey returns the attribute definition with the given key, if any.
func (p *Project) AttributeByKey(key string) (Attribute, bool) {
	a, ok := p.attributesByKey[key]
	return a, ok
}

// audienceByID returns the audience with the given id, preferring typed
// audiences when both forms were present in the datafile.
func (p *Project) audienceByID(id string) (*Audience, bool) {
	a, ok := p.audiencesByID[id]
	return a, ok
}

func (p *Project) groupByID(id string) (*Group, bool) {
	g, ok := p.groupsByID[id]
	return g, ok
}

func (p *Project) rolloutByID(id string) (*Rollout, bool) {
	r, ok := p.rolloutsByID[id]
	return r, ok
}

// holdoutsForFlag returns the holdouts covering the given flag in datafile
// order. Only v4 datafiles carry holdouts.
func (p *Project) holdoutsForFlag(flagID string) []*Holdout {
	if len(p.holdouts) == 0 {
		return nil
	}
	matched := make([]*Holdout, 0, len(p.holdouts))
	for _, h := range p.holdouts {
		if h.appliesTo(flagID) {
			matched = append(matched, h)
		}
	}
	return matched
}

// flagVariationByKey resolves a variation key against every experiment and
// rollout rule attached to the flag; used to validate forced decisions.
func (p *Project) flagVariationByKey(flagKey, variationKey string) (*Variation, bool) {
	variations, ok := p.flagVariations[flagKey]
	if !ok {
		return nil, false
	}
	v, ok := variations[variationKey]
	return v, ok
}

// variableForFlag merges the flag's variable definition with the variation's
// override, if the variation carries one.
func variableForFlag(flag *FeatureFlag, variableKey string, variation *Variation) (FeatureVariable, string, bool) {
	variable, ok := flag.variablesByKey[variableKey]
	if !ok {
		return FeatureVariable{}, "", false
	}
	value := variable.DefaultValue
	if variation != nil {
		if override, ok := variation.variables[variable.ID]; ok {
			value = override
		}
	}
	return variable, value, true
}
