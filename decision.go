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

	"github.com/rs/zerolog"
)

// decisionReasons accumulates human-readable messages describing how a
// decision was reached. Messages are always logged at debug level but only
// retained when the caller asked for them, so the common path stays
// allocation-light.
type decisionReasons struct {
	include  bool
	messages []string
	logger   zerolog.Logger
}

func newDecisionReasons(include bool, logger zerolog.Logger) *decisionReasons {
	return &decisionReasons{include: include, logger: logger}
}

func (r *decisionReasons) addf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	r.logger.Debug().Msg(message)
	if r.include {
		r.messages = append(r.messages, message)
	}
}

// userSnapshot is an immutable copy of a user context's state taken at the
// start of one decision call.
type userSnapshot struct {
	UserID            string
	Attributes        map[string]interface{}
	qualifiedSegments map[string]bool
	forcedDecisions   map[OptimizelyDecisionContext]string
}

// featureDecision is the resolved outcome of the flag decision pipeline.
type featureDecision struct {
	experiment *Experiment
	variation  *Variation
	source     string
	ruleKey    string
	cmabUUID   string
}

// decisionService composes forced decisions, whitelists, sticky profiles,
// audience gating, bucketing, and rollout traversal into final decisions.
type decisionService struct {
	bucketer bucketer
	logger   zerolog.Logger
	profiles UserProfileService
	cmab     *cmabService
}

func newDecisionService(logger zerolog.Logger, profiles UserProfileService, cmab *cmabService) *decisionService {
	return &decisionService{
		bucketer: newBucketer(logger),
		logger:   logger.With().Str("component", "decision").Logger(),
		profiles: profiles,
		cmab:     cmab,
	}
}

// userMeetsAudienceConditions applies the audience gate for an experiment,
// rollout rule, or holdout. An unknown top-level result fails the gate.
func (d *decisionService) userMeetsAudienceConditions(config *Project, audienceIDs []string, conditions *conditionNode, user userSnapshot, loggingKey string, reasons *decisionReasons) bool {
	var tree *conditionNode
	switch {
	case conditions != nil && !conditions.empty():
		tree = conditions
	case conditions == nil && len(audienceIDs) > 0:
		tree = &conditionNode{op: opOr}
		for _, id := range audienceIDs {
			tree.children = append(tree.children, &conditionNode{audienceID: id})
		}
	default:
		reasons.addf("audiences for %v collectively evaluated to true", loggingKey)
		return true
	}

	leaf := attributeLeafMatcher(user.Attributes, user.qualifiedSegments)
	result := evaluateConditionTree(tree, func(node *conditionNode) *bool {
		if node.audienceID != "" {
			audience, ok := config.audienceByID(node.audienceID)
			if !ok {
				return nil
			}
			return evaluateConditionTree(audience.conditions, leaf)
		}
		return leaf(node)
	})
	if result == nil {
		reasons.addf("audiences for %v collectively evaluated to unknown", loggingKey)
		return false
	}
	reasons.addf("audiences for %v collectively evaluated to %v", loggingKey, *result)
	return *result
}

// findValidatedForcedDecision resolves a forced decision set on the user
// context for (flag, rule) against the flag's known variations.
func (d *decisionService) findValidatedForcedDecision(config *Project, flagKey, ruleKey string, user userSnapshot, reasons *decisionReasons) (*Variation, bool) {
	if flagKey == "" || len(user.forcedDecisions) == 0 {
		return nil, false
	}
	variationKey, ok := user.forcedDecisions[OptimizelyDecisionContext{FlagKey: flagKey, RuleKey: ruleKey}]
	if !ok {
		return nil, false
	}
	target := ruleKey
	if target == "" {
		target = "no rule"
	}
	variation, ok := config.flagVariationByKey(flagKey, variationKey)
	if !ok {
		reasons.addf("invalid forced decision %q for flag %v and %v for user %v", variationKey, flagKey, target, user.UserID)
		return nil, false
	}
	reasons.addf("forced decision maps user %v to variation %v for flag %v and %v", user.UserID, variationKey, flagKey, target)
	return variation, true
}

// getWhitelistedVariation resolves the experiment's forced-variations map
// for the user, if it names a variation that still exists.
func (d *decisionService) getWhitelistedVariation(experiment *Experiment, user userSnapshot, reasons *decisionReasons) (*Variation, bool) {
	variationKey, ok := experiment.forcedVariations[user.UserID]
	if !ok {
		return nil, false
	}
	variation, ok := experiment.variationsByKey[variationKey]
	if !ok {
		reasons.addf("user %v is whitelisted into variation %q which no longer exists in experiment %v", user.UserID, variationKey, experiment.Key)
		return nil, false
	}
	reasons.addf("user %v is whitelisted into variation %v of experiment %v", user.UserID, variation.Key, experiment.Key)
	return variation, true
}

// getStickyVariation consults the user-profile service for a previously
// saved assignment. Service failures degrade to no profile.
func (d *decisionService) getStickyVariation(experiment *Experiment, user userSnapshot, reasons *decisionReasons) (*Variation, bool) {
	profile, err := d.profiles.Lookup(user.UserID)
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", user.UserID).Msg("User profile lookup failed")
		return nil, false
	}
	variationID, ok := profile.ExperimentBucketMap[experiment.id]
	if !ok {
		return nil, false
	}
	variation, ok := experiment.variationsByID[variationID]
	if !ok {
		reasons.addf("user %v has a sticky assignment to variation %q which no longer exists in experiment %v", user.UserID, variationID, experiment.Key)
		return nil, false
	}
	reasons.addf("user %v has a sticky assignment to variation %v of experiment %v", user.UserID, variation.Key, experiment.Key)
	return variation, true
}

func (d *decisionService) saveStickyVariation(experiment *Experiment, variation *Variation, user userSnapshot) {
	profile := UserProfile{
		UserID:              user.UserID,
		ExperimentBucketMap: map[string]string{experiment.id: variation.id},
	}
	if err := d.profiles.Save(profile); err != nil {
		d.logger.Warn().Err(err).Str("user_id", user.UserID).Msg("User profile save failed")
	}
}

// getVariation runs the experiment decision pipeline: forced decision on the
// user context, whitelist, sticky profile, audience gate, bucketing, and
// sticky save. flagKey is empty for direct experiment calls; rule-scoped
// forced decisions only apply when the experiment runs on behalf of a flag.
func (d *decisionService) getVariation(config *Project, flagKey string, experiment *Experiment, user userSnapshot, opts decideOptions, reasons *decisionReasons) *Variation {
	if !experiment.Running() {
		reasons.addf("experiment %v is not running", experiment.Key)
		return nil
	}

	if variation, ok := d.findValidatedForcedDecision(config, flagKey, experiment.Key, user, reasons); ok {
		return variation
	}
	if variation, ok := d.getWhitelistedVariation(experiment, user, reasons); ok {
		return variation
	}
	useProfile := d.profiles != nil && !opts.IgnoreUserProfileService
	if useProfile {
		if variation, ok := d.getStickyVariation(experiment, user, reasons); ok {
			return variation
		}
	}

	if !d.userMeetsAudienceConditions(config, experiment.audienceIDs, experiment.audienceConditions, user, "experiment "+experiment.Key, reasons) {
		reasons.addf("user %v does not meet conditions to be in experiment %v", user.UserID, experiment.Key)
		return nil
	}

	bucketingID := d.bucketer.bucketingIDFor(user.UserID, user.Attributes)
	var variation *Variation
	if experiment.cmab != nil {
		variation = d.getCmabVariation(config, experiment, user, bucketingID, reasons)
	} else {
		variation = d.bucketer.bucketExperiment(config, experiment, bucketingID, reasons)
	}
	if variation == nil {
		return nil
	}
	if useProfile {
		d.saveStickyVariation(experiment, variation, user)
	}
	return variation
}

// getCmabVariation gates the user on the experiment's contextual-bandit
// traffic range and delegates variation selection to the CMAB service.
// Service failures yield no decision for this experiment.
func (d *decisionService) getCmabVariation(config *Project, experiment *Experiment, user userSnapshot, bucketingID string, reasons *decisionReasons) *Variation {
	bucketValue := d.bucketer.bucketValue(bucketingID, experiment.id)
	if bucketValue >= experiment.cmab.trafficAllocation {
		reasons.addf("user %v is not in the contextual-bandit traffic for experiment %v", user.UserID, experiment.Key)
		return nil
	}
	if d.cmab == nil {
		reasons.addf("experiment %v requires a contextual-bandit service but none is configured", experiment.Key)
		return nil
	}
	decision, err := d.cmab.getDecision(config, user, experiment)
	if err != nil {
		d.logger.Warn().Err(err).Str("experiment", experiment.Key).Msg("Contextual-bandit decision failed")
		reasons.addf("contextual-bandit decision failed for experiment %v", experiment.Key)
		return nil
	}
	variation, ok := experiment.variationsByID[decision.VariationID]
	if !ok {
		reasons.addf("contextual-bandit returned unknown variation %q for experiment %v", decision.VariationID, experiment.Key)
		return nil
	}
	reasons.addf("contextual-bandit assigned user %v to variation %v of experiment %v", user.UserID, variation.Key, experiment.Key)
	return variation
}

// getVariationForFeature runs the full flag pipeline: holdouts, feature
// tests in priority order, then the rollout.
func (d *decisionService) getVariationForFeature(config *Project, flag *FeatureFlag, user userSnapshot, opts decideOptions, reasons *decisionReasons) (featureDecision, bool) {
	bucketingID := d.bucketer.bucketingIDFor(user.UserID, user.Attributes)
	for _, holdout := range config.holdoutsForFlag(flag.id) {
		if holdout.status != runningStatus {
			continue
		}
		if !d.userMeetsAudienceConditions(config, holdout.audienceIDs, holdout.audienceConditions, user, "holdout "+holdout.Key, reasons) {
			continue
		}
		if variation := d.bucketer.bucketHoldout(holdout, bucketingID, reasons); variation != nil {
			return featureDecision{variation: variation, source: ruleTypeHoldout, ruleKey: holdout.Key}, true
		}
	}

	for _, experimentID := range flag.experimentIDs {
		experiment, ok := config.ExperimentByID(experimentID)
		if !ok {
			continue
		}
		if variation := d.getVariation(config, flag.Key, experiment, user, opts, reasons); variation != nil {
			return featureDecision{experiment: experiment, variation: variation, source: ruleTypeFeatureTest, ruleKey: experiment.Key}, true
		}
	}

	return d.getVariationForRollout(config, flag, user, reasons)
}

// getVariationForRollout walks the flag's delivery rules in order. A user
// failing a targeted rule's audience advances to the next rule, but a user
// who passes the audience and misses the rule's allocation skips directly to
// the everyone-else rule.
func (d *decisionService) getVariationForRollout(config *Project, flag *FeatureFlag, user userSnapshot, reasons *decisionReasons) (featureDecision, bool) {
	if flag.rolloutID == "" {
		reasons.addf("flag %v has no rollout", flag.Key)
		return featureDecision{}, false
	}
	rollout, ok := config.rolloutByID(flag.rolloutID)
	if !ok || len(rollout.rules) == 0 {
		reasons.addf("rollout %v for flag %v has no rules", flag.rolloutID, flag.Key)
		return featureDecision{}, false
	}

	bucketingID := d.bucketer.bucketingIDFor(user.UserID, user.Attributes)
	for i := 0; i < len(rollout.rules)-1; i++ {
		rule := rollout.rules[i]
		if variation, ok := d.findValidatedForcedDecision(config, flag.Key, rule.Key, user, reasons); ok {
			return featureDecision{experiment: rule, variation: variation, source: ruleTypeRollout, ruleKey: rule.Key}, true
		}
		if !d.userMeetsAudienceConditions(config, rule.audienceIDs, rule.audienceConditions, user, fmt.Sprintf("rule %d of flag %v", i+1, flag.Key), reasons) {
			reasons.addf("user %v does not meet conditions for targeting rule %d of flag %v", user.UserID, i+1, flag.Key)
			continue
		}
		if variation := d.bucketer.bucketExperiment(config, rule, bucketingID, reasons); variation != nil {
			return featureDecision{experiment: rule, variation: variation, source: ruleTypeRollout, ruleKey: rule.Key}, true
		}
		reasons.addf("user %v is not in the traffic of targeting rule %d of flag %v; skipping to the everyone-else rule", user.UserID, i+1, flag.Key)
		break
	}

	everyoneElse := rollout.rules[len(rollout.rules)-1]
	if variation, ok := d.findValidatedForcedDecision(config, flag.Key, everyoneElse.Key, user, reasons); ok {
		return featureDecision{experiment: everyoneElse, variation: variation, source: ruleTypeRollout, ruleKey: everyoneElse.Key}, true
	}
	if !d.userMeetsAudienceConditions(config, everyoneElse.audienceIDs, everyoneElse.audienceConditions, user, "everyone-else rule of flag "+flag.Key, reasons) {
		return featureDecision{}, false
	}
	if variation := d.bucketer.bucketExperiment(config, everyoneElse, bucketingID, reasons); variation != nil {
		return featureDecision{experiment: everyoneElse, variation: variation, source: ruleTypeRollout, ruleKey: everyoneElse.Key}, true
	}
	return featureDecision{}, false
}
