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
	"math"

	"github.com/rs/zerolog"
	"github.com/spaolacci/murmur3"
)

// max value of a traffic allocation; used as an upper bound for the bucketing hash
const maxTrafficValue = 10000

// value to seed the murmur hash algorithm with
const hashSeed = 1

// divisor for normalizing the 32-bit hash; 2^32 to match the canonical
// cross-language bucketing implementations
const maxHashValue = float64(1 << 32)

// attribute that overrides the user id as the bucketing id when present
const bucketingIDAttribute = "$opt_bucketing_id"

// bucketer deterministically assigns bucketing ids to traffic-allocation
// slots. Assignments are a pure function of the bucketing id and the parent
// entity id, so they are stable across processes and SDK implementations.
type bucketer struct {
	logger zerolog.Logger
}

func newBucketer(logger zerolog.Logger) bucketer {
	return bucketer{logger: logger.With().Str("component", "bucketer").Logger()}
}

// bucketValue hashes the composed bucketing key into [0, maxTrafficValue).
func (b bucketer) bucketValue(bucketingID, parentID string) int {
	bucketingKey := fmt.Sprintf("%v%v", bucketingID, parentID)
	hashCode := murmur3.Sum32WithSeed([]byte(bucketingKey), hashSeed)
	ratio := float64(hashCode) / maxHashValue
	return int(math.Floor(ratio * maxTrafficValue))
}

// findBucket resolves a bucket value against an ascending traffic allocation
// and returns the matched entity id. An empty return means the value fell in
// an unallocated slot or beyond the last range.
func (b bucketer) findBucket(bucketValue int, allocations []trafficAllocation) string {
	for _, allocation := range allocations {
		if bucketValue < allocation.endOfRange {
			return allocation.entityID
		}
	}
	return ""
}

// bucketExperiment assigns the bucketing id to one of the experiment's
// variations, honoring mutual exclusion when the experiment belongs to a
// random group. A nil return means the user is not in the experiment.
func (b bucketer) bucketExperiment(config *Project, experiment *Experiment, bucketingID string, reasons *decisionReasons) *Variation {
	if experiment.groupID != "" && experiment.groupPolicy == randomPolicy {
		group, ok := config.groupByID(experiment.groupID)
		if !ok {
			return nil
		}
		groupValue := b.bucketValue(bucketingID, group.id)
		selected := b.findBucket(groupValue, group.trafficAllocation)
		if selected == "" {
			reasons.addf("user with bucketing id %q is not in any experiment of group %v", bucketingID, group.id)
			return nil
		}
		if selected != experiment.id {
			reasons.addf("user with bucketing id %q is not in experiment %v of group %v", bucketingID, experiment.Key, group.id)
			return nil
		}
		reasons.addf("user with bucketing id %q is in experiment %v of group %v", bucketingID, experiment.Key, group.id)
	}

	bucketValue := b.bucketValue(bucketingID, experiment.id)
	b.logger.Debug().
		Str("experiment", experiment.Key).
		Str("bucketing_id", bucketingID).
		Int("bucket_value", bucketValue).
		Msg("Assigned bucket value")
	entityID := b.findBucket(bucketValue, experiment.trafficAllocation)
	if entityID == "" {
		reasons.addf("user with bucketing id %q is in no variation of experiment %v", bucketingID, experiment.Key)
		return nil
	}
	variation, ok := experiment.variationsByID[entityID]
	if !ok {
		b.logger.Warn().
			Str("experiment", experiment.Key).
			Str("variation_id", entityID).
			Msg("Traffic allocation references unknown variation")
		return nil
	}
	reasons.addf("user with bucketing id %q is in variation %v of experiment %v", bucketingID, variation.Key, experiment.Key)
	return variation
}

// bucketHoldout assigns the bucketing id to one of the holdout's variations.
func (b bucketer) bucketHoldout(holdout *Holdout, bucketingID string, reasons *decisionReasons) *Variation {
	bucketValue := b.bucketValue(bucketingID, holdout.id)
	entityID := b.findBucket(bucketValue, holdout.trafficAllocation)
	if entityID == "" {
		reasons.addf("user with bucketing id %q is not in holdout %v", bucketingID, holdout.Key)
		return nil
	}
	variation, ok := holdout.variationsByID[entityID]
	if !ok {
		return nil
	}
	reasons.addf("user with bucketing id %q is in variation %v of holdout %v", bucketingID, variation.Key, holdout.Key)
	return variation
}

// bucketingIDFor returns the string to hash for the user: the value of the
// $opt_bucketing_id attribute when it is set to a string, else the user id.
func (b bucketer) bucketingIDFor(userID string, attributes map[string]interface{}) string {
	raw, ok := attributes[bucketingIDAttribute]
	if !ok {
		return userID
	}
	id, ok := raw.(string)
	if !ok {
		b.logger.Warn().Str("user_id", userID).Msg("Bucketing id attribute is not a string; using user id")
		return userID
	}
	return id
}
