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
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/spaolacci/murmur3"
)

// defaults for the contextual-bandit decision cache
const (
	defaultCmabCacheSize = 1000
	defaultCmabCacheTTL  = 30 * time.Minute
)

// CmabClient fetches a variation assignment from the contextual-bandit
// decision service. Implementations own their transport and timeout; an
// error is treated as no decision for the requesting experiment.
type CmabClient interface {
	FetchDecision(ruleID, userID string, attributes map[string]interface{}, cmabUUID string) (string, error)
}

// CmabDecision is a variation assignment produced by the contextual-bandit
// service, tagged with the request uuid for impression metadata.
type CmabDecision struct {
	VariationID string
	UUID        string
}

// cmabService caches contextual-bandit assignments per (user, experiment,
// relevant attributes) so repeated decisions within the TTL do not re-query
// the service.
type cmabService struct {
	client CmabClient
	cache  *expirable.LRU[string, CmabDecision]
	logger zerolog.Logger
}

func newCmabService(client CmabClient, cacheSize int, cacheTTL time.Duration, logger zerolog.Logger) *cmabService {
	if cacheSize <= 0 {
		cacheSize = defaultCmabCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCmabCacheTTL
	}
	return &cmabService{
		client: client,
		cache:  expirable.NewLRU[string, CmabDecision](cacheSize, nil, cacheTTL),
		logger: logger.With().Str("component", "cmab").Logger(),
	}
}

// getDecision returns the cached or freshly fetched assignment for the user
// in the experiment.
func (s *cmabService) getDecision(config *Project, user userSnapshot, experiment *Experiment) (CmabDecision, error) {
	attributes := s.relevantAttributes(config, user, experiment)
	key := cmabCacheKey(user.UserID, experiment.id, attributes)
	if decision, ok := s.cache.Get(key); ok {
		return decision, nil
	}
	requestID := uuid.New().String()
	variationID, err := s.client.FetchDecision(experiment.id, user.UserID, attributes, requestID)
	if err != nil {
		return CmabDecision{}, err
	}
	decision := CmabDecision{VariationID: variationID, UUID: requestID}
	s.cache.Add(key, decision)
	return decision, nil
}

// relevantAttributes projects the user's attributes onto the attribute ids
// the experiment's bandit was trained on.
func (s *cmabService) relevantAttributes(config *Project, user userSnapshot, experiment *Experiment) map[string]interface{} {
	attributes := make(map[string]interface{}, len(experiment.cmab.attributeIDs))
	for _, id := range experiment.cmab.attributeIDs {
		key, ok := config.attributeKeysByID[id]
		if !ok {
			continue
		}
		if value, ok := user.Attributes[key]; ok {
			attributes[key] = value
		}
	}
	return attributes
}

// cmabCacheKey hashes the decision inputs into a stable cache key.
func cmabCacheKey(userID, experimentID string, attributes map[string]interface{}) string {
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	h := murmur3.New64()
	fmt.Fprintf(h, "%d-%s-%s", len(userID), userID, experimentID)
	for _, key := range keys {
		fmt.Fprintf(h, "-%s=%v", key, attributes[key])
	}
	return fmt.Sprintf("%x", h.Sum64())
}
