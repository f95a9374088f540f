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
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// defaults for the qualified-segment cache
const (
	defaultSegmentCacheSize = 10000
	defaultSegmentCacheTTL  = 10 * time.Minute
)

// SegmentFetcher retrieves the audience segments a user qualifies for from a
// customer-data platform. Implementations own their transport and timeout;
// an error is treated as no qualified segments.
type SegmentFetcher interface {
	FetchQualifiedSegments(userID string) ([]string, error)
}

// OdpEventSender forwards events to a customer-data platform.
type OdpEventSender interface {
	SendOdpEvent(eventType, action string, identifiers map[string]string, data map[string]interface{}) error
}

// odpManager fronts the segment fetcher with an LRU cache and degrades
// silently when the platform is unreachable.
type odpManager struct {
	fetcher SegmentFetcher
	sender  OdpEventSender
	cache   *expirable.LRU[string, []string]
	logger  zerolog.Logger
}

func newOdpManager(fetcher SegmentFetcher, sender OdpEventSender, cacheSize int, cacheTTL time.Duration, logger zerolog.Logger) *odpManager {
	if cacheSize <= 0 {
		cacheSize = defaultSegmentCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultSegmentCacheTTL
	}
	return &odpManager{
		fetcher: fetcher,
		sender:  sender,
		cache:   expirable.NewLRU[string, []string](cacheSize, nil, cacheTTL),
		logger:  logger.With().Str("component", "odp").Logger(),
	}
}

// fetchQualifiedSegments returns the user's qualified segments, serving from
// cache unless asked otherwise. The second return reports success; a fetch
// failure yields (nil, false).
func (m *odpManager) fetchQualifiedSegments(userID string, ignoreCache bool) ([]string, bool) {
	if m == nil || m.fetcher == nil {
		return nil, false
	}
	if !ignoreCache {
		if segments, ok := m.cache.Get(userID); ok {
			return segments, true
		}
	}
	segments, err := m.fetcher.FetchQualifiedSegments(userID)
	if err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("Qualified segment fetch failed")
		return nil, false
	}
	m.cache.Add(userID, segments)
	return segments, true
}

// sendEvent forwards an event to the customer-data platform, if a sender is
// configured.
func (m *odpManager) sendEvent(eventType, action string, identifiers map[string]string, data map[string]interface{}) error {
	if m == nil || m.sender == nil {
		return ErrInvalidInput
	}
	if err := m.sender.SendOdpEvent(eventType, action, identifiers, data); err != nil {
		m.logger.Warn().Err(err).Str("action", action).Msg("Platform event send failed")
		return err
	}
	return nil
}
