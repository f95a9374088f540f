package mocks

import (
	optimizely "github.com/spothero/optimizely-fullstack-go"
	"github.com/stretchr/testify/mock"
)

// UserProfileService mocks out the sticky-bucketing profile store for use in testing
type UserProfileService struct {
	mock.Mock
}

func (s *UserProfileService) Lookup(userID string) (optimizely.UserProfile, error) {
	call := s.Called(userID)
	return call.Get(0).(optimizely.UserProfile), call.Error(1)
}

func (s *UserProfileService) Save(profile optimizely.UserProfile) error {
	return s.Called(profile).Error(0)
}

// EventDispatcher mocks out event payload delivery for use in testing
type EventDispatcher struct {
	mock.Mock
}

func (d *EventDispatcher) DispatchEvent(event optimizely.LogEvent) error {
	return d.Called(event).Error(0)
}

// CmabClient mocks out the contextual-bandit decision service for use in testing
type CmabClient struct {
	mock.Mock
}

func (c *CmabClient) FetchDecision(ruleID, userID string, attributes map[string]interface{}, cmabUUID string) (string, error) {
	call := c.Called(ruleID, userID, attributes, cmabUUID)
	return call.String(0), call.Error(1)
}

// SegmentFetcher mocks out qualified-segment retrieval for use in testing
type SegmentFetcher struct {
	mock.Mock
}

func (f *SegmentFetcher) FetchQualifiedSegments(userID string) ([]string, error) {
	call := f.Called(userID)
	segments, _ := call.Get(0).([]string)
	return segments, call.Error(1)
}
