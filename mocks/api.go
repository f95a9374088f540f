package mocks

import (
	"github.com/spothero/optimizely-fullstack-go/api"
	"github.com/stretchr/testify/mock"
)

// Client mocks out the api.Client interface for use in testing
type Client struct {
	mock.Mock
}

func (c *Client) GetDatafile(environmentKey string, projectID int) ([]byte, error) {
	call := c.Called(environmentKey, projectID)
	return call.Get(0).([]byte), call.Error(1)
}

func (c *Client) GetDatafileBySDKKey(sdkKey string) ([]byte, error) {
	call := c.Called(sdkKey)
	return call.Get(0).([]byte), call.Error(1)
}

func (c *Client) GetEnvironmentByProjectID(key string, projectID int) (api.Environment, error) {
	call := c.Called(key, projectID)
	return call.Get(0).(api.Environment), call.Error(1)
}

func (c *Client) GetEnvironmentsByProjectID(projectID int) ([]api.Environment, error) {
	call := c.Called(projectID)
	return call.Get(0).([]api.Environment), call.Error(1)
}

func (c *Client) ReportEvents(events []byte) error {
	return c.Called(events).Error(0)
}
