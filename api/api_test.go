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

package api

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockApiClient struct {
	mock.Mock
}

func (m *mockApiClient) sendAPIRequest(method, url string, body io.Reader, query url.Values, headers http.Header) (*http.Response, error) {
	call := m.Called(method, url, body, query, headers)
	return call.Get(0).(*http.Response), call.Error(1)
}

func (m *mockApiClient) sendPaginatedAPIRequest(method, url string, body io.Reader, query url.Values, headers http.Header) ([]*http.Response, error) {
	call := m.Called(method, url, body, query, headers)
	return call.Get(0).([]*http.Response), call.Error(1)
}

func (m *mockApiClient) httpClient() *http.Client {
	return m.Called().Get(0).(*http.Client)
}

// expectEnvironmentsRequest registers the paginated environments call for a
// project id, returning one response per body.
func expectEnvironmentsRequest(mc *mockApiClient, projectID int, bodies []string, err error) *mock.Call {
	responses := make([]*http.Response, 0, len(bodies))
	for _, body := range bodies {
		responses = append(responses, &http.Response{Body: ioutil.NopCloser(strings.NewReader(body))})
	}
	return mc.On(
		"sendPaginatedAPIRequest",
		http.MethodGet,
		fmt.Sprintf("%s/environments", baseURL),
		nil,
		url.Values{"project_id": []string{fmt.Sprintf("%d", projectID)}},
		http.Header(nil),
	).Return(responses, err)
}

const stagingEnvironmentBody = `
[
  {
    "id": 7,
    "key": "staging",
    "name": "Staging",
    "project_id": 4100,
    "archived": false,
    "description": "pre-production checks",
    "has_restricted_permissions": false,
    "created": "2021-03-04T09:15:00Z",
    "is_primary": false,
    "last_modified": "2021-03-04T09:15:00Z",
    "datafile": {
      "id": 71,
      "latest_file_size": 2048,
      "other_urls": ["https://cdn.example.com/staging.json"],
      "revision": 12,
      "sdk_key": "staging-sdk-key",
      "url": "https://cdn.example.com/staging.json"
    }
  }
]
`

const productionEnvironmentBody = `
[
  {
    "id": 8,
    "key": "production",
    "name": "Production",
    "project_id": 4100,
    "archived": false,
    "description": "live traffic",
    "has_restricted_permissions": true,
    "created": "2021-03-04T09:15:00Z",
    "is_primary": true,
    "last_modified": "2021-05-01T17:42:00Z",
    "datafile": {
      "id": 81,
      "latest_file_size": 4096,
      "other_urls": ["https://cdn.example.com/production.json"],
      "revision": 40,
      "sdk_key": "production-sdk-key",
      "url": "https://cdn.example.com/production.json"
    }
  }
]
`

var stagingEnvironment = Environment{
	ID:           7,
	Key:          "staging",
	Name:         "Staging",
	ProjectID:    4100,
	Description:  "pre-production checks",
	Created:      time.Date(2021, 3, 4, 9, 15, 0, 0, time.UTC),
	LastModified: time.Date(2021, 3, 4, 9, 15, 0, 0, time.UTC),
	Datafile: Datafile{
		ID:             71,
		LatestFileSize: 2048,
		OtherURLs:      []string{"https://cdn.example.com/staging.json"},
		Revision:       12,
		SDKKey:         "staging-sdk-key",
		URL:            "https://cdn.example.com/staging.json",
	},
}

var productionEnvironment = Environment{
	ID:                       8,
	Key:                      "production",
	Name:                     "Production",
	ProjectID:                4100,
	Description:              "live traffic",
	HasRestrictedPermissions: true,
	Created:                  time.Date(2021, 3, 4, 9, 15, 0, 0, time.UTC),
	LastModified:             time.Date(2021, 5, 1, 17, 42, 0, 0, time.UTC),
	Datafile: Datafile{
		ID:             81,
		LatestFileSize: 4096,
		OtherURLs:      []string{"https://cdn.example.com/production.json"},
		Revision:       40,
		SDKKey:         "production-sdk-key",
		URL:            "https://cdn.example.com/production.json",
	},
	IsPrimary: true,
}

func TestClient_GetEnvironmentsByProjectID(t *testing.T) {
	const projectID = 4100
	tests := []struct {
		name                 string
		responseBodies       []string
		apiErr               error
		expectedEnvironments []Environment
		expectErr            bool
	}{
		{
			"environments are aggregated across pages",
			[]string{stagingEnvironmentBody, productionEnvironmentBody},
			nil,
			[]Environment{stagingEnvironment, productionEnvironment},
			false,
		}, {
			"api error returns an error",
			[]string{""},
			fmt.Errorf("api error"),
			nil,
			true,
		}, {
			"error decoding json returns an error",
			[]string{"{"},
			nil,
			nil,
			true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mc := &mockApiClient{}
			expectEnvironmentsRequest(mc, projectID, test.responseBodies, test.apiErr).Once()
			defer mc.AssertExpectations(t)

			environments, err := client{apiClient: mc}.GetEnvironmentsByProjectID(projectID)
			if test.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expectedEnvironments, environments)
		})
	}
}

func TestClient_GetEnvironmentByProjectID(t *testing.T) {
	const projectID = 4100
	tests := []struct {
		name                string
		environmentKey      string
		apiErr              error
		expectedEnvironment Environment
		expectErr           bool
	}{
		{"environment is selected by key", "production", nil, productionEnvironment, false},
		{"unknown environment key returns an error", "qa", nil, Environment{}, true},
		{"error listing environments returns an error", "production", fmt.Errorf("api error"), Environment{}, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mc := &mockApiClient{}
			expectEnvironmentsRequest(mc, projectID, []string{stagingEnvironmentBody, productionEnvironmentBody}, test.apiErr).Once()
			defer mc.AssertExpectations(t)

			environment, err := client{apiClient: mc}.GetEnvironmentByProjectID(test.environmentKey, projectID)
			if test.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expectedEnvironment, environment)
		})
	}
}

func TestClient_ReportEvents(t *testing.T) {
	tests := []struct {
		name      string
		body      []byte
		response  *http.Response
		httpErr   error
		expectErr bool
	}{
		{
			"events are delivered and acknowledged with 204",
			[]byte(`{"account_id": "acc-1", "enrich_decisions": true, "visitors": []}`),
			&http.Response{StatusCode: http.StatusNoContent},
			nil,
			false,
		}, {
			"error POSTing to the collector returns an error",
			[]byte{},
			nil,
			fmt.Errorf("collector unreachable"),
			true,
		}, {
			"non-204 status from the collector returns an error",
			[]byte{},
			&http.Response{StatusCode: http.StatusBadRequest},
			nil,
			true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mt := &mockTransport{}
			mt.On("RoundTrip", mock.Anything).Return(test.response, test.httpErr).Once()
			defer mt.AssertExpectations(t)
			mc := &mockApiClient{}
			mc.On("httpClient").Return(&http.Client{Transport: mt})
			defer mc.AssertExpectations(t)

			err := client{apiClient: mc}.ReportEvents(test.body)
			if test.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)

			sentRequest := mt.Calls[0].Arguments[0].(*http.Request)
			assert.Equal(t, EventsEndpoint, sentRequest.URL.String())
			sentBody := bytes.Buffer{}
			_, err = sentBody.ReadFrom(sentRequest.Body)
			require.NoError(t, err)
			assert.Equal(t, string(test.body), sentBody.String())
		})
	}
}

func TestClient_GetDatafile(t *testing.T) {
	const projectID = 4100
	tests := []struct {
		name           string
		environmentErr error
		responseBody   string
		statusCode     int
		httpErr        error
		expectErr      bool
	}{
		{"datafile is downloaded from the environment's url", nil, `{"version": "4"}`, http.StatusOK, nil, false},
		{"error listing environments returns an error", fmt.Errorf("api error"), "", 0, nil, true},
		{"non-200 status returns an error", nil, "", http.StatusInternalServerError, nil, true},
		{"http error returns an error", nil, "", http.StatusOK, fmt.Errorf("cdn unreachable"), true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mc := &mockApiClient{}
			expectEnvironmentsRequest(mc, projectID, []string{productionEnvironmentBody}, test.environmentErr).Once()
			defer mc.AssertExpectations(t)
			mt := &mockTransport{}
			defer mt.AssertExpectations(t)
			resp := &http.Response{Body: ioutil.NopCloser(strings.NewReader(test.responseBody)), StatusCode: test.statusCode}
			mt.On("RoundTrip", mock.Anything).Return(resp, test.httpErr).Maybe()
			mc.On("httpClient").Return(&http.Client{Transport: mt}).Maybe()

			datafile, err := client{apiClient: mc}.GetDatafile("production", projectID)
			if test.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.responseBody, string(datafile))
			sentRequest := mt.Calls[0].Arguments[0].(*http.Request)
			assert.Equal(t, productionEnvironment.Datafile.URL, sentRequest.URL.String())
		})
	}
}
