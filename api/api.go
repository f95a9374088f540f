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

// Package api provides the remote surfaces the SDK depends on: datafile
// downloads (from the public CDN by SDK key, the authenticated endpoint, or
// the REST API by project and environment) and event delivery to the
// collector.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/xerrors"
)

const (
	baseURL = "https://api.optimizely.com/v2"
	// EventsEndpoint is where event payloads are delivered.
	EventsEndpoint = "https://logx.optimizely.com/v1/events"
	// unauthenticated datafile CDN template, keyed by SDK key
	datafileURLTemplate = "https://cdn.optimizely.com/datafiles/%s.json"
	// authenticated datafile template for secure environments
	authDatafileURLTemplate = "https://config.optimizely.com/datafiles/auth/%s.json"
)

// Environment is the API representation of an Optimizely environment with a project
type Environment struct {
	ID                       int       `json:"id"`
	Key                      string    `json:"key"`
	Name                     string    `json:"name"`
	ProjectID                int       `json:"project_id"`
	Archived                 bool      `json:"archived"`
	Description              string    `json:"description"`
	HasRestrictedPermissions bool      `json:"has_restricted_permissions"`
	Created                  time.Time `json:"created"`
	LastModified             time.Time `json:"last_modified"`
	Datafile                 Datafile  `json:"datafile"`
	IsPrimary                bool      `json:"is_primary"`
}

// Datafile is the API representation of a datafile for an environment
type Datafile struct {
	ID             int      `json:"id"`
	LatestFileSize int      `json:"latest_file_size"`
	OtherURLs      []string `json:"other_urls"`
	Revision       int      `json:"revision"`
	SDKKey         string   `json:"sdk_key"`
	URL            string   `json:"url"`
}

// Client is the interface for interacting with the Optimizely API. NewClient returns a real implementation of this
// interface and the mocks package contains a version of this interface for testing purposes.
type Client interface {
	// GetDatafile returns the raw contents of the datafile for a given environment and project. This method will
	// return an error if the environment cannot be found in the project or if there is an error retrieving the
	// datafile.
	GetDatafile(environmentKey string, projectID int) ([]byte, error)
	// GetDatafileBySDKKey returns the raw contents of the datafile for the environment identified by the given
	// SDK key. The datafile is fetched from the public CDN, or from the authenticated endpoint when the client
	// was built with a datafile access token.
	GetDatafileBySDKKey(sdkKey string) ([]byte, error)
	// GetEnvironmentByProjectID returns a single environment with a given key within a Project with a given ID.
	// This method can return an error if the given project ID is not found or the environment with the specified
	// key is not found.
	GetEnvironmentByProjectID(key string, projectID int) (Environment, error)
	// GetEnvironmentsByProjectID returns a list of environments located in the project with the given ID.
	GetEnvironmentsByProjectID(projectID int) ([]Environment, error)
	// ReportEvents sends serialized events to the Optimizely events API.
	ReportEvents(events []byte) error
}

func (c client) GetEnvironmentsByProjectID(projectID int) ([]Environment, error) {
	query := url.Values{}
	query.Set("project_id", fmt.Sprintf("%d", projectID))
	responses, err := c.apiClient.sendPaginatedAPIRequest(
		http.MethodGet, fmt.Sprintf("%s/environments", baseURL), nil, query, nil)
	if err != nil {
		return nil, err
	}
	environments := make([]Environment, 0)
	for _, response := range responses {
		var environmentsInResponse []Environment
		err := json.NewDecoder(response.Body).Decode(&environmentsInResponse)
		if err != nil {
			return nil, xerrors.Errorf("error decoding environments in response: %w", err)
		}
		environments = append(environments, environmentsInResponse...)
	}
	return environments, nil
}

func (c client) GetEnvironmentByProjectID(key string, projectID int) (Environment, error) {
	environments, err := c.GetEnvironmentsByProjectID(projectID)
	if err != nil {
		return Environment{}, err
	}
	for _, env := range environments {
		if env.Key == key {
			return env, nil
		}
	}
	return Environment{}, fmt.Errorf("could not find environment with key %s for project %d", key, projectID)
}

func (c client) ReportEvents(events []byte) error {
	response, err := c.apiClient.httpClient().Post(
		EventsEndpoint, "application/json", bytes.NewBuffer(events))
	if err != nil {
		return xerrors.Errorf("error reporting events to Optimizely API: %w", err)
	}
	if response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code (%d) received from events API", response.StatusCode)
	}
	return nil
}

func (c client) GetDatafile(environmentKey string, projectID int) ([]byte, error) {
	environment, err := c.GetEnvironmentByProjectID(environmentKey, projectID)
	if err != nil {
		return nil, err
	}
	response, err := c.apiClient.httpClient().Get(environment.Datafile.URL)
	if err != nil {
		return nil, xerrors.Errorf("failed to retrieve datafile from %s: %w", environment.Datafile.URL, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("invalid response (%d) received while retrieving datafile", response.StatusCode)
	}
	return io.ReadAll(response.Body)
}

func (c client) GetDatafileBySDKKey(sdkKey string) ([]byte, error) {
	uri := fmt.Sprintf(datafileURLTemplate, url.PathEscape(sdkKey))
	var headers http.Header
	if c.datafileToken != "" {
		uri = fmt.Sprintf(authDatafileURLTemplate, url.PathEscape(sdkKey))
		headers = http.Header{"Authorization": []string{fmt.Sprintf("Bearer %s", c.datafileToken)}}
	}
	response, err := c.apiClient.sendAPIRequest(http.MethodGet, uri, nil, nil, headers)
	if err != nil {
		return nil, xerrors.Errorf("failed to retrieve datafile for SDK key %s: %w", sdkKey, err)
	}
	defer response.Body.Close()
	return io.ReadAll(response.Body)
}
