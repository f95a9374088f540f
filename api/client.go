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
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tomnomnom/linkheader"
	"golang.org/x/xerrors"
)

// client is the structure used for interacting with the Optimizely API. The
// REST transport lives behind the apiClient interface so it can be stubbed
// out for testing.
type client struct {
	apiClient     apiClient
	datafileToken string
}

type apiClient interface {
	sendAPIRequest(method, url string, body io.Reader, query url.Values, headers http.Header) (*http.Response, error)
	sendPaginatedAPIRequest(method, url string, body io.Reader, query url.Values, headers http.Header) ([]*http.Response, error)
	httpClient() *http.Client
}

// optimizelyAPIClient is the real apiClient implementation.
type optimizelyAPIClient struct {
	http.Client
	token   string
	perPage int
}

// NewClient constructs a new Optimizely API client from optional provided options.
func NewClient(options ...func(*client)) Client {
	c := client{apiClient: optimizelyAPIClient{perPage: 25}}
	for _, option := range options {
		option(&c)
	}
	return c
}

// Token provides the Optimizely REST API token as an option when building a
// new Client.
func Token(t string) func(*client) {
	return func(c *client) {
		ac := c.apiClient.(optimizelyAPIClient)
		ac.token = t
		c.apiClient = ac
	}
}

// PerPage sets the requested number of items to return on each request to the optimizely API as an option when
// building a new Client. If this option is not provided to NewClient, the default value is 25 items per page.
func PerPage(i int) func(*client) {
	return func(c *client) {
		ac := c.apiClient.(optimizelyAPIClient)
		ac.perPage = i
		c.apiClient = ac
	}
}

// DatafileAccessToken provides the bearer token used to download datafiles
// for secure environments. Without it, datafiles are fetched from the
// public CDN.
func DatafileAccessToken(t string) func(*client) {
	return func(c *client) {
		c.datafileToken = t
	}
}

func (o optimizelyAPIClient) httpClient() *http.Client {
	client := o.Client
	return &client
}

// sends a single API request to the Optimizely API and returns the response or error. If the response is a non-200
// level response, an error is also returned.
func (o optimizelyAPIClient) sendAPIRequest(method, uri string, body io.Reader, query url.Values, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		return nil, xerrors.Errorf("error creating Optimizely API request: %w", err)
	}
	// merge the provided query into the request's query
	q := req.URL.Query()
	for k, v := range query {
		for _, s := range v {
			q.Add(k, s)
		}
	}
	// append per_page to the query
	if o.perPage > 0 {
		q.Set("per_page", fmt.Sprintf("%d", o.perPage))
	}
	req.URL.RawQuery = q.Encode()

	// merge provided headers into the request's headers
	for k, v := range headers {
		for _, s := range v {
			req.Header.Add(k, s)
		}
	}
	// append authorization header if token is not empty and the caller did
	// not supply its own credentials
	if o.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", o.token))
	}
	resp, err := o.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("error making Optimizely API request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.Errorf("received %d status from Optimizely API", resp.StatusCode)
	}
	return resp, nil
}

// sends a request to the Optimizely API and follows all pagination links and aggregates the responses.
func (o optimizelyAPIClient) sendPaginatedAPIRequest(method, uri string, body io.Reader, query url.Values, headers http.Header) ([]*http.Response, error) {
	responses := make([]*http.Response, 0, 1)
	curURL := uri
	for {
		resp, err := o.sendAPIRequest(method, curURL, body, query, headers)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
		links := linkheader.Parse(resp.Header.Get("link"))
		next := links.FilterByRel("next")
		if len(next) == 0 {
			return responses, nil
		}
		curURL = next[0].URL
	}
}
