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
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/spothero/optimizely-fullstack-go/api"
)

// polling defaults
const (
	defaultPollingInterval = 5 * time.Minute
	defaultInitTimeout     = 10 * time.Second
)

// ProjectConfigManager supplies the currently-active immutable Project.
// Every decision call takes one snapshot through GetConfig and uses it for
// the duration of the call.
type ProjectConfigManager interface {
	GetConfig() (*Project, error)
}

// DatafileFetcher downloads the current raw datafile from its source.
type DatafileFetcher interface {
	FetchDatafile() ([]byte, error)
}

// sdkKeyDatafileFetcher downloads datafiles from the CDN, or the
// authenticated endpoint, by SDK key.
type sdkKeyDatafileFetcher struct {
	client api.Client
	sdkKey string
}

func (f sdkKeyDatafileFetcher) FetchDatafile() ([]byte, error) {
	return f.client.GetDatafileBySDKKey(f.sdkKey)
}

// environmentDatafileFetcher downloads datafiles through the REST API for a
// project id and environment key.
type environmentDatafileFetcher struct {
	client         api.Client
	environmentKey string
	projectID      int
}

func (f environmentDatafileFetcher) FetchDatafile() ([]byte, error) {
	return f.client.GetDatafile(f.environmentKey, f.projectID)
}

// staticConfigManager serves a fixed datafile for the life of the client.
type staticConfigManager struct {
	project *Project
}

func (m staticConfigManager) GetConfig() (*Project, error) {
	if m.project == nil {
		return nil, ErrConfigUnavailable
	}
	return m.project, nil
}

// pollingConfigManager downloads the datafile on an interval and atomically
// publishes each new revision. Readers load the current snapshot without
// locking; the very first GetConfig blocks until the initial fetch lands or
// the initialization timeout elapses.
type pollingConfigManager struct {
	fetcher       DatafileFetcher
	interval      time.Duration
	initTimeout   time.Duration
	current       atomic.Pointer[Project]
	ready         chan struct{}
	readyOnce     sync.Once
	stop          chan struct{}
	stopOnce      sync.Once
	notifications *NotificationCenter
	logger        zerolog.Logger
}

func newPollingConfigManager(fetcher DatafileFetcher, interval, initTimeout time.Duration, notifications *NotificationCenter, logger zerolog.Logger) *pollingConfigManager {
	if interval <= 0 {
		interval = defaultPollingInterval
	}
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	m := &pollingConfigManager{
		fetcher:       fetcher,
		interval:      interval,
		initTimeout:   initTimeout,
		ready:         make(chan struct{}),
		stop:          make(chan struct{}),
		notifications: notifications,
		logger:        logger.With().Str("component", "config").Logger(),
	}
	go m.run()
	return m
}

func (m *pollingConfigManager) run() {
	m.poll()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.poll()
		case <-m.stop:
			return
		}
	}
}

func (m *pollingConfigManager) poll() {
	datafile, err := m.fetcher.FetchDatafile()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Datafile fetch failed")
		return
	}
	if err := m.SetDatafile(datafile); err != nil {
		m.logger.Warn().Err(err).Msg("Rejected fetched datafile")
	}
}

// SetDatafile parses and activates a datafile. A malformed or unsupported
// datafile is rejected and the previous revision stays active. Setting the
// same revision again is a no-op.
func (m *pollingConfigManager) SetDatafile(datafile []byte) error {
	project, err := NewProjectFromDataFile(datafile)
	if err != nil {
		return xerrors.Errorf("config update rejected: %w", err)
	}
	if current := m.current.Load(); current != nil && current.Revision == project.Revision {
		return nil
	}
	m.current.Store(project)
	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Info().Str("revision", project.Revision).Msg("Activated project configuration")
	if m.notifications != nil {
		m.notifications.sendProjectConfigUpdate(ProjectConfigUpdateNotification{Revision: project.Revision})
	}
	return nil
}

// GetConfig returns the active snapshot, waiting for the initial fetch when
// none has landed yet. On timeout decisions short-circuit to no-decision
// through ErrConfigUnavailable.
func (m *pollingConfigManager) GetConfig() (*Project, error) {
	if project := m.current.Load(); project != nil {
		return project, nil
	}
	select {
	case <-m.ready:
		return m.current.Load(), nil
	case <-m.stop:
		return nil, ErrConfigUnavailable
	case <-time.After(m.initTimeout):
		return nil, ErrConfigUnavailable
	}
}

// Close stops the polling loop.
func (m *pollingConfigManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
