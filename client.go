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

// Package optimizely is a client-side feature-flag and A/B-testing SDK.
// Given a user id and a set of attributes it deterministically decides
// whether a feature is enabled, which variation of an experiment the user
// sees, and which typed configuration values the user receives, and it
// reports impression and conversion events to a remote collector.
package optimizely

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/spothero/optimizely-fullstack-go/api"
)

// Client is the SDK façade. All of its operations are safe for concurrent
// use; every call works against a single immutable configuration snapshot.
type Client struct {
	configManager        ProjectConfigManager
	pollingManager       *pollingConfigManager
	decisions            *decisionService
	events               EventProcessor
	notifications        *NotificationCenter
	odp                  *odpManager
	logger               zerolog.Logger
	defaultDecideOptions []DecideOption
	closeOnce            sync.Once
}

type clientOptions struct {
	datafile             []byte
	configManager        ProjectConfigManager
	sdkKey               string
	environmentKey       string
	projectID            int
	apiToken             string
	datafileFetcher      DatafileFetcher
	datafileAccessToken  string
	pollingInterval      time.Duration
	initTimeout          time.Duration
	logger               *zerolog.Logger
	processor            EventProcessor
	dispatcher           EventDispatcher
	batchSize            int
	flushInterval        time.Duration
	queueCapacity        int
	profileService       UserProfileService
	cmabClient           CmabClient
	cmabCacheSize        int
	cmabCacheTTL         time.Duration
	segmentFetcher       SegmentFetcher
	odpSender            OdpEventSender
	segmentCacheSize     int
	segmentCacheTTL      time.Duration
	errorHandler         func(error)
	defaultDecideOptions []DecideOption
	notifications        *NotificationCenter
}

// Option configures a Client under construction.
type Option func(*clientOptions) error

// WithDatafile initializes the client from a fixed datafile; the
// configuration never changes for the life of the client.
func WithDatafile(datafile []byte) Option {
	return func(o *clientOptions) error {
		o.datafile = datafile
		return nil
	}
}

// WithSDKKey initializes the client from the CDN, polling for datafile
// updates in the background.
func WithSDKKey(sdkKey string) Option {
	return func(o *clientOptions) error {
		o.sdkKey = sdkKey
		return nil
	}
}

// WithDatafileAccessToken authenticates datafile downloads for projects
// with secure environments.
func WithDatafileAccessToken(token string) Option {
	return func(o *clientOptions) error {
		o.datafileAccessToken = token
		return nil
	}
}

// WithProjectEnvironment initializes the client from the REST API, polling
// the datafile of the given environment within the project. Requires an API
// token (WithAPIToken).
func WithProjectEnvironment(environmentKey string, projectID int) Option {
	return func(o *clientOptions) error {
		o.environmentKey = environmentKey
		o.projectID = projectID
		return nil
	}
}

// WithAPIToken provides the REST API token used for project-and-environment
// datafile downloads.
func WithAPIToken(token string) Option {
	return func(o *clientOptions) error {
		o.apiToken = token
		return nil
	}
}

// WithDatafileFetcher overrides how datafiles are downloaded when polling.
func WithDatafileFetcher(fetcher DatafileFetcher) Option {
	return func(o *clientOptions) error {
		o.datafileFetcher = fetcher
		return nil
	}
}

// WithConfigManager supplies a fully custom configuration source.
func WithConfigManager(manager ProjectConfigManager) Option {
	return func(o *clientOptions) error {
		o.configManager = manager
		return nil
	}
}

// WithPollingInterval sets how often the datafile is re-fetched.
func WithPollingInterval(interval time.Duration) Option {
	return func(o *clientOptions) error {
		o.pollingInterval = interval
		return nil
	}
}

// WithInitTimeout bounds how long the first decision waits for the initial
// datafile fetch.
func WithInitTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) error {
		o.initTimeout = timeout
		return nil
	}
}

// WithLogger attaches a structured logger. The client is silent without one.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *clientOptions) error {
		o.logger = &logger
		return nil
	}
}

// WithEventProcessor replaces the batching event processor entirely.
func WithEventProcessor(processor EventProcessor) Option {
	return func(o *clientOptions) error {
		o.processor = processor
		return nil
	}
}

// WithEventDispatcher replaces the HTTP event dispatcher.
func WithEventDispatcher(dispatcher EventDispatcher) Option {
	return func(o *clientOptions) error {
		o.dispatcher = dispatcher
		return nil
	}
}

// WithBatchSize sets the event batch size.
func WithBatchSize(size int) Option {
	return func(o *clientOptions) error {
		o.batchSize = size
		return nil
	}
}

// WithFlushInterval sets how long a partial batch may age before flushing.
func WithFlushInterval(interval time.Duration) Option {
	return func(o *clientOptions) error {
		o.flushInterval = interval
		return nil
	}
}

// WithEventQueueCapacity bounds the producer-side event queue. Events
// arriving on a full queue are dropped.
func WithEventQueueCapacity(capacity int) Option {
	return func(o *clientOptions) error {
		o.queueCapacity = capacity
		return nil
	}
}

// WithUserProfileService enables sticky bucketing through the given store.
func WithUserProfileService(service UserProfileService) Option {
	return func(o *clientOptions) error {
		o.profileService = service
		return nil
	}
}

// WithCmabClient enables contextual-bandit experiments through the given
// decision service client.
func WithCmabClient(client CmabClient) Option {
	return func(o *clientOptions) error {
		o.cmabClient = client
		return nil
	}
}

// WithCmabCache sizes the contextual-bandit decision cache.
func WithCmabCache(size int, ttl time.Duration) Option {
	return func(o *clientOptions) error {
		o.cmabCacheSize = size
		o.cmabCacheTTL = ttl
		return nil
	}
}

// WithSegmentFetcher enables qualified-segment fetching through the given
// customer-data-platform client.
func WithSegmentFetcher(fetcher SegmentFetcher) Option {
	return func(o *clientOptions) error {
		o.segmentFetcher = fetcher
		return nil
	}
}

// WithOdpEventSender enables SendOdpEvent through the given sender.
func WithOdpEventSender(sender OdpEventSender) Option {
	return func(o *clientOptions) error {
		o.odpSender = sender
		return nil
	}
}

// WithSegmentCache sizes the qualified-segment cache.
func WithSegmentCache(size int, ttl time.Duration) Option {
	return func(o *clientOptions) error {
		o.segmentCacheSize = size
		o.segmentCacheTTL = ttl
		return nil
	}
}

// WithErrorHandler installs a hook invoked for non-fatal internal errors
// such as dropped events.
func WithErrorHandler(handler func(error)) Option {
	return func(o *clientOptions) error {
		o.errorHandler = handler
		return nil
	}
}

// WithDefaultDecideOptions applies the given options to every Decide call.
func WithDefaultDecideOptions(options ...DecideOption) Option {
	return func(o *clientOptions) error {
		o.defaultDecideOptions = options
		return nil
	}
}

// WithNotificationCenter shares a notification center with the client.
func WithNotificationCenter(center *NotificationCenter) Option {
	return func(o *clientOptions) error {
		o.notifications = center
		return nil
	}
}

// NewClient constructs a client from the provided options. One of
// WithConfigManager, WithDatafile, WithDatafileFetcher, WithSDKKey, or
// WithProjectEnvironment is required.
func NewClient(options ...Option) (*Client, error) {
	o := clientOptions{}
	for _, option := range options {
		if err := option(&o); err != nil {
			return nil, err
		}
	}

	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}
	notifications := o.notifications
	if notifications == nil {
		notifications = NewNotificationCenter()
	}

	client := &Client{
		notifications:        notifications,
		logger:               logger,
		defaultDecideOptions: o.defaultDecideOptions,
	}

	switch {
	case o.configManager != nil:
		client.configManager = o.configManager
	case o.datafile != nil:
		project, err := NewProjectFromDataFile(o.datafile)
		if err != nil {
			return nil, err
		}
		client.configManager = staticConfigManager{project: project}
	case o.datafileFetcher != nil:
		client.pollingManager = newPollingConfigManager(
			o.datafileFetcher, o.pollingInterval, o.initTimeout, notifications, logger)
		client.configManager = client.pollingManager
	case o.sdkKey != "":
		fetcher := sdkKeyDatafileFetcher{
			client: api.NewClient(api.DatafileAccessToken(o.datafileAccessToken)),
			sdkKey: o.sdkKey,
		}
		client.pollingManager = newPollingConfigManager(
			fetcher, o.pollingInterval, o.initTimeout, notifications, logger)
		client.configManager = client.pollingManager
	case o.environmentKey != "" && o.projectID != 0:
		fetcher := environmentDatafileFetcher{
			client:         api.NewClient(api.Token(o.apiToken)),
			environmentKey: o.environmentKey,
			projectID:      o.projectID,
		}
		client.pollingManager = newPollingConfigManager(
			fetcher, o.pollingInterval, o.initTimeout, notifications, logger)
		client.configManager = client.pollingManager
	default:
		return nil, xerrors.New("a datafile, SDK key, project environment, or config manager is required")
	}

	var cmab *cmabService
	if o.cmabClient != nil {
		cmab = newCmabService(o.cmabClient, o.cmabCacheSize, o.cmabCacheTTL, logger)
	}
	client.decisions = newDecisionService(logger, o.profileService, cmab)

	if o.segmentFetcher != nil || o.odpSender != nil {
		client.odp = newOdpManager(o.segmentFetcher, o.odpSender, o.segmentCacheSize, o.segmentCacheTTL, logger)
	}

	if o.processor != nil {
		client.events = o.processor
	} else {
		client.events = newBatchEventProcessor(batchProcessorConfig{
			batchSize:     o.batchSize,
			flushInterval: o.flushInterval,
			queueCapacity: o.queueCapacity,
			dispatcher:    o.dispatcher,
			notifications: notifications,
			errorHandler:  o.errorHandler,
		}, logger)
	}

	return client, nil
}

// Notifications returns the client's notification center.
func (c *Client) Notifications() *NotificationCenter { return c.notifications }

// Close flushes pending events and stops background work. The client must
// not be used after Close.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.pollingManager != nil {
			c.pollingManager.Close()
		}
		c.events.Close()
	})
}

// CreateUserContext creates a mutable user context bound to this client.
func (c *Client) CreateUserContext(userID string, attributes map[string]interface{}) *OptimizelyUserContext {
	return newUserContext(c, userID, attributes)
}

func bareSnapshot(userID string, attributes map[string]interface{}) userSnapshot {
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	return userSnapshot{UserID: userID, Attributes: attributes}
}

// Activate buckets the user into the experiment and sends an impression for
// the assignment. The empty string is returned when the user is not in the
// experiment.
//
// Deprecated: use CreateUserContext and Decide for flag-based decisions.
func (c *Client) Activate(experimentKey, userID string, attributes map[string]interface{}) (string, error) {
	variation, experiment, config, err := c.experimentDecision(experimentKey, userID, attributes)
	if err != nil || variation == nil {
		return "", err
	}
	c.events.Process(newImpressionEvent(
		config, experiment, variation, userID, attributes, "", experiment.Key, ruleTypeExperiment, variation.featureEnabled))
	c.notifications.sendActivate(ActivateNotification{
		ExperimentKey: experimentKey,
		UserID:        userID,
		Attributes:    attributes,
		VariationKey:  variation.Key,
	})
	return variation.Key, nil
}

// GetVariation returns the variation the user would be assigned to without
// sending an impression.
func (c *Client) GetVariation(experimentKey, userID string, attributes map[string]interface{}) (string, error) {
	variation, _, _, err := c.experimentDecision(experimentKey, userID, attributes)
	if err != nil || variation == nil {
		return "", err
	}
	return variation.Key, nil
}

func (c *Client) experimentDecision(experimentKey, userID string, attributes map[string]interface{}) (*Variation, *Experiment, *Project, error) {
	if experimentKey == "" {
		return nil, nil, nil, xerrors.Errorf("experiment key: %w", ErrInvalidInput)
	}
	config, err := c.configManager.GetConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	experiment, ok := config.ExperimentByKey(experimentKey)
	if !ok {
		c.logger.Warn().Str("experiment", experimentKey).Msg("Experiment key not found in datafile")
		return nil, nil, nil, xerrors.Errorf("experiment %q: %w", experimentKey, ErrInvalidInput)
	}
	reasons := newDecisionReasons(false, c.logger)
	variation := c.decisions.getVariation(config, "", experiment, bareSnapshot(userID, attributes), decideOptions{}, reasons)
	if variation == nil {
		return nil, experiment, config, nil
	}
	c.notifications.sendDecision(DecisionNotification{
		Type:       DecisionTypeABTest,
		UserID:     userID,
		Attributes: attributes,
		Info: map[string]interface{}{
			"experimentKey": experimentKey,
			"variationKey":  variation.Key,
		},
	})
	return variation, experiment, config, nil
}

// Track records a conversion for the named event with optional tags. The
// special tags "revenue" and "value" are lifted into dedicated wire fields
// when numeric.
func (c *Client) Track(eventKey, userID string, attributes map[string]interface{}, eventTags map[string]interface{}) error {
	if eventKey == "" {
		return xerrors.Errorf("event key: %w", ErrInvalidInput)
	}
	config, err := c.configManager.GetConfig()
	if err != nil {
		return err
	}
	eventDef, ok := config.EventByKey(eventKey)
	if !ok {
		c.logger.Warn().Str("event", eventKey).Str("user_id", userID).Msg("Event key not found in datafile; not tracking user")
		return xerrors.Errorf("event %q: %w", eventKey, ErrInvalidInput)
	}
	c.events.Process(newConversionEvent(config, eventDef, userID, attributes, eventTags))
	c.notifications.sendTrack(TrackNotification{
		EventKey:   eventKey,
		UserID:     userID,
		Attributes: attributes,
		EventTags:  eventTags,
	})
	return nil
}

// IsFeatureEnabled reports whether the feature is enabled for the user,
// sending an impression for feature tests and, when the datafile requests
// it, for rollout decisions as well.
func (c *Client) IsFeatureEnabled(flagKey, userID string, attributes map[string]interface{}) (bool, error) {
	if flagKey == "" {
		return false, xerrors.Errorf("flag key: %w", ErrInvalidInput)
	}
	config, err := c.configManager.GetConfig()
	if err != nil {
		return false, err
	}
	flag, ok := config.FeatureByKey(flagKey)
	if !ok {
		c.logger.Warn().Str("flag", flagKey).Msg("Feature flag key not found in datafile")
		return false, xerrors.Errorf("flag %q: %w", flagKey, ErrInvalidInput)
	}
	reasons := newDecisionReasons(false, c.logger)
	snap := bareSnapshot(userID, attributes)
	fd, found := c.decisions.getVariationForFeature(config, flag, snap, decideOptions{}, reasons)
	enabled := found && fd.variation.featureEnabled
	source := fd.source
	if !found {
		source = ruleTypeRollout
	}
	if source == ruleTypeFeatureTest || config.SendFlagDecisions {
		c.events.Process(newImpressionEvent(
			config, fd.experiment, fd.variation, userID, attributes, flagKey, fd.ruleKey, source, enabled))
	}
	c.notifications.sendDecision(DecisionNotification{
		Type:       DecisionTypeFeature,
		UserID:     userID,
		Attributes: attributes,
		Info: map[string]interface{}{
			"featureKey":     flagKey,
			"featureEnabled": enabled,
			"source":         source,
		},
	})
	return enabled, nil
}

// GetEnabledFeatures returns the keys of every feature enabled for the
// user, in lexical order.
func (c *Client) GetEnabledFeatures(userID string, attributes map[string]interface{}) ([]string, error) {
	config, err := c.configManager.GetConfig()
	if err != nil {
		return nil, err
	}
	keys := config.FeatureKeys()
	sort.Strings(keys)
	enabled := make([]string, 0, len(keys))
	for _, key := range keys {
		on, err := c.IsFeatureEnabled(key, userID, attributes)
		if err != nil {
			return nil, err
		}
		if on {
			enabled = append(enabled, key)
		}
	}
	return enabled, nil
}

// GetFeatureVariableString returns the string variable value for the user.
func (c *Client) GetFeatureVariableString(flagKey, variableKey, userID string, attributes map[string]interface{}) (string, error) {
	value, err := c.featureVariable(flagKey, variableKey, userID, attributes, VariableTypeString)
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// GetFeatureVariableInteger returns the integer variable value for the user.
func (c *Client) GetFeatureVariableInteger(flagKey, variableKey, userID string, attributes map[string]interface{}) (int, error) {
	value, err := c.featureVariable(flagKey, variableKey, userID, attributes, VariableTypeInteger)
	if err != nil {
		return 0, err
	}
	return value.(int), nil
}

// GetFeatureVariableDouble returns the double variable value for the user.
func (c *Client) GetFeatureVariableDouble(flagKey, variableKey, userID string, attributes map[string]interface{}) (float64, error) {
	value, err := c.featureVariable(flagKey, variableKey, userID, attributes, VariableTypeDouble)
	if err != nil {
		return 0, err
	}
	return value.(float64), nil
}

// GetFeatureVariableBoolean returns the boolean variable value for the user.
func (c *Client) GetFeatureVariableBoolean(flagKey, variableKey, userID string, attributes map[string]interface{}) (bool, error) {
	value, err := c.featureVariable(flagKey, variableKey, userID, attributes, VariableTypeBoolean)
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// GetFeatureVariableJSON returns the JSON variable value for the user as a
// decoded map.
func (c *Client) GetFeatureVariableJSON(flagKey, variableKey, userID string, attributes map[string]interface{}) (map[string]interface{}, error) {
	value, err := c.featureVariable(flagKey, variableKey, userID, attributes, VariableTypeJSON)
	if err != nil {
		return nil, err
	}
	return value.(map[string]interface{}), nil
}

func (c *Client) featureVariable(flagKey, variableKey, userID string, attributes map[string]interface{}, expectedType string) (interface{}, error) {
	if flagKey == "" || variableKey == "" {
		return nil, xerrors.Errorf("flag or variable key: %w", ErrInvalidInput)
	}
	config, err := c.configManager.GetConfig()
	if err != nil {
		return nil, err
	}
	flag, ok := config.FeatureByKey(flagKey)
	if !ok {
		return nil, xerrors.Errorf("flag %q: %w", flagKey, ErrInvalidInput)
	}
	variable, ok := flag.variablesByKey[variableKey]
	if !ok {
		return nil, xerrors.Errorf("variable %q of flag %q: %w", variableKey, flagKey, ErrInvalidInput)
	}
	if variable.Type != expectedType {
		c.logger.Warn().
			Str("variable", variableKey).
			Str("declared_type", variable.Type).
			Str("requested_type", expectedType).
			Msg("Feature variable requested with mismatched type")
		return nil, xerrors.Errorf("variable %q is declared as %v: %w", variableKey, variable.Type, ErrVariableTypeMismatch)
	}

	reasons := newDecisionReasons(false, c.logger)
	snap := bareSnapshot(userID, attributes)
	fd, found := c.decisions.getVariationForFeature(config, flag, snap, decideOptions{}, reasons)
	var variation *Variation
	if found && fd.variation.featureEnabled {
		variation = fd.variation
	}
	_, raw, _ := variableForFlag(flag, variableKey, variation)
	value, err := coerceVariableValue(variable, raw)
	if err != nil {
		return nil, err
	}
	c.notifications.sendDecision(DecisionNotification{
		Type:       DecisionTypeFeatureVariable,
		UserID:     userID,
		Attributes: attributes,
		Info: map[string]interface{}{
			"featureKey":    flagKey,
			"variableKey":   variableKey,
			"variableType":  variable.Type,
			"variableValue": value,
		},
	})
	return value, nil
}

// GetAllFeatureVariables returns every variable of the flag, coerced to its
// declared type, as the user would receive it.
func (c *Client) GetAllFeatureVariables(flagKey, userID string, attributes map[string]interface{}) (map[string]interface{}, error) {
	if flagKey == "" {
		return nil, xerrors.Errorf("flag key: %w", ErrInvalidInput)
	}
	config, err := c.configManager.GetConfig()
	if err != nil {
		return nil, err
	}
	flag, ok := config.FeatureByKey(flagKey)
	if !ok {
		return nil, xerrors.Errorf("flag %q: %w", flagKey, ErrInvalidInput)
	}
	reasons := newDecisionReasons(false, c.logger)
	snap := bareSnapshot(userID, attributes)
	fd, found := c.decisions.getVariationForFeature(config, flag, snap, decideOptions{}, reasons)
	var variation *Variation
	if found && fd.variation.featureEnabled {
		variation = fd.variation
	}
	variables := c.resolveVariables(flag, variation)
	c.notifications.sendDecision(DecisionNotification{
		Type:       DecisionTypeAllFeatureVariables,
		UserID:     userID,
		Attributes: attributes,
		Info: map[string]interface{}{
			"featureKey":     flagKey,
			"variableValues": variables,
		},
	})
	return variables, nil
}

// resolveVariables coerces every variable of the flag, applying the
// variation's overrides when one is given.
func (c *Client) resolveVariables(flag *FeatureFlag, variation *Variation) map[string]interface{} {
	variables := make(map[string]interface{}, len(flag.variablesByKey))
	for key := range flag.variablesByKey {
		variable, raw, _ := variableForFlag(flag, key, variation)
		value, err := coerceVariableValue(variable, raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("variable", key).Msg("Could not coerce feature variable value")
			continue
		}
		variables[key] = value
	}
	return variables
}

func coerceVariableValue(variable FeatureVariable, value string) (interface{}, error) {
	switch variable.Type {
	case VariableTypeString:
		return value, nil
	case VariableTypeInteger:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return nil, xerrors.Errorf("variable %q value %q is not an integer: %w", variable.Key, value, err)
		}
		return parsed, nil
	case VariableTypeDouble:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, xerrors.Errorf("variable %q value %q is not a double: %w", variable.Key, value, err)
		}
		return parsed, nil
	case VariableTypeBoolean:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, xerrors.Errorf("variable %q value %q is not a boolean: %w", variable.Key, value, err)
		}
		return parsed, nil
	case VariableTypeJSON:
		parsed := map[string]interface{}{}
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return nil, xerrors.Errorf("variable %q value is not valid JSON: %w", variable.Key, err)
		}
		return parsed, nil
	default:
		return nil, xerrors.Errorf("variable %q has unknown type %q: %w", variable.Key, variable.Type, ErrVariableTypeMismatch)
	}
}

// decideForContext resolves one flag for a user context.
func (c *Client) decideForContext(user *OptimizelyUserContext, flagKey string, options []DecideOption) OptimizelyDecision {
	opts := mergeDecideOptions(c.defaultDecideOptions, options)
	config, err := c.configManager.GetConfig()
	if err != nil {
		return OptimizelyDecision{
			FlagKey:     flagKey,
			UserContext: user,
			Variables:   map[string]interface{}{},
			Reasons:     []string{"the SDK has no project configuration available"},
		}
	}
	return c.decideOne(config, user, user.snapshot(), flagKey, opts)
}

func (c *Client) decideForKeys(user *OptimizelyUserContext, flagKeys []string, options []DecideOption) map[string]OptimizelyDecision {
	opts := mergeDecideOptions(c.defaultDecideOptions, options)
	decisions := make(map[string]OptimizelyDecision, len(flagKeys))
	config, err := c.configManager.GetConfig()
	if err != nil {
		return decisions
	}
	snap := user.snapshot()
	for _, flagKey := range flagKeys {
		decision := c.decideOne(config, user, snap, flagKey, opts)
		if opts.EnabledFlagsOnly && !decision.Enabled {
			continue
		}
		decisions[flagKey] = decision
	}
	return decisions
}

func (c *Client) decideAll(user *OptimizelyUserContext, options []DecideOption) map[string]OptimizelyDecision {
	config, err := c.configManager.GetConfig()
	if err != nil {
		return map[string]OptimizelyDecision{}
	}
	keys := config.FeatureKeys()
	sort.Strings(keys)
	return c.decideForKeys(user, keys, options)
}

// decideOne runs the flag decision pipeline against one configuration and
// user snapshot.
func (c *Client) decideOne(config *Project, user *OptimizelyUserContext, snap userSnapshot, flagKey string, opts decideOptions) OptimizelyDecision {
	reasons := newDecisionReasons(opts.IncludeReasons, c.logger)
	result := OptimizelyDecision{
		FlagKey:     flagKey,
		UserContext: user,
		Variables:   map[string]interface{}{},
	}
	flag, ok := config.FeatureByKey(flagKey)
	if !ok {
		reasons.addf("no flag was found for key %q", flagKey)
		result.Reasons = reasons.messages
		return result
	}

	var fd featureDecision
	var found bool
	if variation, ok := c.decisions.findValidatedForcedDecision(config, flagKey, "", snap, reasons); ok {
		fd = featureDecision{variation: variation, source: ruleTypeFeatureTest}
		found = true
	} else {
		fd, found = c.decisions.getVariationForFeature(config, flag, snap, opts, reasons)
	}

	enabled := found && fd.variation.featureEnabled
	source := fd.source
	if !found {
		source = ruleTypeRollout
	}
	if found {
		result.VariationKey = fd.variation.Key
		result.RuleKey = fd.ruleKey
	}
	result.Enabled = enabled
	if !opts.ExcludeVariables {
		var variation *Variation
		if enabled {
			variation = fd.variation
		}
		result.Variables = c.resolveVariables(flag, variation)
	}

	decisionEventDispatched := false
	if !opts.DisableDecisionEvent && (source == ruleTypeFeatureTest || config.SendFlagDecisions) {
		c.events.Process(newImpressionEvent(
			config, fd.experiment, fd.variation, snap.UserID, snap.Attributes, flagKey, fd.ruleKey, source, enabled))
		decisionEventDispatched = true
	}
	c.notifications.sendDecision(DecisionNotification{
		Type:       DecisionTypeFlag,
		UserID:     snap.UserID,
		Attributes: snap.Attributes,
		Info: map[string]interface{}{
			"flagKey":                 flagKey,
			"enabled":                 enabled,
			"variationKey":            result.VariationKey,
			"ruleKey":                 result.RuleKey,
			"decisionEventDispatched": decisionEventDispatched,
		},
	})
	result.Reasons = reasons.messages
	return result
}
