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
	"time"

	"github.com/rs/zerolog"

	"github.com/spothero/optimizely-fullstack-go/api"
)

// batching defaults
const (
	defaultBatchSize     = 10
	defaultFlushInterval = 30 * time.Second
	defaultQueueCapacity = 1000
	defaultCloseTimeout  = 5 * time.Second
)

// EventProcessor accepts user events from decision and tracking calls and
// sees them delivered to the dispatcher.
type EventProcessor interface {
	Process(event UserEvent)
	// Flush asks for any buffered events to be delivered promptly.
	Flush()
	// Close drains buffered events and releases resources. No events are
	// accepted after Close returns.
	Close()
}

// BatchEventProcessor accumulates events on a dedicated background
// goroutine and flushes them in batches. Producers enqueue without
// blocking: when the queue is full the event is dropped and reported
// through the error handler. A batch only ever contains events sharing one
// header context; an event with a different context forces the current
// batch out first.
type BatchEventProcessor struct {
	queue         chan UserEvent
	flushSignal   chan struct{}
	stop          chan struct{}
	done          chan struct{}
	batchSize     int
	flushInterval time.Duration
	closeTimeout  time.Duration
	endpoint      string
	dispatcher    EventDispatcher
	notifications *NotificationCenter
	errorHandler  func(error)
	logger        zerolog.Logger
	closeOnce     sync.Once
}

// batchProcessorConfig collects the knobs the client wires in.
type batchProcessorConfig struct {
	batchSize     int
	flushInterval time.Duration
	queueCapacity int
	closeTimeout  time.Duration
	endpoint      string
	dispatcher    EventDispatcher
	notifications *NotificationCenter
	errorHandler  func(error)
}

func newBatchEventProcessor(cfg batchProcessorConfig, logger zerolog.Logger) *BatchEventProcessor {
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if cfg.flushInterval <= 0 {
		cfg.flushInterval = defaultFlushInterval
	}
	if cfg.queueCapacity <= 0 {
		cfg.queueCapacity = defaultQueueCapacity
	}
	if cfg.closeTimeout <= 0 {
		cfg.closeTimeout = defaultCloseTimeout
	}
	if cfg.endpoint == "" {
		cfg.endpoint = api.EventsEndpoint
	}
	if cfg.dispatcher == nil {
		cfg.dispatcher = &apiEventDispatcher{client: api.NewClient()}
	}
	p := &BatchEventProcessor{
		queue:         make(chan UserEvent, cfg.queueCapacity),
		flushSignal:   make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		batchSize:     cfg.batchSize,
		flushInterval: cfg.flushInterval,
		closeTimeout:  cfg.closeTimeout,
		endpoint:      cfg.endpoint,
		dispatcher:    cfg.dispatcher,
		notifications: cfg.notifications,
		errorHandler:  cfg.errorHandler,
		logger:        logger.With().Str("component", "events").Logger(),
	}
	go p.run()
	return p
}

// Process enqueues an event without blocking. On a full queue the event is
// dropped and the error handler is invoked with ErrQueueFull.
func (p *BatchEventProcessor) Process(event UserEvent) {
	select {
	case p.queue <- event:
	default:
		p.logger.Warn().Str("visitor_id", event.VisitorID).Msg("Event queue full; dropping event")
		if p.errorHandler != nil {
			p.errorHandler(ErrQueueFull)
		}
	}
}

// Flush signals the consumer to deliver the current batch together with the
// events already queued. The signal coalesces with any flush already pending.
func (p *BatchEventProcessor) Flush() {
	select {
	case p.flushSignal <- struct{}{}:
	default:
	}
}

// Close drains the queue, flushes remaining events, and joins the consumer,
// bounded by the close timeout.
func (p *BatchEventProcessor) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		select {
		case <-p.done:
		case <-time.After(p.closeTimeout):
			p.logger.Warn().Msg("Timed out waiting for event processor to drain")
		}
	})
}

// run is the consumer loop. All batch state is confined to this goroutine.
func (p *BatchEventProcessor) run() {
	defer close(p.done)

	batch := make([]UserEvent, 0, p.batchSize)
	timer := time.NewTimer(p.flushInterval)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.dispatch(batch)
		batch = batch[:0]
		stopTimer()
	}
	add := func(event UserEvent) {
		if len(batch) > 0 && event.Context != batch[0].Context {
			flush()
		}
		batch = append(batch, event)
		if len(batch) == 1 {
			stopTimer()
			timer.Reset(p.flushInterval)
		}
		if len(batch) >= p.batchSize {
			flush()
		}
	}

	for {
		select {
		case event := <-p.queue:
			add(event)
		case <-timer.C:
			flush()
		case <-p.flushSignal:
			// events queued before the signal belong to the flushed batch
			for n := len(p.queue); n > 0; n-- {
				add(<-p.queue)
			}
			flush()
		case <-p.stop:
			for {
				select {
				case event := <-p.queue:
					add(event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *BatchEventProcessor) dispatch(batch []UserEvent) {
	logEvent := LogEvent{EndpointURL: p.endpoint, Batch: batchEvents(batch)}
	if p.notifications != nil {
		p.notifications.sendLogEvent(LogEventNotification{Event: logEvent})
	}
	if err := p.dispatcher.DispatchEvent(logEvent); err != nil {
		p.logger.Error().Err(err).Int("events", len(batch)).Msg("Event dispatch failed")
		return
	}
	p.logger.Debug().Int("events", len(batch)).Msg("Dispatched event batch")
}

// ForwardingEventProcessor hands each event to the dispatcher synchronously
// with no batching. Useful in tests and short-lived processes.
type ForwardingEventProcessor struct {
	endpoint      string
	dispatcher    EventDispatcher
	notifications *NotificationCenter
	logger        zerolog.Logger
}

func newForwardingEventProcessor(endpoint string, dispatcher EventDispatcher, notifications *NotificationCenter, logger zerolog.Logger) *ForwardingEventProcessor {
	if endpoint == "" {
		endpoint = api.EventsEndpoint
	}
	if dispatcher == nil {
		dispatcher = &apiEventDispatcher{client: api.NewClient()}
	}
	return &ForwardingEventProcessor{
		endpoint:      endpoint,
		dispatcher:    dispatcher,
		notifications: notifications,
		logger:        logger.With().Str("component", "events").Logger(),
	}
}

// Process delivers the event immediately on the caller's goroutine.
func (p *ForwardingEventProcessor) Process(event UserEvent) {
	logEvent := LogEvent{EndpointURL: p.endpoint, Batch: batchEvents([]UserEvent{event})}
	if p.notifications != nil {
		p.notifications.sendLogEvent(LogEventNotification{Event: logEvent})
	}
	if err := p.dispatcher.DispatchEvent(logEvent); err != nil {
		p.logger.Error().Err(err).Msg("Event dispatch failed")
	}
}

// Flush is a no-op; events are never buffered.
func (p *ForwardingEventProcessor) Flush() {}

// Close is a no-op; there is no background state to release.
func (p *ForwardingEventProcessor) Close() {}
