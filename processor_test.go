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
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spothero/optimizely-fullstack-go/api"
)

type capturingDispatcher struct {
	mu       sync.Mutex
	payloads []LogEvent
	err      error
	calls    int
}

func (d *capturingDispatcher) DispatchEvent(event LogEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, event)
	return nil
}

func (d *capturingDispatcher) batches() []LogEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]LogEvent(nil), d.payloads...)
}

func testEvent(accountID, visitorID string) UserEvent {
	return UserEvent{
		Context:   eventContext{AccountID: accountID, ProjectID: "proj", Revision: "1"},
		VisitorID: visitorID,
	}
}

func TestBatchEventProcessor_flushOnBatchSize(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     2,
		flushInterval: time.Hour,
		dispatcher:    dispatcher,
	}, zerolog.Nop())
	defer p.Close()

	p.Process(testEvent("acc", "u1"))
	p.Process(testEvent("acc", "u2"))
	p.Process(testEvent("acc", "u3"))

	assert.Eventually(t, func() bool { return len(dispatcher.batches()) == 1 }, time.Second, 5*time.Millisecond)
	batch := dispatcher.batches()[0]
	assert.Equal(t, api.EventsEndpoint, batch.EndpointURL)
	require.Len(t, batch.Batch.Visitors, 2)
	assert.Equal(t, "u1", batch.Batch.Visitors[0].ID)
	assert.Equal(t, "u2", batch.Batch.Visitors[1].ID)
}

func TestBatchEventProcessor_flushOnInterval(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     100,
		flushInterval: 20 * time.Millisecond,
		dispatcher:    dispatcher,
	}, zerolog.Nop())
	defer p.Close()

	p.Process(testEvent("acc", "u1"))
	assert.Eventually(t, func() bool { return len(dispatcher.batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatchEventProcessor_flushSignal(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     100,
		flushInterval: time.Hour,
		dispatcher:    dispatcher,
	}, zerolog.Nop())
	defer p.Close()

	p.Process(testEvent("acc", "u1"))
	p.Flush()
	assert.Eventually(t, func() bool { return len(dispatcher.batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatchEventProcessor_headerMismatchForcesFlush(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     100,
		flushInterval: time.Hour,
		dispatcher:    dispatcher,
	}, zerolog.Nop())

	p.Process(testEvent("acc-1", "u1"))
	p.Process(testEvent("acc-1", "u2"))
	// a different header context may not share the batch
	p.Process(testEvent("acc-2", "u3"))
	p.Close()

	batches := dispatcher.batches()
	require.Len(t, batches, 2)
	assert.Equal(t, "acc-1", batches[0].Batch.AccountID)
	require.Len(t, batches[0].Batch.Visitors, 2)
	assert.Equal(t, "acc-2", batches[1].Batch.AccountID)
	require.Len(t, batches[1].Batch.Visitors, 1)
}

func TestBatchEventProcessor_closeDrainsQueue(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     100,
		flushInterval: time.Hour,
		dispatcher:    dispatcher,
	}, zerolog.Nop())

	for i := 0; i < 25; i++ {
		p.Process(testEvent("acc", fmt.Sprintf("u%d", i)))
	}
	p.Close()

	total := 0
	for _, batch := range dispatcher.batches() {
		total += len(batch.Batch.Visitors)
	}
	assert.Equal(t, 25, total)

	// close is idempotent
	p.Close()
}

func TestBatchEventProcessor_queueFullDropsEvent(t *testing.T) {
	var mu sync.Mutex
	var handled []error
	dispatcher := &capturingDispatcher{}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     100,
		flushInterval: time.Hour,
		queueCapacity: 1,
		dispatcher:    dispatcher,
		errorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, err)
		},
	}, zerolog.Nop())
	defer p.Close()

	// saturate the queue faster than the consumer can drain; at least one
	// enqueue must either land or drop, and drops are reported
	for i := 0; i < 200; i++ {
		p.Process(testEvent("acc", fmt.Sprintf("u%d", i)))
	}
	p.Flush()

	mu.Lock()
	defer mu.Unlock()
	for _, err := range handled {
		assert.ErrorIs(t, err, ErrQueueFull)
	}
}

func TestBatchEventProcessor_dispatchFailureDoesNotRetry(t *testing.T) {
	dispatcher := &capturingDispatcher{err: fmt.Errorf("collector down")}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     1,
		flushInterval: time.Hour,
		dispatcher:    dispatcher,
	}, zerolog.Nop())

	p.Process(testEvent("acc", "u1"))
	p.Close()
	assert.Empty(t, dispatcher.batches())
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	assert.Equal(t, 1, dispatcher.calls)
}

func TestBatchEventProcessor_logEventNotification(t *testing.T) {
	notifications := NewNotificationCenter()
	var mu sync.Mutex
	var seen []LogEvent
	notifications.OnLogEvent(func(n LogEventNotification) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n.Event)
	})

	dispatcher := &capturingDispatcher{}
	p := newBatchEventProcessor(batchProcessorConfig{
		batchSize:     1,
		flushInterval: time.Hour,
		dispatcher:    dispatcher,
		notifications: notifications,
	}, zerolog.Nop())
	p.Process(testEvent("acc", "u1"))
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "acc", seen[0].Batch.AccountID)
}

func TestForwardingEventProcessor(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	p := newForwardingEventProcessor("", dispatcher, nil, zerolog.Nop())
	p.Process(testEvent("acc", "u1"))
	p.Flush()
	p.Close()

	require.Len(t, dispatcher.batches(), 1)
	assert.Equal(t, api.EventsEndpoint, dispatcher.batches()[0].EndpointURL)
}
