package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/types"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker(nil)
	t.Cleanup(b.Close)
	return b
}

func eventUpdate(execID, msg string) types.ExecutionUpdate {
	return types.ExecutionUpdate{
		ExecutionID: execID,
		Kind:        types.UpdateKindEvent,
		EventType:   types.EventStatusUpdate,
		Message:     msg,
	}
}

func logUpdate(execID string, content []byte) types.ExecutionUpdate {
	return types.ExecutionUpdate{
		ExecutionID: execID,
		Kind:        types.UpdateKindLog,
		Stream:      types.LogStreamStdout,
		Content:     content,
	}
}

func finalUpdate(execID string) types.ExecutionUpdate {
	return types.ExecutionUpdate{
		ExecutionID: execID,
		Kind:        types.UpdateKindEvent,
		EventType:   types.EventExecutionCompleted,
		State:       types.ExecutionStateCompleted,
		Final:       true,
	}
}

func receiveUpdate(t *testing.T, sub *Subscription) types.ExecutionUpdate {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed early")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return types.ExecutionUpdate{}
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.False(t, ok, "expected closed channel, got update %+v", u)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// TestSubscribePublishReceive tests that updates arrive in publish order
// with consecutive sequence numbers.
func TestSubscribePublishReceive(t *testing.T) {
	b := newTestBroker(t)

	sub, err := b.Subscribe("cli-1", "exec-1", All, DeliverySSE, "")
	require.NoError(t, err)

	b.Publish(eventUpdate("exec-1", "started"))
	b.Publish(logUpdate("exec-1", []byte("line one\n")))

	first := receiveUpdate(t, sub)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, types.UpdateKindEvent, first.Kind)
	assert.Equal(t, "started", first.Message)
	assert.False(t, first.Timestamp.IsZero())

	second := receiveUpdate(t, sub)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, types.UpdateKindLog, second.Kind)
	assert.Equal(t, []byte("line one\n"), second.Content)
}

// TestSubscriptionTypeFiltering tests EVENTS_ONLY and LOGS_ONLY filtering,
// and that the final update reaches both regardless.
func TestSubscriptionTypeFiltering(t *testing.T) {
	b := newTestBroker(t)

	events, err := b.Subscribe("events", "exec-1", EventsOnly, DeliverySSE, "")
	require.NoError(t, err)
	logs, err := b.Subscribe("logs", "exec-1", LogsOnly, DeliverySSE, "")
	require.NoError(t, err)

	b.Publish(eventUpdate("exec-1", "started"))
	b.Publish(logUpdate("exec-1", []byte("hello")))
	b.Publish(finalUpdate("exec-1"))

	got := receiveUpdate(t, events)
	assert.Equal(t, types.UpdateKindEvent, got.Kind)
	got = receiveUpdate(t, events)
	assert.True(t, got.Final, "events subscriber skips the log and gets the final")

	got = receiveUpdate(t, logs)
	assert.Equal(t, types.UpdateKindLog, got.Kind)
	got = receiveUpdate(t, logs)
	assert.True(t, got.Final, "logs subscriber still receives the final")

	expectClosed(t, events)
	expectClosed(t, logs)
}

// TestFinalClosesSubscriptions tests that the final update terminates the
// stream and frees the execution's fanout state.
func TestFinalClosesSubscriptions(t *testing.T) {
	b := newTestBroker(t)

	sub, err := b.Subscribe("cli-1", "exec-1", All, DeliverySSE, "")
	require.NoError(t, err)

	b.Publish(finalUpdate("exec-1"))

	got := receiveUpdate(t, sub)
	assert.True(t, got.Final)
	assert.Equal(t, uint64(1), got.Seq)
	expectClosed(t, sub)

	// A fresh subscription to the finished execution receives nothing.
	again, err := b.Subscribe("cli-2", "exec-1", All, DeliverySSE, "")
	require.NoError(t, err)
	select {
	case u := <-again.Updates():
		t.Fatalf("unexpected update after final: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestPerExecutionIsolation tests that sequences and deliveries never cross
// execution boundaries.
func TestPerExecutionIsolation(t *testing.T) {
	b := newTestBroker(t)

	subA, err := b.Subscribe("watcher", "exec-a", All, DeliverySSE, "")
	require.NoError(t, err)
	subB, err := b.Subscribe("watcher", "exec-b", All, DeliverySSE, "")
	require.NoError(t, err)

	b.Publish(eventUpdate("exec-a", "a1"))
	b.Publish(eventUpdate("exec-b", "b1"))
	b.Publish(eventUpdate("exec-a", "a2"))

	gotA := receiveUpdate(t, subA)
	assert.Equal(t, "a1", gotA.Message)
	assert.Equal(t, uint64(1), gotA.Seq)
	gotA = receiveUpdate(t, subA)
	assert.Equal(t, "a2", gotA.Message)
	assert.Equal(t, uint64(2), gotA.Seq)

	gotB := receiveUpdate(t, subB)
	assert.Equal(t, "b1", gotB.Message)
	assert.Equal(t, uint64(1), gotB.Seq, "sequences are per execution")
}

// TestDuplicateSubscriberRejected tests the uniqueness of the
// (executionId, subscriberId) pair.
func TestDuplicateSubscriberRejected(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Subscribe("cli-1", "exec-1", All, DeliverySSE, "")
	require.NoError(t, err)

	_, err = b.Subscribe("cli-1", "exec-1", LogsOnly, DeliverySSE, "")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

// TestSubscribeValidation tests the rejected input combinations.
func TestSubscribeValidation(t *testing.T) {
	b := newTestBroker(t)

	tests := []struct {
		name         string
		subscriberID string
		typ          SubscriptionType
		delivery     Delivery
		url          string
	}{
		{"missing subscriber", "", All, DeliverySSE, ""},
		{"unknown type", "s1", SubscriptionType("SOMETIMES"), DeliverySSE, ""},
		{"unknown delivery", "s1", All, Delivery("PIGEON"), ""},
		{"webhook without url", "s1", All, DeliveryWebhook, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Subscribe(tt.subscriberID, "exec-1", tt.typ, tt.delivery, tt.url)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidation))
		})
	}
}

// TestSlowSubscriberOverflow tests that a consumer that never drains is
// closed with a synthetic final update recording the drop.
func TestSlowSubscriberOverflow(t *testing.T) {
	b := newTestBroker(t)

	sub, err := b.Subscribe("slow", "exec-1", All, DeliverySSE, "")
	require.NoError(t, err)

	// Fill past the buffer without consuming. Capacity for regular items
	// is subscriptionBuffer-1; the next update trips the overflow.
	for i := 0; i < subscriptionBuffer+5; i++ {
		b.Publish(logUpdate("exec-1", []byte(fmt.Sprintf("line %d", i))))
	}
	require.Eventually(t, func() bool { return sub.Dropped() > 0 },
		2*time.Second, 5*time.Millisecond, "overflow never tripped")

	var got []types.ExecutionUpdate
	for u := range sub.Updates() {
		got = append(got, u)
	}

	require.Len(t, got, subscriptionBuffer, "buffer capacity plus the reserved final slot")
	last := got[len(got)-1]
	assert.True(t, last.Final)
	assert.Equal(t, errors.CodeSubscriberOverflow, last.Message)
	assert.Equal(t, uint64(1), last.Dropped)
	assert.Equal(t, uint64(1), sub.Dropped())

	for i, u := range got[:len(got)-1] {
		assert.Equal(t, uint64(i+1), u.Seq, "regular items keep publish order")
		assert.False(t, u.Final)
	}
}

// TestUnsubscribeStopsDelivery tests that Unsubscribe closes the channel
// without a final update and later publishes are dropped quietly.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker(t)

	sub, err := b.Subscribe("cli-1", "exec-1", All, DeliverySSE, "")
	require.NoError(t, err)

	b.Unsubscribe("exec-1", "cli-1")
	expectClosed(t, sub)

	b.Publish(eventUpdate("exec-1", "after unsubscribe"))
	b.Unsubscribe("exec-1", "cli-1")
}

// TestBrokerCloseClosesSubscriptions tests shutdown behavior.
func TestBrokerCloseClosesSubscriptions(t *testing.T) {
	b := NewBroker(nil)

	sub, err := b.Subscribe("cli-1", "exec-1", All, DeliverySSE, "")
	require.NoError(t, err)

	b.Close()
	expectClosed(t, sub)

	_, err = b.Subscribe("cli-2", "exec-1", All, DeliverySSE, "")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBusinessRule))

	b.Publish(eventUpdate("exec-1", "ignored"))
	b.Close()
}

// newTestSender builds a sender with short retry delays for tests.
func newTestSender(trip uint32) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "webhook-test",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
		}),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		attempts:   3,
		retryDelay: 5 * time.Millisecond,
	}
}

// TestWebhookDelivery tests the happy path: one POST with the update JSON.
func TestWebhookDelivery(t *testing.T) {
	var calls atomic.Int64
	var lastBody types.ExecutionUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := newTestSender(100)
	err := sender.Deliver(context.Background(), srv.URL, eventUpdate("exec-1", "started"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, "exec-1", lastBody.ExecutionID)
}

// TestWebhookRetriesTransientFailures tests that a flaky endpoint is retried
// until it succeeds.
func TestWebhookRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := newTestSender(100)
	err := sender.Deliver(context.Background(), srv.URL, eventUpdate("exec-1", "started"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

// TestWebhookBreakerOpens tests that consecutive failures trip the breaker
// and suppress further posts.
func TestWebhookBreakerOpens(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := newTestSender(3)
	err := sender.Deliver(context.Background(), srv.URL, eventUpdate("exec-1", "started"))
	require.Error(t, err, "breaker trips during the retry loop")
	assert.Equal(t, int64(3), calls.Load())

	err = sender.Deliver(context.Background(), srv.URL, eventUpdate("exec-1", "again"))
	require.Error(t, err)
	assert.Equal(t, int64(3), calls.Load(), "open breaker suppresses the post entirely")
}

// TestWebhookSubscriptionPumpsUpdates tests end-to-end webhook fanout
// through the broker.
func TestWebhookSubscriptionPumpsUpdates(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBroker(newTestSender(100))
	t.Cleanup(b.Close)

	_, err := b.Subscribe("hook-1", "exec-1", All, DeliveryWebhook, srv.URL)
	require.NoError(t, err)

	b.Publish(eventUpdate("exec-1", "started"))
	b.Publish(logUpdate("exec-1", []byte("out")))
	b.Publish(finalUpdate("exec-1"))

	require.Eventually(t, func() bool { return calls.Load() == 3 },
		2*time.Second, 10*time.Millisecond)
}

// TestWebhookRequiresSender tests that webhook subscriptions are refused
// when no sender is configured.
func TestWebhookRequiresSender(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Subscribe("hook-1", "exec-1", All, DeliveryWebhook, "http://127.0.0.1:1/hook")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBusinessRule))
}
