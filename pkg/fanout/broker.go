package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

const (
	// publishBuffer absorbs bursts between the worker streams and the
	// distributor.
	publishBuffer = 256

	// subscriptionBuffer bounds each subscriber. The last slot is reserved
	// for the final update, so a subscription holds at most
	// subscriptionBuffer-1 regular items.
	subscriptionBuffer = 1024
)

// SubscriptionType selects which update kinds a subscriber receives. The
// final update is delivered regardless of type.
type SubscriptionType string

const (
	EventsOnly SubscriptionType = "EVENTS_ONLY"
	LogsOnly   SubscriptionType = "LOGS_ONLY"
	All        SubscriptionType = "ALL"
)

// Delivery names the transport draining a subscription. SSE and WS
// subscriptions are drained by their HTTP handlers; WEBHOOK subscriptions
// are drained by a broker-owned pump.
type Delivery string

const (
	DeliverySSE     Delivery = "SSE"
	DeliveryWS      Delivery = "WS"
	DeliveryWebhook Delivery = "WEBHOOK"
)

// Subscription is one consumer's view of one execution's update stream:
// lazy, in publish order, non-restartable. The channel closes after the
// final update, after an overflow, or on Unsubscribe.
type Subscription struct {
	SubscriberID string
	ExecutionID  string
	Type         SubscriptionType
	Delivery     Delivery
	WebhookURL   string

	ch      chan types.ExecutionUpdate
	dropped atomic.Uint64
}

// Updates is the subscription stream. Consumers must not close it.
func (s *Subscription) Updates() <-chan types.ExecutionUpdate {
	return s.ch
}

// Dropped reports how many updates were lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// wants reports whether the subscription's type admits this update.
func (s *Subscription) wants(u types.ExecutionUpdate) bool {
	if u.Final {
		return true
	}
	switch s.Type {
	case EventsOnly:
		return u.Kind == types.UpdateKindEvent
	case LogsOnly:
		return u.Kind == types.UpdateKindLog
	default:
		return true
	}
}

// Broker fans execution updates out to subscribers. A single distributor
// goroutine consumes the publish channel, stamps per-execution sequence
// numbers, and delivers to each subscription without ever blocking: the
// reserved final slot makes every send non-blocking by construction.
type Broker struct {
	logger    zerolog.Logger
	webhook   *WebhookSender
	subBuffer int

	publishCh chan types.ExecutionUpdate

	mu      sync.Mutex
	subs    map[string]map[string]*Subscription // executionID -> subscriberID
	seq     map[string]uint64
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewBroker starts the distributor with the default subscription buffer.
// The webhook sender may be nil when no webhook subscriptions will be
// created.
func NewBroker(webhook *WebhookSender) *Broker {
	return NewBrokerSized(webhook, subscriptionBuffer)
}

// NewBrokerSized starts the distributor with an explicit per-subscription
// buffer. Sizes below 2 fall back to the default; the final-slot reserve
// needs at least one regular slot to be useful.
func NewBrokerSized(webhook *WebhookSender, subBuffer int) *Broker {
	if subBuffer < 2 {
		subBuffer = subscriptionBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:    log.WithComponent("fanout"),
		webhook:   webhook,
		subBuffer: subBuffer,
		publishCh: make(chan types.ExecutionUpdate, publishBuffer),
		subs:      make(map[string]map[string]*Subscription),
		seq:       make(map[string]uint64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go b.distribute()
	return b
}

// Subscribe registers a consumer for one execution's updates. Webhook
// subscriptions additionally require a URL and are drained by the broker
// itself.
func (b *Broker) Subscribe(subscriberID, executionID string, typ SubscriptionType, delivery Delivery, webhookURL string) (*Subscription, error) {
	if subscriberID == "" || executionID == "" {
		return nil, errors.Validationf("subscriberId and executionId are required")
	}
	switch typ {
	case EventsOnly, LogsOnly, All:
	default:
		return nil, errors.Validationf("unknown subscription type %q", typ)
	}
	switch delivery {
	case DeliverySSE, DeliveryWS, DeliveryWebhook:
	default:
		return nil, errors.Validationf("unknown delivery mode %q", delivery)
	}
	if delivery == DeliveryWebhook {
		if webhookURL == "" {
			return nil, errors.Validationf("webhook delivery requires a webhookUrl")
		}
		if b.webhook == nil {
			return nil, errors.BusinessRulef("webhook delivery is not configured")
		}
	}

	sub := &Subscription{
		SubscriberID: subscriberID,
		ExecutionID:  executionID,
		Type:         typ,
		Delivery:     delivery,
		WebhookURL:   webhookURL,
		ch:           make(chan types.ExecutionUpdate, b.subBuffer),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, errors.BusinessRulef("fanout broker is stopped")
	}
	byID, ok := b.subs[executionID]
	if !ok {
		byID = make(map[string]*Subscription)
		b.subs[executionID] = byID
	}
	if _, dup := byID[subscriberID]; dup {
		b.mu.Unlock()
		return nil, errors.Conflictf("subscriber %s already watches execution %s", subscriberID, executionID)
	}
	byID[subscriberID] = sub
	b.mu.Unlock()

	metrics.FanoutSubscriptions.Inc()
	b.logger.Debug().
		Str("execution_id", executionID).
		Str("subscriber_id", subscriberID).
		Str("type", string(typ)).
		Str("delivery", string(delivery)).
		Msg("Subscription opened")

	if delivery == DeliveryWebhook {
		go b.pumpWebhook(sub)
	}
	return sub, nil
}

// Unsubscribe removes a consumer and closes its channel without a final
// update. Unknown pairs are a no-op.
func (b *Broker) Unsubscribe(executionID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.subs[executionID]
	if !ok {
		return
	}
	sub, ok := byID[subscriberID]
	if !ok {
		return
	}
	delete(byID, subscriberID)
	if len(byID) == 0 {
		delete(b.subs, executionID)
	}
	close(sub.ch)
	metrics.FanoutSubscriptions.Dec()
}

// Publish hands an update to the distributor. Blocks only while the publish
// buffer is full; drops silently once the broker is stopped.
func (b *Broker) Publish(update types.ExecutionUpdate) {
	select {
	case b.publishCh <- update:
	case <-b.done:
	}
}

// Close stops the distributor and closes every open subscription.
func (b *Broker) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.cancel()

		b.mu.Lock()
		b.stopped = true
		for execID, byID := range b.subs {
			for _, sub := range byID {
				close(sub.ch)
				metrics.FanoutSubscriptions.Dec()
			}
			delete(b.subs, execID)
		}
		b.mu.Unlock()
	})
}

func (b *Broker) distribute() {
	for {
		select {
		case <-b.done:
			return
		case u := <-b.publishCh:
			b.deliver(u)
		}
	}
}

// deliver stamps the sequence number and fans one update out. Runs under
// the broker lock; every channel send is non-blocking because regular items
// never take the reserved final slot.
func (b *Broker) deliver(u types.ExecutionUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.seq[u.ExecutionID]++
	u.Seq = b.seq[u.ExecutionID]
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	byID := b.subs[u.ExecutionID]
	for id, sub := range byID {
		if !sub.wants(u) {
			continue
		}

		if !u.Final && len(sub.ch) >= cap(sub.ch)-1 {
			b.overflowLocked(u, sub)
			delete(byID, id)
			continue
		}

		select {
		case sub.ch <- u:
		default:
			// Unreachable while the reserved-slot invariant holds.
			b.overflowLocked(u, sub)
			delete(byID, id)
			continue
		}

		if u.Final {
			close(sub.ch)
			metrics.FanoutSubscriptions.Dec()
			delete(byID, id)
		}
	}

	if u.Final || (byID != nil && len(byID) == 0) {
		delete(b.subs, u.ExecutionID)
	}
	if u.Final {
		delete(b.seq, u.ExecutionID)
	}
}

// overflowLocked closes a slow subscription: the reserved slot takes a
// synthetic final update recording the drop count.
func (b *Broker) overflowLocked(u types.ExecutionUpdate, sub *Subscription) {
	sub.dropped.Add(1)
	metrics.FanoutUpdatesDropped.Inc()

	final := types.ExecutionUpdate{
		ExecutionID: u.ExecutionID,
		JobID:       u.JobID,
		Seq:         u.Seq,
		Kind:        types.UpdateKindEvent,
		Timestamp:   time.Now().UTC(),
		Message:     errors.CodeSubscriberOverflow,
		Final:       true,
		Dropped:     sub.dropped.Load(),
	}
	sub.ch <- final
	close(sub.ch)
	metrics.FanoutSubscriptions.Dec()

	b.logger.Warn().
		Str("execution_id", sub.ExecutionID).
		Str("subscriber_id", sub.SubscriberID).
		Uint64("dropped", sub.Dropped()).
		Msg("Subscriber overflowed, closing subscription")
}

// pumpWebhook drains a webhook subscription until its channel closes.
func (b *Broker) pumpWebhook(sub *Subscription) {
	for u := range sub.ch {
		if err := b.webhook.Deliver(b.ctx, sub.WebhookURL, u); err != nil {
			b.logger.Warn().Err(err).
				Str("execution_id", sub.ExecutionID).
				Str("subscriber_id", sub.SubscriberID).
				Str("url", sub.WebhookURL).
				Msg("Webhook delivery failed")
		}
		if b.ctx.Err() != nil {
			return
		}
	}
}
