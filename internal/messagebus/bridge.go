package messagebus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/lomu/internal/metrics"
	"github.com/jordanhubbard/lomu/pkg/messages"
)

const defaultBridgeBuffer = 1024

type outbound struct {
	userID string
	msg    *messages.StreamMessage
}

// Bridge mirrors locally sent stream events to NATS and delivers events
// published by other instances to local subscribers. It satisfies the
// hub's Mirror interface: Publish never blocks, and events are dropped
// when the outbound buffer is full.
type Bridge struct {
	pub    EventPublisher
	sub    EventSubscriber
	local  Deliverer
	origin string

	queue   chan outbound
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBridge creates a bridge. local may be nil to publish only.
func NewBridge(pub EventPublisher, sub EventSubscriber, local Deliverer, buffer int) *Bridge {
	if buffer <= 0 {
		buffer = defaultBridgeBuffer
	}
	return &Bridge{
		pub:     pub,
		sub:     sub,
		local:   local,
		origin:  uuid.New().String(),
		queue:   make(chan outbound, buffer),
		metrics: metrics.NewMetrics(),
		done:    make(chan struct{}),
	}
}

// Origin identifies this instance on the bus.
func (b *Bridge) Origin() string {
	return b.origin
}

// Start begins bridging events in both directions.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if b.sub != nil && b.local != nil {
		if err := b.sub.SubscribeEvents(b.handleRemote); err != nil {
			b.cancel()
			close(b.done)
			return err
		}
	}

	go b.publishLoop(ctx)
	log.Printf("[Bridge] Started (origin=%s)", b.origin)
	return nil
}

// Publish queues msg for NATS.
func (b *Bridge) Publish(userID string, msg *messages.StreamMessage) {
	select {
	case b.queue <- outbound{userID: userID, msg: msg}:
	default:
		b.metrics.MirrorDropped.Inc()
		log.Printf("[Bridge] Outbound buffer full, dropping %s for %s", msg.Type, userID)
	}
}

func (b *Bridge) publishLoop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-b.queue:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := b.pub.PublishEvent(pctx, b.origin, item.userID, item.msg); err != nil {
				b.metrics.MirrorErrors.Inc()
				log.Printf("[Bridge] Failed to mirror %s for %s: %v", item.msg.Type, item.userID, err)
			}
			cancel()
		}
	}
}

func (b *Bridge) handleRemote(origin string, msg *messages.StreamMessage) {
	if origin == b.origin {
		return
	}
	b.local.Deliver(msg.UserID, msg)
}

// Stop ends the publish loop. Queued events are discarded.
func (b *Bridge) Stop() {
	b.mu.Lock()
	started := b.started
	cancel := b.cancel
	b.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-b.done
	log.Printf("[Bridge] Stopped")
}
