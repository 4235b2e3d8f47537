package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pasofino/internal/constants"
	"pasofino/internal/logger"
)

type relayMessage struct {
	Node  string `json:"node"`
	Event Event  `json:"event"`
}

// Relay shares room events between instances over Redis Pub/Sub, one
// channel per room under RelayChannelPrefix. Messages from this node are
// ignored on receipt.
type Relay struct {
	client *redis.Client
	nodeID string
	out    chan Event
	log    logger.Logger
	wg     sync.WaitGroup
}

func NewRelay(client *redis.Client, nodeID string, log logger.Logger) *Relay {
	return &Relay{
		client: client,
		nodeID: nodeID,
		out:    make(chan Event, constants.RelaySubscriberQueue),
		log:    logger.OrDefault(log).WithField("component", "relay"),
	}
}

func (r *Relay) NodeID() string { return r.nodeID }

// Publish queues e for other instances and drops it when the queue is full.
func (r *Relay) Publish(e Event) {
	select {
	case r.out <- e:
	default:
		r.log.Warnf("⚠️  Relay queue full, dropped %s for %s", e.Kind, e.Room)
	}
}

// Start runs the relay until ctx is done, resubscribing after failures.
func (r *Relay) Start(ctx context.Context, deliver func(Event)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		delay := constants.ReconnectMinDelay
		for {
			err := r.run(ctx, deliver)
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warnf("⚠️  Relay interrupted, retrying in %s", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, constants.ReconnectMaxDelay)
		}
	}()
}

// Wait blocks until Start's goroutine has exited.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context, deliver func(Event)) error {
	ps := r.client.PSubscribe(ctx, constants.RelayChannelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay channels: %w", err)
	}
	r.log.Infof("📡 Relay subscribed as node %s", r.nodeID)

	ch := ps.Channel(redis.WithChannelSize(constants.RelaySubscriberQueue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-r.out:
			r.send(ctx, e)
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay channel closed")
			}
			r.receive(msg, deliver)
		}
	}
}

func (r *Relay) send(ctx context.Context, e Event) {
	data, err := json.Marshal(relayMessage{Node: r.nodeID, Event: e})
	if err != nil {
		r.log.WithError(err).Errorf("Failed to encode relay message")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, constants.RedisOpTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, constants.RelayChannelPrefix+e.Room, data).Err(); err != nil {
		r.log.WithError(err).Debugf("Relay publish to %s failed", e.Room)
	}
}

func (r *Relay) receive(msg *redis.Message, deliver func(Event)) {
	var rm relayMessage
	if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
		r.log.WithError(err).Debugf("Dropping malformed relay message on %s", msg.Channel)
		return
	}
	if rm.Node == r.nodeID {
		return
	}
	if room := strings.TrimPrefix(msg.Channel, constants.RelayChannelPrefix); room != rm.Event.Room {
		r.log.Debugf("Relay room mismatch: channel %s, event %s", room, rm.Event.Room)
		return
	}
	deliver(rm.Event)
}
