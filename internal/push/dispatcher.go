package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"pasofino/internal/config"
	"pasofino/internal/constants"
	"pasofino/internal/logger"
	"pasofino/internal/platform"
)

var ErrPushDisabled = errors.New("push: VAPID keys not configured")

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty"`
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
	Tag   string `json:"tag"`
}

type Result struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Cleaned int `json:"cleaned"`
}

// Sender delivers one encrypted message and reports the push service status.
type Sender interface {
	Send(ctx context.Context, sub Subscription, message []byte) (status int, err error)
}

type WebPushSender struct {
	creds  config.PushConfig
	client *http.Client
}

// NewSender turns VAPID credentials into a Sender handle.
func NewSender(creds platform.Handle[config.PushConfig]) platform.Handle[Sender] {
	return platform.Match(creds,
		func(c config.PushConfig) platform.Handle[Sender] {
			return platform.Configured[Sender](&WebPushSender{creds: c, client: &http.Client{}})
		},
		platform.Unconfigured[Sender],
	)
}

func (s *WebPushSender) Send(ctx context.Context, sub Subscription, message []byte) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.creds.Subject,
		VAPIDPublicKey:  s.creds.PublicKey,
		VAPIDPrivateKey: s.creds.PrivateKey,
		TTL:             s.creds.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Dispatcher broadcasts one notification to every registered subscription.
// Deliveries are independent and best-effort: there is no retry, and a
// transient failure keeps the subscription for the next broadcast.
type Dispatcher struct {
	registry *Registry
	sender   platform.Handle[Sender]
	workers  int
	timeout  time.Duration
	log      logger.Logger
}

type DispatcherOptions struct {
	Workers int
	Timeout time.Duration
}

func NewDispatcher(registry *Registry, sender platform.Handle[Sender], opts DispatcherOptions, log logger.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = constants.PushMaxConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.PushDeliveryTimeout
	}
	return &Dispatcher{
		registry: registry,
		sender:   sender,
		workers:  opts.Workers,
		timeout:  opts.Timeout,
		log:      logger.OrDefault(log).WithField("component", "push"),
	}
}

func (d *Dispatcher) Enabled() bool {
	return d.sender.IsConfigured()
}

func (d *Dispatcher) Send(ctx context.Context, n Notification) (Result, error) {
	sender, ok := d.sender.Get()
	if !ok {
		return Result{}, ErrPushDisabled
	}

	records := d.registry.List(ctx)
	if len(records) == 0 {
		return Result{}, nil
	}

	message, err := json.Marshal(buildPayload(n))
	if err != nil {
		return Result{}, fmt.Errorf("encode push payload: %w", err)
	}

	var (
		mu   sync.Mutex
		sent int
		dead []string
	)

	g := new(errgroup.Group)
	g.SetLimit(d.workers)

	for _, rec := range records {
		g.Go(func() error {
			status, err := d.deliver(ctx, sender, rec.Data, message)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				d.log.WithError(err).Warnf("⚠️  Push delivery failed for %s", shortKey(rec.Key))
			case status == http.StatusNotFound || status == http.StatusGone:
				dead = append(dead, rec.Key)
			case status >= 200 && status < 300:
				sent++
			default:
				d.log.Warnf("⚠️  Push service answered %d for %s", status, shortKey(rec.Key))
			}
			return nil
		})
	}
	_ = g.Wait()

	cleaned := d.prune(ctx, dead)

	res := Result{Total: len(records), Sent: sent, Cleaned: cleaned}
	d.log.Infof("📣 Push broadcast: %d/%d sent, %d cleaned", res.Sent, res.Total, res.Cleaned)
	return res, nil
}

// prune removes expired subscriptions even when the broadcast deadline has
// already passed.
func (d *Dispatcher) prune(ctx context.Context, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.PushCleanupTimeout)
	defer cancel()

	cleaned := 0
	for _, key := range keys {
		if d.registry.Remove(ctx, key) {
			cleaned++
		}
	}
	return cleaned
}

func (d *Dispatcher) deliver(ctx context.Context, sender Sender, sub Subscription, message []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return sender.Send(ctx, sub, message)
}

func buildPayload(n Notification) payload {
	p := payload{
		Title: n.Title,
		Body:  n.Body,
		Icon:  n.Icon,
		URL:   n.URL,
		Tag:   constants.PushTag,
	}
	if p.Icon == "" {
		p.Icon = constants.PushDefaultIcon
	}
	if p.URL == "" {
		p.URL = constants.PushDefaultURL
	}
	return p
}

// shortKey keeps the tail of the key: keys of the same push service share
// their leading characters.
func shortKey(key string) string {
	if len(key) > 12 {
		return "…" + key[len(key)-12:]
	}
	return key
}
