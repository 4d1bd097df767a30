// Package webhook — webhook.go
//
// Webhook Dispatcher: resolves subscribers for an event, applies the
// Threshold Gate, signs and ships each delivery, and schedules retries
// with a capped, per-subscriber-serialised concurrency model (spec
// component G). Implements engine.Dispatcher structurally so the
// Anomaly Engine never imports this package.
//
// Grounded on internal/escalation's notifier (HMAC-signed outbound
// POST with a canonical payload envelope) and internal/budget's
// token-bucket style concurrency cap, here expressed with
// golang.org/x/sync/semaphore — the same dependency the teacher pack
// uses for a weighted concurrency limiter rather than a hand-rolled
// counting channel.

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sentineld/sentineld/internal/gate"
	"github.com/sentineld/sentineld/internal/model"
	"github.com/sentineld/sentineld/internal/observability"
	"github.com/sentineld/sentineld/internal/storage"
)

// thresholdEventKinds are the event kinds that pass through the
// Threshold Gate before dispatch; everything else always fires.
var thresholdEventKinds = map[string]bool{
	"memory.critical":     true,
	"connection.critical": true,
	"connection.spike":    true,
	"latency.spike":       true,
}

// Defaults mirrors config.WebhookDefaults, decoupled from the config
// package so this package has no import-time dependency on it.
type Defaults struct {
	MaxRetries           int
	InitialDelayMs       int64
	Multiplier           float64
	MaxDelayMs           int64
	TimeoutMs            int64
	MaxResponseBodyBytes int
	HysteresisFactor     float64
	MaxInFlight          int
}

// Dispatcher fans anomaly and threshold events out to registered
// webhook subscribers.
type Dispatcher struct {
	store    storage.Store
	gate     *gate.Gate
	metrics  *observability.Metrics
	log      *zap.Logger
	clock    model.Clock
	defaults Defaults
	client   *http.Client

	sem *semaphore.Weighted

	subMu    sync.Mutex
	subLocks map[string]*sync.Mutex // webhookId -> serializes retries per subscriber
}

// New creates a Dispatcher. clock may be nil (defaults to model.RealClock{}).
func New(store storage.Store, g *gate.Gate, metrics *observability.Metrics, log *zap.Logger, defaults Defaults, clock model.Clock) *Dispatcher {
	if clock == nil {
		clock = model.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	maxInFlight := defaults.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	return &Dispatcher{
		store:    store,
		gate:     g,
		metrics:  metrics,
		log:      log,
		clock:    clock,
		defaults: defaults,
		client:   &http.Client{},
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		subLocks: make(map[string]*sync.Mutex),
	}
}

// Dispatch implements engine.Dispatcher. Resolves subscribers and
// spawns one delivery attempt per surviving subscriber, respecting the
// global in-flight cap and per-subscriber serialisation. Non-blocking:
// callers (the Anomaly Engine's tick path) must not wait on delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, eventKind, connectionID string, payload any) {
	subs, err := d.store.GetWebhooksByEvent(eventKind, connectionID)
	if err != nil {
		d.log.Error("webhook: resolve subscribers failed", zap.String("event", eventKind), zap.Error(err))
		return
	}

	for _, wh := range subs {
		wh := wh
		if thresholdEventKinds[eventKind] {
			value, threshold, ok := thresholdReading(payload)
			if !ok {
				continue
			}
			threshold = subscriberThreshold(wh, eventKind, threshold)
			outcome := d.gate.Activate(wh.ID, eventKind, value, threshold)
			if outcome != gate.OutcomeFire {
				continue
			}
		}

		env := envelope{
			ID:        uuid.NewString(),
			Event:     eventKind,
			Timestamp: model.NowMs(d.clock),
			Data:      payload,
		}
		if host, port, ok := instanceOf(payload); ok {
			env.Instance = &instance{Host: host, Port: port}
		}

		go d.deliverWithLock(ctx, wh, connectionID, env)
	}
}

type instance struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type envelope struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Timestamp int64     `json:"timestamp"`
	Instance  *instance `json:"instance,omitempty"`
	Data      any       `json:"data"`
}

// thresholdReading extracts a (value, threshold) pair from a dedicated
// dispatch payload map, if shaped that way.
func thresholdReading(payload any) (value, threshold float64, ok bool) {
	m, isMap := payload.(map[string]any)
	if !isMap {
		if evt, isEvt := payload.(model.AnomalyEvent); isEvt {
			return evt.Value, evt.Threshold, true
		}
		return 0, 0, false
	}
	v, vok := m["current"].(float64)
	t, tok := m["threshold"].(float64)
	if !vok {
		if cl, clok := m["currentLatency"].(float64); clok {
			v, vok = cl, true
		}
	}
	return v, t, vok && tok
}

// subscriberThreshold returns wh's own named threshold for eventKind
// (spec §3 "Webhook subscription") when the subscriber has configured
// one, so a webhook with a lower threshold can fire earlier than
// another on the same physical event; falls back to fallback (the
// event's own threshold) when the subscriber has no override.
func subscriberThreshold(wh model.Webhook, eventKind string, fallback float64) float64 {
	if t, ok := wh.Thresholds[eventKind]; ok {
		return t
	}
	return fallback
}

// Reconcile re-arms the Threshold Gate for eventKind once the metric
// has recovered, implementing spec §4.H's hysteresis half: a fired
// alert must not re-fire until the value falls back under
// threshold*hysteresisFactor. Invoked by the Anomaly Engine every tick
// (spec §5's periodic "Threshold Gate reconciliation" task), independent
// of whether an anomaly fired this tick.
func (d *Dispatcher) Reconcile(ctx context.Context, eventKind, connectionID string, value, threshold float64) {
	if !thresholdEventKinds[eventKind] {
		return
	}
	subs, err := d.store.GetWebhooksByEvent(eventKind, connectionID)
	if err != nil {
		d.log.Error("webhook: reconcile resolve subscribers failed", zap.String("event", eventKind), zap.Error(err))
		return
	}
	for _, wh := range subs {
		subThreshold := subscriberThreshold(wh, eventKind, threshold)
		d.gate.Clear(wh.ID, eventKind, value, subThreshold, d.defaults.HysteresisFactor)
	}
}

func instanceOf(payload any) (string, int, bool) {
	if evt, ok := payload.(model.AnomalyEvent); ok {
		return evt.SourceHost, evt.SourcePort, true
	}
	return "", 0, false
}

// deliverWithLock serializes retries per subscriber: at most one
// active attempt per webhook at any time. The delivery is recorded under
// connectionID, the connection the event came from.
func (d *Dispatcher) deliverWithLock(ctx context.Context, wh model.Webhook, connectionID string, env envelope) {
	lock := d.subscriberLock(wh.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return // ctx cancelled while waiting for an in-flight slot
	}
	defer d.sem.Release(1)

	if d.metrics != nil {
		d.metrics.WebhookInFlight.Inc()
		defer d.metrics.WebhookInFlight.Dec()
	}

	body, err := json.Marshal(env)
	if err != nil {
		d.log.Error("webhook: marshal envelope failed", zap.Error(err))
		return
	}

	del := model.WebhookDelivery{
		ID:           uuid.NewString(),
		WebhookID:    wh.ID,
		ConnectionID: connectionID,
		EventKind:    env.Event,
		Payload:      body,
		Status:       model.DeliveryPending,
		CreatedAt:    model.NowMs(d.clock),
	}
	if err := d.store.CreateDelivery(del); err != nil {
		d.log.Error("webhook: persist delivery failed", zap.Error(err))
		return
	}

	d.attempt(ctx, wh, del)
}

// attempt performs one HTTP POST for del and persists the outcome. May
// transition the delivery to retrying (leaving it for the background
// scan) or to a terminal status.
func (d *Dispatcher) attempt(ctx context.Context, wh model.Webhook, del model.WebhookDelivery) model.WebhookDelivery {
	del.Attempts++
	start := d.clock.Now()

	timeout := time.Duration(wh.DeliveryConfig.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(d.defaults.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	signature := sign(wh.Secret, del.Payload)
	statusCode, respBody, attemptErr := d.post(reqCtx, wh, del.Payload, signature)

	del.DurationMs = d.clock.Now().Sub(start).Milliseconds()
	del.CompletedAt = model.NowMs(d.clock)
	del.StatusCode = statusCode
	del.ResponseBody = truncate(respBody, maxResponseBodyBytes(wh, d.defaults))

	outcome := classify(statusCode, attemptErr)
	maxRetries := wh.RetryPolicy.MaxRetries
	if maxRetries == 0 {
		maxRetries = d.defaults.MaxRetries
	}

	switch outcome {
	case outcomeSuccess:
		del.Status = model.DeliverySuccess
	case outcomeNoRetry:
		del.Status = model.DeliveryFailed
	case outcomeRetryable:
		if del.Attempts < maxRetries {
			del.Status = model.DeliveryRetrying
			del.NextRetryAt = model.NowMs(d.clock) + d.backoff(wh, del.Attempts)
		} else {
			del.Status = model.DeliveryFailed
		}
	}

	if err := d.store.UpdateDelivery(del); err != nil {
		d.log.Error("webhook: persist delivery outcome failed", zap.Error(err))
	}

	if d.metrics != nil {
		d.metrics.WebhookDeliveriesTotal.WithLabelValues(string(del.Status)).Inc()
		d.metrics.WebhookDeliveryDuration.Observe(float64(del.DurationMs) / 1000.0)
		if del.IsDeadLetter(maxRetries) {
			d.metrics.WebhookDeadLetterQueueDepth.Inc()
		}
	}

	return del
}

// TestResult is returned by TestDeliver.
type TestResult struct {
	Success    bool  `json:"success"`
	StatusCode int   `json:"statusCode"`
	DurationMs int64 `json:"durationMs"`
}

// TestDeliver synchronously performs one delivery attempt against wh
// with a synthetic test payload, persists it like any other delivery,
// and returns its outcome directly to the caller (spec §6's
// `POST /webhooks/:id/test`). Bypasses the Threshold Gate and the
// in-flight/per-subscriber serialisation used for live events — a
// manual test is expected to run immediately, not queue behind them.
func (d *Dispatcher) TestDeliver(ctx context.Context, wh model.Webhook) TestResult {
	env := envelope{
		ID:        uuid.NewString(),
		Event:     "webhook.test",
		Timestamp: model.NowMs(d.clock),
		Data:      map[string]string{"message": "this is a test delivery from sentineld"},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return TestResult{Success: false}
	}

	del := model.WebhookDelivery{
		ID:           uuid.NewString(),
		WebhookID:    wh.ID,
		ConnectionID: wh.ConnectionID,
		EventKind:    env.Event,
		Payload:      body,
		Status:       model.DeliveryPending,
		CreatedAt:    model.NowMs(d.clock),
	}
	if err := d.store.CreateDelivery(del); err != nil {
		d.log.Error("webhook: persist test delivery failed", zap.Error(err))
		return TestResult{Success: false}
	}

	result := d.attempt(ctx, wh, del)
	return TestResult{
		Success:    result.Status == model.DeliverySuccess,
		StatusCode: result.StatusCode,
		DurationMs: result.DurationMs,
	}
}

// post issues the signed HTTP POST. On a network error or timeout,
// statusCode is 0 and err is non-nil.
func (d *Dispatcher) post(ctx context.Context, wh model.Webhook, body []byte, signature string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", model.NowMs(d.clock)))
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("webhook: POST %s: %w", wh.URL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, string(respBody), nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeNoRetry
	outcomeRetryable
)

// classify implements spec §4.G step 9's outcome table.
func classify(statusCode int, err error) outcome {
	if err != nil {
		return outcomeRetryable
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return outcomeSuccess
	case statusCode == 408 || statusCode == 429:
		return outcomeRetryable
	case statusCode >= 400 && statusCode < 500:
		return outcomeNoRetry
	case statusCode >= 500:
		return outcomeRetryable
	default:
		return outcomeNoRetry
	}
}

// backoff computes the next retry delay in ms with up to +-20% jitter.
func (d *Dispatcher) backoff(wh model.Webhook, attempt int) int64 {
	initial := wh.RetryPolicy.InitialDelayMs
	if initial == 0 {
		initial = d.defaults.InitialDelayMs
	}
	mult := wh.RetryPolicy.Multiplier
	if mult == 0 {
		mult = d.defaults.Multiplier
	}
	maxDelay := wh.RetryPolicy.MaxDelayMs
	if maxDelay == 0 {
		maxDelay = d.defaults.MaxDelayMs
	}

	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	jitter := (rand.Float64()*2 - 1) * 0.2 * delay
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return int64(delay)
}

// RetryScan is invoked periodically (default every 10 s) to redrive
// deliveries whose NextRetryAt has elapsed.
func (d *Dispatcher) RetryScan(ctx context.Context) {
	due, err := d.store.GetRetriableDeliveries(model.NowMs(d.clock))
	if err != nil {
		d.log.Error("webhook: retry scan query failed", zap.Error(err))
		return
	}
	for _, del := range due {
		del := del
		wh, err := d.store.GetWebhook(del.WebhookID)
		if err != nil || wh == nil {
			continue
		}
		go func() {
			lock := d.subscriberLock(wh.ID)
			lock.Lock()
			defer lock.Unlock()
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer d.sem.Release(1)
			d.attempt(ctx, *wh, del)
		}()
	}
}

// Run blocks, invoking RetryScan on the given interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RetryScan(ctx)
		}
	}
}

// Requeue moves a dead-lettered delivery back onto the retry path:
// status -> retrying, attempts reset to 0, nextRetryAt = now.
func (d *Dispatcher) Requeue(connectionID, deliveryID string) error {
	del, err := d.store.GetDelivery(connectionID, deliveryID)
	if err != nil {
		return fmt.Errorf("webhook: requeue lookup: %w", err)
	}
	if del == nil {
		return fmt.Errorf("webhook: requeue: delivery %q not found", deliveryID)
	}
	del.Status = model.DeliveryRetrying
	del.Attempts = 0
	del.NextRetryAt = model.NowMs(d.clock)
	return d.store.UpdateDelivery(*del)
}

func (d *Dispatcher) subscriberLock(webhookID string) *sync.Mutex {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	l, ok := d.subLocks[webhookID]
	if !ok {
		l = &sync.Mutex{}
		d.subLocks[webhookID] = l
	}
	return l
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

func maxResponseBodyBytes(wh model.Webhook, d Defaults) int {
	if wh.DeliveryConfig.MaxResponseBodyBytes > 0 {
		return wh.DeliveryConfig.MaxResponseBodyBytes
	}
	return d.MaxResponseBodyBytes
}

