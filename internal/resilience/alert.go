package resilience

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memoria/memcore/internal/obslog"
	"github.com/memoria/memcore/internal/promexport"
)

// suppressionWindow is §4.13's 5-minute fingerprint dedup window.
const suppressionWindow = 5 * time.Minute

// webhookRetryDelay is §4.13's single retry after 10s on delivery failure.
const webhookRetryDelay = 10 * time.Second

// Comparison selects how an alert's value is compared against its
// threshold, supporting inverted rules like low_hit_rate (§4.13).
type Comparison int

const (
	Above Comparison = iota
	Below
)

// Rule defines one alert condition evaluated against a metric sample.
type Rule struct {
	Name       string
	Comparison Comparison
	Threshold  float64
}

// Evaluate reports whether value trips the rule.
func (r Rule) Evaluate(value float64) bool {
	if r.Comparison == Below {
		return value < r.Threshold
	}
	return value > r.Threshold
}

// Alert is one firing instance of a rule.
type Alert struct {
	ID        string // assigned by Manager.Fire, uuid.New().String()
	RuleName  string
	Subject   string // e.g. shard ID or system ID the alert concerns
	Value     float64
	Threshold float64
	FiredAt   time.Time
}

// fingerprint identifies an alert for dedup purposes: the same rule
// firing again for the same subject within the suppression window is
// collapsed into one delivery (§4.13).
func (a Alert) fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", a.RuleName, a.Subject)))
	return hex.EncodeToString(sum[:])
}

// Webhook delivers alert payloads to a single HTTP endpoint, grounded on
// the corpus's chat-completion clients' POST-JSON-and-check-status
// pattern, generalized to a fire-and-forget notification with one retry.
type Webhook struct {
	URL        string
	HTTPClient *http.Client
}

func (w *Webhook) deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", w.URL, resp.StatusCode)
	}
	return nil
}

type suppressed struct {
	firedAt time.Time
}

// Manager evaluates rules, deduplicates repeated firings by fingerprint,
// and delivers surviving alerts asynchronously.
type Manager struct {
	log     obslog.Logger
	webhook *Webhook
	mu      sync.Mutex
	recent  map[string]suppressed
}

// NewManager returns an alert manager delivering to the given webhook.
// webhook may be nil, in which case alerts are logged but not delivered.
func NewManager(webhook *Webhook, log obslog.Logger) *Manager {
	return &Manager{
		webhook: webhook,
		log:     log,
		recent:  make(map[string]suppressed),
	}
}

// Fire evaluates rule against value for subject; if it trips and isn't
// currently suppressed, it is delivered (asynchronously, with one retry)
// and the fingerprint is marked seen for the suppression window.
func (m *Manager) Fire(ctx context.Context, rule Rule, subject string, value float64) {
	if !rule.Evaluate(value) {
		return
	}
	alert := Alert{
		ID:        uuid.New().String(),
		RuleName:  rule.Name,
		Subject:   subject,
		Value:     value,
		Threshold: rule.Threshold,
		FiredAt:   time.Now(),
	}
	fp := alert.fingerprint()

	m.mu.Lock()
	if prior, ok := m.recent[fp]; ok && time.Since(prior.firedAt) < suppressionWindow {
		m.mu.Unlock()
		return
	}
	m.recent[fp] = suppressed{firedAt: alert.FiredAt}
	m.mu.Unlock()

	promexport.AlertsFiredTotal.WithLabelValues(rule.Name).Inc()
	m.log.Component("resilience").Warn().
		Str("rule", rule.Name).
		Str("subject", subject).
		Float64("value", value).
		Float64("threshold", rule.Threshold).
		Msg("alert fired")

	if m.webhook == nil {
		return
	}
	go m.deliverWithRetry(alert)
}

func (m *Manager) deliverWithRetry(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.webhook.deliver(ctx, a); err == nil {
		return
	}

	time.Sleep(webhookRetryDelay)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := m.webhook.deliver(ctx2, a); err != nil {
		m.log.Component("resilience").Error().
			Str("rule", a.RuleName).
			Str("subject", a.Subject).
			Err(err).
			Msg("alert webhook delivery failed after retry, dropping")
	}
}

// PruneExpired removes suppression entries older than the window, kept
// separate from Fire so a caller can run it on a schedule instead of
// paying the map-scan cost on every firing.
func (m *Manager) PruneExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fp, s := range m.recent {
		if time.Since(s.firedAt) >= suppressionWindow {
			delete(m.recent, fp)
		}
	}
}
