// Package alert delivers severity-tagged, rate-limited operator notifications.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Severity orders alerts by urgency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// color is the webhook embed color.
func (s Severity) color() int {
	switch s {
	case SeverityWarning:
		return 0xF1C40F
	case SeverityHigh:
		return 0xE67E22
	case SeverityCritical:
		return 0xE74C3C
	default:
		return 0x3498DB
	}
}

// SeverityForAttempt escalates info, warning, high per retry; the final attempt is critical.
func SeverityForAttempt(attempt, maxAttempts int) Severity {
	if attempt >= maxAttempts {
		return SeverityCritical
	}
	switch {
	case attempt <= 1:
		return SeverityInfo
	case attempt == 2:
		return SeverityWarning
	default:
		return SeverityHigh
	}
}

// Alert is one notification. Key groups alerts for rate limiting.
type Alert struct {
	Time     time.Time
	Fields   map[string]interface{}
	Key      string
	Title    string
	Message  string
	Severity Severity
}

// Transport delivers alerts somewhere.
type Transport interface {
	Send(ctx context.Context, a Alert) error
}

// Sender is what components depend on.
type Sender interface {
	Notify(ctx context.Context, a Alert) bool
}

// Notifier fans alerts out to transports with a per-key rate limit.
// Critical alerts are never suppressed.
type Notifier struct {
	logger     logrus.FieldLogger
	limiters   map[string]*rate.Limiter
	transports []Transport
	every      rate.Limit
	mu         sync.Mutex
	suppressed int
}

// NewNotifier creates a notifier allowing one alert per key per minInterval.
func NewNotifier(logger logrus.FieldLogger, minInterval time.Duration, transports ...Transport) *Notifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	every := rate.Inf
	if minInterval > 0 {
		every = rate.Every(minInterval)
	}
	return &Notifier{
		logger:     logger.WithField("component", "alert"),
		limiters:   make(map[string]*rate.Limiter),
		transports: transports,
		every:      every,
	}
}

func (n *Notifier) allow(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	lim, ok := n.limiters[key]
	if !ok {
		lim = rate.NewLimiter(n.every, 1)
		n.limiters[key] = lim
	}
	if lim.Allow() {
		return true
	}
	n.suppressed++
	return false
}

// Suppressed returns how many alerts the rate limit dropped.
func (n *Notifier) Suppressed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.suppressed
}

// Notify sends a to every transport. It returns false when the alert was rate limited.
func (n *Notifier) Notify(ctx context.Context, a Alert) bool {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	if a.Key == "" {
		a.Key = a.Title
	}
	if a.Severity < SeverityCritical && !n.allow(a.Key) {
		n.logger.WithFields(logrus.Fields{"key": a.Key, "severity": a.Severity.String()}).Debug("Alert rate limited")
		return false
	}
	for _, t := range n.transports {
		if err := t.Send(ctx, a); err != nil {
			n.logger.WithError(err).WithField("key", a.Key).Warn("Alert delivery failed")
		}
	}
	return true
}

// LogTransport writes alerts to the log.
type LogTransport struct {
	logger logrus.FieldLogger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger logrus.FieldLogger) *LogTransport {
	return &LogTransport{logger: logger}
}

// Send implements Transport.
func (l *LogTransport) Send(_ context.Context, a Alert) error {
	entry := l.logger.WithFields(logrus.Fields(a.Fields)).WithFields(logrus.Fields{
		"alert":    a.Title,
		"severity": a.Severity.String(),
	})
	switch a.Severity {
	case SeverityCritical, SeverityHigh:
		entry.Error(a.Message)
	case SeverityWarning:
		entry.Warn(a.Message)
	default:
		entry.Info(a.Message)
	}
	return nil
}

// WebhookTransport posts Discord-style embeds.
type WebhookTransport struct {
	client   *http.Client
	url      string
	username string
}

// NewWebhookTransport creates a webhook transport. An empty url disables it.
func NewWebhookTransport(url, username string) *WebhookTransport {
	return &WebhookTransport{
		client:   &http.Client{Timeout: 5 * time.Second},
		url:      url,
		username: username,
	}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Fields []embedField `json:"fields,omitempty"`
	Color  int          `json:"color"`
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

// Send implements Transport.
func (w *WebhookTransport) Send(ctx context.Context, a Alert) error {
	if w.url == "" {
		return nil
	}

	e := embed{
		Title:       fmt.Sprintf("[%s] %s", a.Severity, a.Title),
		Description: a.Message,
		Color:       a.Severity.color(),
		Timestamp:   a.Time.Format(time.RFC3339),
	}
	e.Footer.Text = "dunder-condor"
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Fields = append(e.Fields, embedField{Name: k, Value: fmt.Sprint(a.Fields[k]), Inline: true})
	}

	data, err := json.Marshal(webhookPayload{Username: w.username, Embeds: []embed{e}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
