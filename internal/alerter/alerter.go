package alerter

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/sirupsen/logrus"
)

// TotalsSource reports the totals of the current epoch.
type TotalsSource interface {
	Totals() model.Totals
}

// Alert is a rule that fired during one evaluation.
type Alert struct {
	Rule  config.AlerterRule
	Value float64
	At    time.Time
}

// Alerter evaluates threshold rules against the live epoch and sends a
// consolidated notification when any of them fire.
type Alerter struct {
	source        TotalsSource
	rules         []config.AlerterRule
	notifier      model.Notifier
	checkInterval time.Duration
	cooldown      time.Duration
	log           *logrus.Entry
	now           func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, source TotalsSource, notifier model.Notifier, logger logrus.FieldLogger) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("check_interval must be positive, got %s", interval)
	}
	cooldown := config.Duration(cfg.Cooldown, 15*time.Minute)
	if logger == nil {
		logger = logging.Discard()
	}

	return &Alerter{
		source:        source,
		rules:         cfg.Rules,
		notifier:      notifier,
		checkInterval: interval,
		cooldown:      cooldown,
		log:           logging.WithComponent(logger, "alerter"),
		now:           time.Now,
		lastFired:     make(map[string]time.Time),
	}, nil
}

// Run evaluates the rules every check interval until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) error {
	a.log.WithField("rules", len(a.rules)).Info("Alerter started")

	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Check()
		case <-ctx.Done():
			a.log.Info("Alerter stopped")
			return nil
		}
	}
}

// Check evaluates every rule once and notifies about those that fired and are
// not cooling down. It returns the alerts that were sent.
func (a *Alerter) Check() []Alert {
	totals := a.source.Totals()
	now := a.now()

	a.mu.Lock()
	var fired []Alert
	for _, rule := range a.rules {
		value := metricValue(totals, rule.Metric)
		if !compare(value, rule.Operator, rule.Threshold) {
			continue
		}
		if last, ok := a.lastFired[rule.Name]; ok && now.Sub(last) < a.cooldown {
			continue
		}
		a.lastFired[rule.Name] = now
		fired = append(fired, Alert{Rule: rule, Value: value, At: now})
	}
	a.mu.Unlock()

	if len(fired) == 0 {
		return nil
	}
	a.log.WithField("triggered", len(fired)).Info("Alerter evaluation completed")

	if a.notifier != nil {
		subject := fmt.Sprintf("NetTrafficSentinel Alert Summary (%d Triggered)", len(fired))
		if err := a.notifier.Send(subject, renderBody(fired)); err != nil {
			a.log.WithError(err).Error("Failed to send consolidated alert notification")
		} else {
			a.log.Info("Consolidated alert notification sent")
		}
	}
	return fired
}

func metricValue(t model.Totals, metric string) float64 {
	switch metric {
	case "total_bytes":
		return float64(t.Bytes)
	case "total_packets":
		return float64(t.Packets)
	case "total_flows":
		return float64(t.Flows)
	default:
		return 0
	}
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "=":
		return value == threshold
	default:
		return false
	}
}

func renderBody(alerts []Alert) string {
	var b strings.Builder
	b.WriteString("<h1>NetTrafficSentinel Alert Summary</h1>")
	b.WriteString("<p>The following alerts were triggered during the last check:</p><hr>")
	for _, al := range alerts {
		fmt.Fprintf(&b, "<p><b>%s</b>: %s is %.0f (rule: %s %.0f) at %s</p>",
			html.EscapeString(al.Rule.Name),
			html.EscapeString(al.Rule.Metric),
			al.Value,
			html.EscapeString(al.Rule.Operator),
			al.Rule.Threshold,
			al.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}
