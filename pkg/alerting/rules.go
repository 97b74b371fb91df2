package alerting

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

// ═══════════════════════════════════════════
// Rule Engine
// ═══════════════════════════════════════════

// RuleEngine evaluates a pipeline's threshold rules against its status.
// All methods are nil-safe: a nil engine never fires.
type RuleEngine struct {
	pipelineID string
	rules      []ParsedRule
	alerter    Alerter
	logger     *zap.Logger
	cooldown   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	fired     map[string]time.Time // cooldown per rule name
	prevTotal int64
	prevAt    time.Time
	prevRate  float64
}

// ParsedRule is an alert rule with its threshold parsed.
type ParsedRule struct {
	Name     string
	Type     string // latency|error_rate|volume
	Severity string

	LatencyThreshold time.Duration // latency
	RateThreshold    float64       // error_rate, 0.05 = 5%
	VolumeThreshold  float64       // volume, -0.5 = -50%
}

const ruleCooldown = 5 * time.Minute

// NewRuleEngine returns nil when no rule parses.
func NewRuleEngine(pipelineID string, rules []v1.AlertRuleSpec, alerter Alerter, logger *zap.Logger) *RuleEngine {
	logger = logging.OrNop(logger).Named("rules")
	var parsed []ParsedRule
	for _, r := range rules {
		pr, err := ParseRule(r)
		if err != nil {
			logger.Warn("skip alert rule", zap.String("pipeline_id", pipelineID), zap.String("rule", r.Name), zap.Error(err))
			continue
		}
		parsed = append(parsed, pr)
	}
	if len(parsed) == 0 {
		return nil
	}
	return &RuleEngine{
		pipelineID: pipelineID,
		rules:      parsed,
		alerter:    alerter,
		logger:     logger,
		cooldown:   ruleCooldown,
		now:        time.Now,
		fired:      make(map[string]time.Time),
	}
}

// ParseRule converts a rule spec into typed thresholds.
func ParseRule(r v1.AlertRuleSpec) (ParsedRule, error) {
	pr := ParsedRule{Name: r.Name, Type: r.Type, Severity: r.Severity}
	if pr.Severity == "" {
		pr.Severity = SeverityWarning
	}

	switch r.Type {
	case "latency":
		d, err := time.ParseDuration(r.Threshold)
		if err != nil {
			return pr, fmt.Errorf("invalid latency threshold %q: %w", r.Threshold, err)
		}
		pr.LatencyThreshold = d
	case "error_rate":
		pct, err := ParsePercent(r.Threshold)
		if err != nil {
			return pr, fmt.Errorf("invalid error_rate threshold %q: %w", r.Threshold, err)
		}
		pr.RateThreshold = pct
	case "volume":
		pct, err := ParsePercent(r.Threshold)
		if err != nil {
			return pr, fmt.Errorf("invalid volume threshold %q: %w", r.Threshold, err)
		}
		pr.VolumeThreshold = pct
	default:
		return pr, fmt.Errorf("unknown rule type %q", r.Type)
	}
	return pr, nil
}

// ParsePercent parses "0.5%", "-50%" or "+200%" into decimal form.
func ParsePercent(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, fmt.Errorf("expected %% suffix")
	}
	val, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, err
	}
	return val / 100.0, nil
}

// Evaluate checks every rule against status and sends an alert for each
// rule that triggers outside its cooldown. It returns the fired alerts.
func (e *RuleEngine) Evaluate(ctx context.Context, status v1.PipelineStatus) []v1.Alert {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	rate, haveRate := e.volumeRate(status.ProcessedCount, now)

	var out []v1.Alert
	for _, rule := range e.rules {
		if last, ok := e.fired[rule.Name]; ok && now.Sub(last) < e.cooldown {
			continue
		}
		triggered, message := e.evaluateRule(rule, status, rate, haveRate)
		if !triggered {
			continue
		}
		e.fired[rule.Name] = now
		alert := v1.Alert{
			Type:       TypeRule,
			Severity:   rule.Severity,
			PipelineID: e.pipelineID,
			Error:      message,
			Timestamp:  now.UTC(),
			Data:       map[string]any{"rule": rule.Name, "ruleType": rule.Type},
		}
		e.logger.Info("rule triggered", zap.String("pipeline_id", e.pipelineID), zap.String("rule", rule.Name), zap.String("message", message))
		if e.alerter != nil {
			e.alerter.Send(ctx, alert)
		}
		out = append(out, alert)
	}
	if haveRate {
		e.prevRate = rate
	}
	return out
}

// volumeRate returns events per second since the previous evaluation.
func (e *RuleEngine) volumeRate(total int64, now time.Time) (float64, bool) {
	defer func() { e.prevTotal, e.prevAt = total, now }()
	if e.prevAt.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(e.prevAt).Seconds()
	if elapsed <= 0 || total < e.prevTotal {
		return 0, false
	}
	return float64(total-e.prevTotal) / elapsed, true
}

func (e *RuleEngine) evaluateRule(rule ParsedRule, status v1.PipelineStatus, rate float64, haveRate bool) (bool, string) {
	switch rule.Type {
	case "latency":
		latency := time.Duration(status.Metrics.LatencyMs * float64(time.Millisecond))
		if latency > rule.LatencyThreshold {
			return true, fmt.Sprintf("latency %s exceeds threshold %s", latency.Truncate(time.Millisecond), rule.LatencyThreshold)
		}

	case "error_rate":
		total := status.ProcessedCount + status.ErrorCount
		if total == 0 {
			return false, ""
		}
		r := float64(status.ErrorCount) / float64(total)
		if r > rule.RateThreshold {
			return true, fmt.Sprintf("error rate %.2f%% exceeds threshold %.2f%% (%d errors / %d events)",
				r*100, rule.RateThreshold*100, status.ErrorCount, total)
		}

	case "volume":
		if !haveRate || e.prevRate == 0 {
			return false, ""
		}
		change := (rate - e.prevRate) / e.prevRate
		if (rule.VolumeThreshold < 0 && change < rule.VolumeThreshold) ||
			(rule.VolumeThreshold > 0 && change > rule.VolumeThreshold) {
			return true, fmt.Sprintf("volume change %.1f%% crosses threshold %.1f%% (current: %.1f evt/s, previous: %.1f evt/s)",
				change*100, rule.VolumeThreshold*100, rate, e.prevRate)
		}
	}
	return false, ""
}
