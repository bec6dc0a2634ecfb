// Package policy decides whether a package is still within its daily usage
// limits. Facts are gathered here and the decision is made by OPA.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/policy/opa"
)

// Action is the outcome of a limit decision
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionLimit Action = "limit"
)

// Limits are the configured daily limits. Zero means unlimited.
type Limits struct {
	DailyLimit      time.Duration
	AllTargetsLimit time.Duration
	WarnBefore      time.Duration
}

// LimitsFromConfig parses the policy section of the configuration.
func LimitsFromConfig(cfg config.PolicyConfig) (Limits, error) {
	var l Limits
	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"daily_limit", cfg.DailyLimit, &l.DailyLimit},
		{"all_targets_limit", cfg.AllTargetsLimit, &l.AllTargetsLimit},
		{"warn_before", cfg.WarnBefore, &l.WarnBefore},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid policy.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return l, nil
}

// UsageReader provides today's totals
type UsageReader interface {
	TodayThisTargetMillis(pkg string) int64
	TodayAllTargetsMillis() int64
}

// Decision is a limit decision for one package
type Decision struct {
	Package string `json:"package"`
	Action  Action `json:"action"`
	Reason  string `json:"reason"`
	// RemainingMillis is -1 when no limit applies.
	RemainingMillis int64 `json:"remaining_ms"`
}

// Engine handles policy evaluation by gathering facts and calling OPA
type Engine struct {
	opaEngine *opa.Engine
	limits    Limits
	logger    zerolog.Logger
}

// NewEngine creates a new fact-based policy engine
func NewEngine(policyDir string, limits Limits, logger zerolog.Logger) (*Engine, error) {
	opaEngine, err := opa.NewEngine(policyDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	return &Engine{
		opaEngine: opaEngine,
		limits:    limits,
		logger:    logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Evaluate decides for pkg given today's totals.
func (e *Engine) Evaluate(ctx context.Context, pkg string, todayMillis, allTargetsMillis int64) (Decision, error) {
	facts := map[string]interface{}{
		"package":              pkg,
		"today_ms":             todayMillis,
		"all_targets_ms":       allTargetsMillis,
		"daily_limit_ms":       e.limits.DailyLimit.Milliseconds(),
		"all_targets_limit_ms": e.limits.AllTargetsLimit.Milliseconds(),
		"warn_before_ms":       e.limits.WarnBefore.Milliseconds(),
	}

	d, err := e.opaEngine.Evaluate(ctx, facts)
	if err != nil {
		return Decision{}, err
	}

	action := Action(d.Action)
	switch action {
	case ActionAllow, ActionWarn, ActionLimit:
	default:
		return Decision{}, fmt.Errorf("unknown action %q from policy", d.Action)
	}
	return Decision{
		Package:         pkg,
		Action:          action,
		Reason:          d.Reason,
		RemainingMillis: d.RemainingMillis,
	}, nil
}

// Decide evaluates pkg against the accounting's current totals. Evaluation
// failures fall back to allow.
func (e *Engine) Decide(ctx context.Context, usage UsageReader, pkg string) Decision {
	d, err := e.Evaluate(ctx, pkg, usage.TodayThisTargetMillis(pkg), usage.TodayAllTargetsMillis())
	if err != nil {
		e.logger.Error().Err(err).Str("package", pkg).Msg("Policy evaluation failed, falling back to allow")
		return Decision{Package: pkg, Action: ActionAllow, Reason: "policy evaluation failed", RemainingMillis: -1}
	}
	return d
}

// Reload reloads the policies from disk
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}
