package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/bridge/internal/platform/apperr"
	"github.com/ehr/bridge/internal/platform/audit"
	"github.com/ehr/bridge/internal/platform/metrics"
)

// Directory is the view of the tenant registry the gate needs.
type Directory interface {
	Exists(tenantID string) bool
	IDs() []string
}

// Gate is the authorization table over (requester, target) tenant pairs.
// Rules live in process memory only; a second bridge instance has its own
// table. Expired rules are removed lazily by Check.
type Gate struct {
	mu     sync.Mutex
	rules  map[ruleKey]Rule
	dir    Directory
	audit  audit.Recorder
	logger zerolog.Logger
	now    func() time.Time
}

// NewGate creates an empty gate.
func NewGate(dir Directory, rec audit.Recorder, logger zerolog.Logger) *Gate {
	return &Gate{
		rules:  make(map[ruleKey]Rule),
		dir:    dir,
		audit:  rec,
		logger: logger.With().Str("component", "access_gate").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Grant upserts the rule for requester→target. A ttl of zero means the rule
// never expires.
func (g *Gate) Grant(ctx context.Context, requester, target string, perms Permissions, ttl time.Duration) (Rule, error) {
	if err := g.checkPair("access.grant", requester, target, ttl); err != nil {
		g.record(ctx, requester, "access.grant", target, audit.OutcomeFailure, map[string]interface{}{"error": err.Error()})
		return Rule{}, err
	}

	now := g.now()
	rule := Rule{Requester: requester, Target: target, Permissions: perms, GrantedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		rule.ExpiresAt = &exp
	}

	g.mu.Lock()
	g.rules[ruleKey{requester, target}] = rule
	g.mu.Unlock()

	g.logger.Info().Str("requester", requester).Str("target", target).
		Bool("read", perms.Read).Bool("write", perms.Write).Bool("transfer", perms.Transfer).
		Msg("access granted")
	g.record(ctx, requester, "access.grant", target, audit.OutcomeSuccess, ruleDetails(rule))
	return rule, nil
}

func (g *Gate) checkPair(op, requester, target string, ttl time.Duration) error {
	if requester == "" || target == "" {
		return apperr.Validation(op, "requester and target are required")
	}
	if requester == target {
		return apperr.Validation(op, "a tenant always has access to itself")
	}
	if ttl < 0 {
		return apperr.Validation(op, "ttl must not be negative")
	}
	if !g.dir.Exists(requester) {
		return apperr.TenantNotFound(op, requester)
	}
	if !g.dir.Exists(target) {
		return apperr.TenantNotFound(op, target)
	}
	return nil
}

// Revoke removes the requester→target rule. Revoking a missing rule is a
// no-op and reports false.
func (g *Gate) Revoke(ctx context.Context, requester, target string) bool {
	g.mu.Lock()
	_, ok := g.rules[ruleKey{requester, target}]
	delete(g.rules, ruleKey{requester, target})
	g.mu.Unlock()

	if ok {
		g.logger.Info().Str("requester", requester).Str("target", target).Msg("access revoked")
	}
	g.record(ctx, requester, "access.revoke", target, audit.OutcomeSuccess, map[string]interface{}{"removed": ok})
	return ok
}

// Check reports whether requester may perform op against target. A tenant
// always has access to itself. An expired rule is deleted and denies.
func (g *Gate) Check(ctx context.Context, requester, target string, op Operation) bool {
	allowed, expired := g.evaluate(requester, target, op)

	details := map[string]interface{}{"operation": string(op)}
	if expired {
		details["expired"] = true
	}
	g.record(ctx, requester, "access.check", target, outcomeFor(allowed), details)
	return allowed
}

func (g *Gate) evaluate(requester, target string, op Operation) (allowed, expired bool) {
	defer func() {
		metrics.GateDecisions.WithLabelValues(string(op), metrics.BoolLabel(allowed)).Inc()
	}()

	if requester == target {
		return true, false
	}

	key := ruleKey{requester, target}
	g.mu.Lock()
	defer g.mu.Unlock()

	rule, ok := g.rules[key]
	if !ok {
		return false, false
	}
	if rule.Expired(g.now()) {
		delete(g.rules, key)
		g.logger.Info().Str("requester", requester).Str("target", target).Msg("expired access rule removed")
		return false, true
	}
	return rule.Permissions.Allows(op), false
}

// Validate is Check with a reason: unknown tenants are reported apart from
// missing permissions so callers can answer 404 rather than 403.
func (g *Gate) Validate(ctx context.Context, requester, target string, op Operation) Decision {
	d := Decision{Requester: requester, Target: target, Operation: op}

	switch {
	case !op.Valid():
		d.Reason = ReasonInvalidOperation
		d.Message = "unknown operation " + string(op)
	case !g.dir.Exists(target):
		d.Reason = ReasonTargetUnknown
		d.Message = "target tenant " + target + " is not configured"
	case !g.dir.Exists(requester):
		d.Reason = ReasonRequesterUnknown
		d.Message = "requester tenant " + requester + " is not configured"
	default:
		allowed, expired := g.evaluate(requester, target, op)
		d.Allowed = allowed
		if !allowed {
			d.Reason = ReasonPermissionDenied
			d.Message = requester + " has no " + string(op) + " permission on " + target
			if expired {
				d.Message += " (grant expired)"
			}
		}
	}

	if !d.Allowed {
		g.logger.Warn().Str("requester", requester).Str("target", target).
			Str("operation", string(op)).Str("reason", string(d.Reason)).Msg("access denied")
	}
	g.record(ctx, requester, "access.validate", target, outcomeFor(d.Allowed), map[string]interface{}{
		"operation": string(op),
		"reason":    string(d.Reason),
	})
	return d
}

// Authorize validates and returns the decision as an error.
func (g *Gate) Authorize(ctx context.Context, requester, target string, op Operation) error {
	return g.Validate(ctx, requester, target, op).Err()
}

// GrantEmergency grants read and transfer (never write) from requester to
// every other known tenant, all expiring together after hours. The set is
// applied under one lock; a crash mid-way can still leave it partial.
func (g *Gate) GrantEmergency(ctx context.Context, requester string, hours float64) ([]Rule, error) {
	if requester == "" {
		return nil, apperr.Validation("access.grant_emergency", "requester is required")
	}
	if hours <= 0 {
		return nil, apperr.Validation("access.grant_emergency", "hours must be positive")
	}
	if !g.dir.Exists(requester) {
		return nil, apperr.TenantNotFound("access.grant_emergency", requester)
	}

	now := g.now()
	exp := now.Add(time.Duration(hours * float64(time.Hour)))

	var granted []Rule
	g.mu.Lock()
	for _, target := range g.dir.IDs() {
		if target == requester {
			continue
		}
		e := exp
		rule := Rule{Requester: requester, Target: target, Permissions: EmergencyPermissions, GrantedAt: now, ExpiresAt: &e}
		g.rules[ruleKey{requester, target}] = rule
		granted = append(granted, rule)
	}
	g.mu.Unlock()

	g.logger.Warn().Str("requester", requester).Int("targets", len(granted)).
		Time("expires_at", exp).Msg("emergency access granted")
	for _, rule := range granted {
		details := ruleDetails(rule)
		details["emergency"] = true
		g.record(ctx, requester, "access.grant_emergency", rule.Target, audit.OutcomeSuccess, details)
	}
	return granted, nil
}

// Rule returns the stored rule for a pair without applying expiry.
func (g *Gate) Rule(requester, target string) (Rule, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rules[ruleKey{requester, target}]
	return r, ok
}

// List returns every stored rule, expired ones included, ordered by
// requester then target.
func (g *Gate) List() []Rule {
	return g.Rules("")
}

// Rules returns the stored rules of requester, or every rule when requester
// is empty.
func (g *Gate) Rules(requester string) []Rule {
	g.mu.Lock()
	out := make([]Rule, 0, len(g.rules))
	for k, r := range g.rules {
		if requester == "" || k.requester == requester {
			out = append(out, r)
		}
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Requester != out[j].Requester {
			return out[i].Requester < out[j].Requester
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func (g *Gate) record(ctx context.Context, actor, action, target, outcome string, details map[string]interface{}) {
	audit.Emit(ctx, g.audit, g.logger, audit.Entry{
		Timestamp: g.now(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		Details:   details,
	})
}

func outcomeFor(allowed bool) string {
	if allowed {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeDenied
}

func ruleDetails(r Rule) map[string]interface{} {
	d := map[string]interface{}{
		"read":     r.Permissions.Read,
		"write":    r.Permissions.Write,
		"transfer": r.Permissions.Transfer,
	}
	if r.ExpiresAt != nil {
		d["expires_at"] = r.ExpiresAt.Format(time.RFC3339)
	}
	return d
}
