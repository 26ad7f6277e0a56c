package access

import (
	"time"

	"github.com/ehr/bridge/internal/platform/apperr"
)

// Operation is the kind of cross-tenant access being requested.
type Operation string

const (
	OpRead     Operation = "read"
	OpWrite    Operation = "write"
	OpTransfer Operation = "transfer"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpRead, OpWrite, OpTransfer:
		return true
	}
	return false
}

// Permissions is the set of operations a rule allows.
type Permissions struct {
	Read     bool `json:"read"`
	Write    bool `json:"write"`
	Transfer bool `json:"transfer"`
}

// Allows returns the stored boolean for op.
func (p Permissions) Allows(op Operation) bool {
	switch op {
	case OpRead:
		return p.Read
	case OpWrite:
		return p.Write
	case OpTransfer:
		return p.Transfer
	}
	return false
}

// EmergencyPermissions is what GrantEmergency hands out.
var EmergencyPermissions = Permissions{Read: true, Write: false, Transfer: true}

// Rule authorizes Requester to act against Target.
type Rule struct {
	Requester   string      `json:"requester"`
	Target      string      `json:"target"`
	Permissions Permissions `json:"permissions"`
	GrantedAt   time.Time   `json:"granted_at"`
	ExpiresAt   *time.Time  `json:"expires_at"`
}

// Expired reports whether the rule has an expiry at or before now.
func (r Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

type ruleKey struct {
	requester string
	target    string
}

// Reason distinguishes why Validate refused an operation.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonTargetUnknown    Reason = "target_unknown"
	ReasonRequesterUnknown Reason = "requester_unknown"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonInvalidOperation Reason = "invalid_operation"
)

// Decision is the result of Validate.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    Reason    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Requester string    `json:"requester"`
	Target    string    `json:"target"`
	Operation Operation `json:"operation"`
}

// Err converts a refused decision into a classified error. Allowed decisions
// return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonTargetUnknown:
		return apperr.TenantNotFound("access.validate", d.Target)
	case ReasonRequesterUnknown:
		return apperr.TenantNotFound("access.validate", d.Requester)
	case ReasonInvalidOperation:
		return apperr.Validation("access.validate", "unknown operation %q", d.Operation)
	default:
		return apperr.PermissionDenied("access.validate", d.Requester, d.Target, string(d.Operation))
	}
}

// GrantRequest is the body of POST /access/grants.
type GrantRequest struct {
	Requester   string      `json:"requester" validate:"required"`
	Target      string      `json:"target" validate:"required"`
	Permissions Permissions `json:"permissions"`
	TTLHours    float64     `json:"ttlHours" validate:"gte=0"`
}

// EmergencyRequest is the body of POST /access/emergency.
type EmergencyRequest struct {
	Requester string  `json:"requester" validate:"required"`
	Hours     float64 `json:"hours" validate:"gt=0"`
}
