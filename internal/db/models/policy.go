// Package models defines the persistence structs shared by the storage
// adapters: versioned policies, immutable decision events, and idempotency
// records.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the binary outcome of an authorization check.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is one of the two recognised outcomes.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Condition operators. Comparisons are case-insensitive string comparisons
// after coercing the resolved field value to a string.
const (
	OperatorEquals      = "equals"
	OperatorNotEquals   = "not_equals"
	OperatorContains    = "contains"
	OperatorNotContains = "not_contains"
	OperatorStartsWith  = "starts_with"
	OperatorEndsWith    = "ends_with"
)

// PolicyCondition is one declarative predicate of a policy. Field is a dotted
// path into the action request: "metadata.<key>" resolves into the request's
// context document, anything else resolves to a direct request attribute
// (action_type, resource_id, user_id).
type PolicyCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Validate checks the condition for a non-empty field and a known operator.
func (c PolicyCondition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition field must not be empty")
	}
	switch c.Operator {
	case OperatorEquals, OperatorNotEquals, OperatorContains,
		OperatorNotContains, OperatorStartsWith, OperatorEndsWith:
		return nil
	default:
		return fmt.Errorf("unknown condition operator: %q", c.Operator)
	}
}

// Policy is one immutable version of a named rule set. For a given PolicyID at
// most one version is active at any time; updates create a new version and
// deactivate the prior one in a single atomic operation.
type Policy struct {
	PolicyID   string            `json:"policy_id"`
	Version    int               `json:"version"`
	Priority   int               `json:"priority"`
	IsActive   bool              `json:"is_active"`
	Conditions []PolicyCondition `json:"conditions"`
	Decision   Decision          `json:"decision"`
	Reason     string            `json:"reason"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks the caller-supplied fields of a policy definition. Version,
// IsActive, and CreatedAt are assigned by the policy store and are not
// validated here.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.PolicyID) == "" {
		return fmt.Errorf("policy_id must not be empty")
	}
	if !p.Decision.Valid() {
		return fmt.Errorf("invalid policy decision: %q", p.Decision)
	}
	for i, c := range p.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}
