// evaluator.go implements the pure policy evaluator: a deterministic function
// from (request, active policies) to (decision, reason, matched policy). It
// never touches storage and never consults the advisory client.
package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/actionguard/actionguard/internal/db/models"
)

// DefaultRejectReason is the generic reason recorded when no active policy
// matches a request. The engine fails closed: an action that no policy
// explicitly authorizes is rejected.
const DefaultRejectReason = "no policy matched; rejected by default"

const metadataPrefix = "metadata."

// Evaluate checks the request against the active policy set and returns the
// decision, its reason, and the matched policy (nil when the fail-closed
// default applied).
//
// Policies are evaluated in a stable, documented order: priority descending,
// then policy_id ascending. A policy matches only when every one of its
// conditions evaluates true (AND semantics); the first match wins. Policies
// with no conditions match everything — combined with a low priority they act
// as catch-all rules.
func Evaluate(req *ActionRequest, active []*models.Policy) (models.Decision, string, *models.Policy) {
	ordered := make([]*models.Policy, len(active))
	copy(ordered, active)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].PolicyID < ordered[j].PolicyID
	})

	for _, p := range ordered {
		if policyMatches(req, p) {
			return p.Decision, p.Reason, p
		}
	}
	return models.DecisionReject, DefaultRejectReason, nil
}

func policyMatches(req *ActionRequest, p *models.Policy) bool {
	for _, c := range p.Conditions {
		if !conditionMatches(req, c) {
			return false
		}
	}
	return true
}

// conditionMatches resolves the condition's field and applies its operator.
// A condition whose field cannot be resolved evaluates false — it never
// errors, so a policy referencing an absent attribute simply does not match.
func conditionMatches(req *ActionRequest, c models.PolicyCondition) bool {
	got, ok := resolveField(req, c.Field)
	if !ok {
		return false
	}
	// Case-insensitive string comparison after coercion.
	got = strings.ToLower(got)
	want := strings.ToLower(c.Value)

	switch c.Operator {
	case models.OperatorEquals:
		return got == want
	case models.OperatorNotEquals:
		return got != want
	case models.OperatorContains:
		return strings.Contains(got, want)
	case models.OperatorNotContains:
		return !strings.Contains(got, want)
	case models.OperatorStartsWith:
		return strings.HasPrefix(got, want)
	case models.OperatorEndsWith:
		return strings.HasSuffix(got, want)
	default:
		// Unknown operators are rejected at policy creation; a row predating
		// that validation must not match anything.
		return false
	}
}

// resolveField reads a dotted field path from the request. "metadata.<key>"
// paths read from the request's context document; all other names are direct
// request attributes.
func resolveField(req *ActionRequest, field string) (string, bool) {
	if key, ok := strings.CutPrefix(field, metadataPrefix); ok {
		if req.Context == nil {
			return "", false
		}
		v, ok := req.Context[key]
		if !ok || v == nil {
			return "", false
		}
		return coerceString(v), true
	}

	switch field {
	case "action_type":
		return req.ActionType, true
	case "resource_id":
		if req.ResourceID == "" {
			return "", false
		}
		return req.ResourceID, true
	case "user_id":
		return req.UserID, true
	default:
		return "", false
	}
}

func coerceString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode to float64; render integers without a decimal
		// point so a condition value of "42" matches.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
