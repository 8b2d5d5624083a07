// Package rolemapper maps raw JWT role claims to a single framework role
// in declared priority order. The mapper has no error path: unmatched
// input falls back to the configured default role, and degrades to the
// Unassigned sentinel when unmapped roles are rejected or no default role
// is configured; the authentication service treats Unassigned as a
// rejection.
package rolemapper

import (
	"strings"

	"github.com/oboauth/delegation-engine/pkg/idp"
)

// Unassigned is the sentinel framework role produced when no mapping
// matches and either the IdP's policy rejects unmapped roles or no default
// role is configured. A session carrying it is never treated as
// authenticated.
const Unassigned = "Unassigned"

// Result is the role mapper's decision. Rejected is true when the IdP's
// rejectUnmappedRoles policy fired or no default role was available; Role
// is always Unassigned in that case.
// CustomRoles is always the full raw role set, independent of Rejected.
type Result struct {
	Role        string
	CustomRoles []string
	Rejected    bool
	Reason      string
}

// Map assigns a framework role from rawRoles using mapping's priority-
// ordered buckets, first match wins. Malformed or empty configuration
// degrades to Unassigned rather than failing.
func Map(rawRoles []string, mapping idp.RoleMapping) Result {
	if rawRoles == nil {
		rawRoles = []string{}
	}

	rawSet := make(map[string]struct{}, len(rawRoles))
	for _, r := range rawRoles {
		rawSet[r] = struct{}{}
	}

	for _, frameworkRole := range priorityOrder(mapping) {
		for _, raw := range mapping.Mapping[frameworkRole] {
			if _, ok := rawSet[raw]; ok {
				return Result{Role: frameworkRole, CustomRoles: rawRoles}
			}
		}
	}

	if mapping.RejectUnmappedRoles {
		return Result{
			Role:        Unassigned,
			CustomRoles: rawRoles,
			Rejected:    true,
			Reason:      "unmapped roles: " + strings.Join(rawRoles, ", "),
		}
	}

	if mapping.DefaultRole == "" {
		return Result{Role: Unassigned, CustomRoles: rawRoles, Rejected: true, Reason: "no default role configured"}
	}

	return Result{Role: mapping.DefaultRole, CustomRoles: rawRoles}
}

// priorityOrder returns the framework roles to evaluate: declared Priority
// first, then any role referenced in Mapping but missing from Priority, in
// map iteration order.
func priorityOrder(mapping idp.RoleMapping) []string {
	seen := make(map[string]struct{}, len(mapping.Priority))
	order := make([]string, 0, len(mapping.Mapping))
	for _, role := range mapping.Priority {
		if _, ok := mapping.Mapping[role]; !ok {
			continue
		}
		order = append(order, role)
		seen[role] = struct{}{}
	}
	for role := range mapping.Mapping {
		if _, ok := seen[role]; ok {
			continue
		}
		order = append(order, role)
	}
	return order
}
