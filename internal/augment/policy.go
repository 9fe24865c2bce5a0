package augment

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// RolePolicy hides columns from roles based on a JSON policy file:
//
//	{"roles": {"support": {"deny": ["credit.applicant.name", "credit.audit_log.*"]}}}
//
// Deny patterns are db.table.column with * as a per-segment wildcard.
// Unknown roles see everything.
type RolePolicy struct {
	deny map[string][][3]string
}

type policyFile struct {
	Roles map[string]struct {
		Deny []string `json:"deny"`
	} `json:"roles"`
}

// LoadRolePolicy reads and validates the policy file.
func LoadRolePolicy(path string) (*RolePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role policy: %w", err)
	}
	var pf policyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse role policy: %w", err)
	}

	p := &RolePolicy{deny: make(map[string][][3]string, len(pf.Roles))}
	for role, spec := range pf.Roles {
		for _, pattern := range spec.Deny {
			parts := strings.Split(pattern, ".")
			if len(parts) != 3 {
				return nil, fmt.Errorf("role policy: pattern %q is not db.table.column", pattern)
			}
			p.deny[role] = append(p.deny[role], [3]string{parts[0], parts[1], parts[2]})
		}
	}
	return p, nil
}

// AllowColumn reports whether role may see the column.
func (p *RolePolicy) AllowColumn(role, dbID, table, column string) bool {
	for _, pat := range p.deny[role] {
		if segMatch(pat[0], dbID) && segMatch(pat[1], table) && segMatch(pat[2], column) {
			return false
		}
	}
	return true
}

func segMatch(pattern, value string) bool {
	return pattern == "*" || strings.EqualFold(pattern, value)
}
