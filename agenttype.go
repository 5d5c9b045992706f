package kobold

import (
	"fmt"
	"sort"
	"strings"
)

// AgentRole identifies one of the orchestrator's agent kinds. Caps, timeouts,
// and provider selection are configured per role.
type AgentRole string

const (
	// RoleWyrm analyzes a project specification into work areas.
	RoleWyrm AgentRole = "Wyrm"
	// RoleWyvern coordinates area-level execution.
	RoleWyvern AgentRole = "Wyvern"
	// RoleDrake reviews and integrates completed work.
	RoleDrake AgentRole = "Drake"
	// RoleKoboldPlanner turns one task into a step plan.
	RoleKoboldPlanner AgentRole = "KoboldPlanner"
	// RoleKobold executes plan steps through the tool loop.
	RoleKobold AgentRole = "Kobold"
)

// AllRoles lists every role in capability order.
func AllRoles() []AgentRole {
	return []AgentRole{RoleWyrm, RoleWyvern, RoleDrake, RoleKoboldPlanner, RoleKobold}
}

// roleAliases maps accepted spellings (lowercased) to canonical roles.
// Config files and task files are written by hand; be liberal in what we
// accept.
var roleAliases = map[string]AgentRole{
	"wyrm":           RoleWyrm,
	"wyvern":         RoleWyvern,
	"drake":          RoleDrake,
	"koboldplanner":  RoleKoboldPlanner,
	"kobold-planner": RoleKoboldPlanner,
	"kobold_planner": RoleKoboldPlanner,
	"planner":        RoleKoboldPlanner,
	"kobold":         RoleKobold,
	"coder":          RoleKobold,
	"worker":         RoleKobold,
}

// ParseAgentRole resolves a role name or alias to its canonical role.
func ParseAgentRole(name string) (AgentRole, error) {
	role, ok := roleAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", &ErrConfig{Field: "agentType", Reason: fmt.Sprintf("unknown agent type %q (known: %s)", name, knownRoleNames())}
	}
	return role, nil
}

// ValidAgentRole reports whether name resolves to a known role.
func ValidAgentRole(name string) bool {
	_, err := ParseAgentRole(name)
	return err == nil
}

func knownRoleNames() string {
	names := make([]string, 0, len(roleAliases))
	for n := range roleAliases {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// configKey returns the role's key in project configuration JSON.
func (r AgentRole) configKey() string {
	switch r {
	case RoleKoboldPlanner:
		return "koboldPlanner"
	default:
		return strings.ToLower(string(r))
	}
}
