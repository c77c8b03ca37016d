// Package rbac models project roles as capability bit-sets ordered by inclusion.
package rbac

import (
	"math/bits"
	"strings"
)

type Role string

type Capability uint16

const (
	RoleNoAccess    Role = "NoAccess"
	RoleViewer      Role = "Viewer"
	RoleAnalyst     Role = "Analyst"
	RoleEditor      Role = "Editor"
	RoleCoDeveloper Role = "CoDeveloper"
	RoleDeveloper   Role = "Developer"
	RoleAdmin       Role = "Admin"
)

const (
	CapRead Capability = 1 << iota
	CapViewMetrics
	CapWriteOwnBranch
	CapWriteMain
	CapMerge
	CapManageTeam
	CapIssueLinks
	CapCrossProject
)

const (
	capsOwner = CapRead | CapViewMetrics | CapWriteOwnBranch | CapWriteMain | CapMerge | CapManageTeam | CapIssueLinks
	capsAll   = capsOwner | CapCrossProject
)

var capabilities = map[Role]Capability{
	RoleNoAccess:    0,
	RoleViewer:      CapRead,
	RoleAnalyst:     CapRead | CapViewMetrics,
	RoleEditor:      CapRead | CapWriteOwnBranch,
	RoleCoDeveloper: capsOwner,
	RoleDeveloper:   capsOwner,
	RoleAdmin:       capsAll,
}

var capabilityNames = map[Capability]string{
	CapRead:           "Read",
	CapViewMetrics:    "ViewMetrics",
	CapWriteOwnBranch: "WriteOwnBranch",
	CapWriteMain:      "WriteMain",
	CapMerge:          "Merge",
	CapManageTeam:     "ManageTeam",
	CapIssueLinks:     "IssueLinks",
	CapCrossProject:   "CrossProject",
}

// Capabilities returns the capability set of role. Unknown roles have none.
func Capabilities(role Role) Capability {
	return capabilities[role]
}

func Can(role Role, c Capability) bool {
	return c != 0 && Capabilities(role)&c == c
}

// Dominates reports whether a holds every capability of b.
func Dominates(a, b Role) bool {
	ca, cb := Capabilities(a), Capabilities(b)
	return ca&cb == cb
}

// Comparable reports whether a and b are ordered in either direction.
func Comparable(a, b Role) bool {
	return Dominates(a, b) || Dominates(b, a)
}

// Stronger picks the role to keep when granting next over existing: existing
// survives only if it already dominates next.
func Stronger(existing, next Role) Role {
	if Dominates(existing, next) {
		return existing
	}
	return next
}

func Valid(role Role) bool {
	_, ok := capabilities[role]
	return ok && role != RoleNoAccess
}

// ladder lists roles weakest first for MinimumRole.
var ladder = []Role{RoleViewer, RoleAnalyst, RoleEditor, RoleCoDeveloper, RoleAdmin}

// MinimumRole is the weakest role holding every capability in c, or
// NoAccess when c is empty.
func MinimumRole(c Capability) Role {
	for _, role := range ladder {
		if Can(role, c) {
			return role
		}
	}
	return RoleNoAccess
}

// Grantable reports whether role may be handed out through the team or a share link.
func Grantable(role Role) bool {
	switch role {
	case RoleViewer, RoleAnalyst, RoleEditor, RoleCoDeveloper:
		return true
	default:
		return false
	}
}

// Parse accepts the canonical names and the original hyphenated "Co-Developer".
func Parse(value string) (Role, bool) {
	normalized := strings.ReplaceAll(strings.TrimSpace(value), "-", "")
	for role := range capabilities {
		if strings.EqualFold(string(role), normalized) {
			return role, true
		}
	}
	return RoleNoAccess, false
}

func (c Capability) String() string {
	if c == 0 {
		return "None"
	}
	names := make([]string, 0, bits.OnesCount16(uint16(c)))
	for bit := CapRead; bit <= CapCrossProject; bit <<= 1 {
		if c&bit != 0 {
			names = append(names, capabilityNames[bit])
		}
	}
	return strings.Join(names, "|")
}
