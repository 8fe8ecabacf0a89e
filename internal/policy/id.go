// Package policy holds the identifiers and settings types shared by the
// evaluation, config and server packages: policy/group identifiers, module
// references, execution modes and per-policy evaluation settings.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidID is returned when a policy or policy-group-member identifier
// contains characters that are not allowed.
var ErrInvalidID = errors.New("policy id must not contain '/'")

// ID identifies a policy or a policy group (bare name) or a member of a
// policy group (qualified name "group/member").
type ID struct {
	group  string
	member string
}

// NewID builds a bare policy/group identifier. Returns ErrInvalidID if name
// contains '/'.
func NewID(name string) (ID, error) {
	if strings.Contains(name, "/") {
		return ID{}, fmt.Errorf("%q: %w", name, ErrInvalidID)
	}
	return ID{group: name}, nil
}

// NewMemberID builds a qualified "group/member" identifier.
func NewMemberID(group, member string) (ID, error) {
	if strings.Contains(group, "/") || strings.Contains(member, "/") {
		return ID{}, fmt.Errorf("%s/%s: %w", group, member, ErrInvalidID)
	}
	return ID{group: group, member: member}, nil
}

// IsMember reports whether this ID identifies a policy-group member.
func (id ID) IsMember() bool {
	return id.member != ""
}

// Group returns the bare policy/group name of this identifier.
func (id ID) Group() string {
	return id.group
}

// Member returns the member name, or "" if this is not a qualified ID.
func (id ID) Member() string {
	return id.member
}

// String renders the identifier the way it is displayed in logs and status
// causes: "name" for a bare policy, "group/member" for a qualified one.
func (id ID) String() string {
	if id.IsMember() {
		return id.group + "/" + id.member
	}
	return id.group
}
