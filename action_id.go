package castle

import (
	"fmt"
	"strings"
)

// Wildcard is the TargetID scope that matches every scope of a type.
const Wildcard = "all"

// ActionID identifies exactly one action definition. Scope disambiguates
// several instances of the same action type, typically one per role.
type ActionID struct {
	Type  string
	Scope string
}

// NewActionID returns the ActionID for the given type and scope.
func NewActionID(typ, scope string) ActionID {
	return ActionID{Type: typ, Scope: scope}
}

// String returns "type:scope", or just "type" for an unscoped action.
func (id ActionID) String() string {
	if id.Scope == "" {
		return id.Type
	}
	return id.Type + ":" + id.Scope
}

// TargetID is a pattern over ActionIDs used to declare dependencies and to
// name targets on the command line.
type TargetID struct {
	Type  string
	Scope string
}

// NewTargetID returns a TargetID matching the given type and scope.
func NewTargetID(typ, scope string) TargetID {
	return TargetID{Type: typ, Scope: scope}
}

// AllOf returns a TargetID matching every scope of typ.
func AllOf(typ string) TargetID {
	return TargetID{Type: typ, Scope: Wildcard}
}

// ParseTargetID parses "type" or "type:scope". A bare type matches all scopes.
func ParseTargetID(s string) (TargetID, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return TargetID{}, NewValidationError("empty target name")
		}
		return AllOf(parts[0]), nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return TargetID{}, NewValidationError(fmt.Sprintf("malformed target %q: type and scope must be non-empty", s))
		}
		return TargetID{Type: parts[0], Scope: parts[1]}, nil
	default:
		return TargetID{}, NewValidationError(fmt.Sprintf("malformed target %q: too many ':' separators", s))
	}
}

// Matches reports whether id is selected by this target.
func (t TargetID) Matches(id ActionID) bool {
	if t.Type != id.Type {
		return false
	}
	return t.Scope == Wildcard || t.Scope == id.Scope
}

// IsWildcard reports whether the target matches every scope of its type.
func (t TargetID) IsWildcard() bool {
	return t.Scope == Wildcard
}

func (t TargetID) String() string {
	return t.Type + ":" + t.Scope
}
