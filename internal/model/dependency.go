package model

import "fmt"

// DependencyStatus is the lifecycle state of a cross-project dependency.
type DependencyStatus string

const (
	DependencyNew      DependencyStatus = "NEW"
	DependencyAccepted DependencyStatus = "ACCEPTED"
	DependencyResolved DependencyStatus = "RESOLVED"
)

var validDependencyStatuses = []DependencyStatus{
	DependencyNew,
	DependencyAccepted,
	DependencyResolved,
}

// ValidateDependencyStatus returns an error if s is not a recognized dependency status.
func ValidateDependencyStatus(s DependencyStatus) error {
	for _, v := range validDependencyStatuses {
		if s == v {
			return nil
		}
	}
	return fmt.Errorf("invalid dependency status %q: must be one of %v", s, validDependencyStatuses)
}

// RecomputeDependencyStatus derives a dependency's status from how many of
// its resolving cards exist in the destination. The exported status is only
// trusted to distinguish RESOLVED from ACCEPTED.
func RecomputeDependencyStatus(exported DependencyStatus, resolvingCards int) DependencyStatus {
	if resolvingCards == 0 {
		return DependencyNew
	}
	if exported == DependencyResolved {
		return DependencyResolved
	}
	return DependencyAccepted
}

// ObjectiveStatus is the planning state of a program objective.
type ObjectiveStatus string

const (
	ObjectiveBacklog ObjectiveStatus = "backlog"
	ObjectivePlanned ObjectiveStatus = "planned"
)

// ValidateObjectiveStatus returns an error if s is not a recognized objective status.
func ValidateObjectiveStatus(s ObjectiveStatus) error {
	if s == ObjectiveBacklog || s == ObjectivePlanned {
		return nil
	}
	return fmt.Errorf("invalid objective status %q: must be one of [%s %s]", s, ObjectiveBacklog, ObjectivePlanned)
}

// PluginRequirement is a plugin an export depends on, with the minimum
// version the destination must have installed.
type PluginRequirement struct {
	Name       string `json:"name"`
	MinVersion string `json:"min_version"`
}

// User is an account in the instance.
type User struct {
	ID    int64
	Login string
	Email string
	Name  string
	Admin bool
}

// Member roles.
const (
	RoleFullMember     = "full_member"
	RoleReadonlyMember = "readonly_member"
	RoleProjectAdmin   = "project_admin"
)
