package dag

import "pipeweave/internal/core"

// IDPlaceholder is replaced by the entity identifier when a family is expanded.
const IDPlaceholder = "{id}"

// GraphHash is the identity of a frozen Graph, derived from task definitions
// and dependency structure in declaration order.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// Role is one templated task of a family.
type Role struct {
	// Basename names the role; members are called "<Basename>:<id>" unless
	// Task.Name is set.
	Basename string

	// Doc describes the group task registered for the role.
	Doc string

	// Task is the prototype. IDPlaceholder is substituted in its name,
	// paths, task deps, binding sources and command arguments.
	Task core.Task
}

// FamilyTemplate is the set of roles generated once per entity.
type FamilyTemplate struct {
	Roles []Role
}
