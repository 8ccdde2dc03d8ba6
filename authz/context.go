package authz

import (
	"reflect"

	"github.com/chriss-de/doorman/v2"
)

// Context is the state of one evaluation. A requirement stays pending until a
// handler succeeds it; Fail is sticky.
type Context struct {
	requirements []Requirement
	user         *doorman.Principal
	resource     any
	satisfied    []bool
	pending      int
	failCalled   bool
}

func NewContext(requirements []Requirement, user *doorman.Principal, resource any) *Context {
	return &Context{
		requirements: requirements,
		user:         user,
		resource:     resource,
		satisfied:    make([]bool, len(requirements)),
		pending:      len(requirements),
	}
}

func (c *Context) Requirements() []Requirement { return c.requirements }
func (c *Context) User() *doorman.Principal    { return c.user }
func (c *Context) Resource() any               { return c.resource }

// PendingRequirements returns the requirements no handler has succeeded yet, in
// policy order.
func (c *Context) PendingRequirements() []Requirement {
	var pending []Requirement
	for i, r := range c.requirements {
		if !c.satisfied[i] {
			pending = append(pending, r)
		}
	}
	return pending
}

// Succeed marks every requirement equal to requirement as satisfied.
func (c *Context) Succeed(requirement Requirement) {
	for i, r := range c.requirements {
		if !c.satisfied[i] && sameRequirement(r, requirement) {
			c.satisfied[i] = true
			c.pending--
		}
	}
}

// sameRequirement compares with == where the values allow it. Requirements holding
// slices, maps or funcs are compared deeply instead of panicking.
func sameRequirement(a, b Requirement) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Comparable() && vb.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// Fail makes the evaluation fail regardless of any Succeed call.
func (c *Context) Fail() {
	c.failCalled = true
}

func (c *Context) HasFailed() bool {
	return c.failCalled
}

// HasSucceeded is true when Fail was never called and no requirement is pending.
func (c *Context) HasSucceeded() bool {
	return !c.failCalled && c.pending == 0
}
