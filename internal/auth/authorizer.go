// Package auth authorizes read-ahead operations against a casbin ACL
// model and policy. readahead.Reader.Start consults it for the "position"
// action, and internal/adminserver's gRPC interceptor consults it for the
// "watch" action before a health RPC runs.
package auth

import (
	"fmt"

	"github.com/casbin/casbin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Action names an operation an Authorizer can grant or deny. A reader's
// consumer identity needs "position" on a stream before Start will admit
// it.
const ActionPosition = "position"

// New loads the ACL model and policy files and returns an Authorizer
// backed by them.
func New(model, policy string) *Authorizer {
	enforcer := casbin.NewEnforcer(model, policy)
	return &Authorizer{enforcer: enforcer}
}

// Authorizer implements readahead.Authorizer using a casbin enforcer.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// Authorize returns a PermissionDenied status error if subject is not
// permitted to perform action on object.
func (a *Authorizer) Authorize(subject, object, action string) error {
	if !a.enforcer.Enforce(subject, object, action) {
		msg := fmt.Sprintf("%s not permitted to %s to %s", subject, action, object)
		return status.New(codes.PermissionDenied, msg).Err()
	}
	return nil
}
