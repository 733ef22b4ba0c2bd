package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

// Permissions checked by the API and the CLI.
const (
	PermTaskRead         = "task.read"
	PermTaskWrite        = "task.write"
	PermRuleRead         = "rule.read"
	PermRuleWrite        = "rule.write"
	PermEventEnqueue     = "event.enqueue"
	PermJobRead          = "job.read"
	PermJobRetry         = "job.retry"
	PermNotificationRead = "notification.read"
	PermMemberWrite      = "member.write"
	PermAPIKeyWrite      = "apikey.write"
)

// Roles a member can hold.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var allPermissions = []string{
	PermTaskRead, PermTaskWrite, PermRuleRead, PermRuleWrite, PermEventEnqueue,
	PermJobRead, PermJobRetry, PermNotificationRead, PermMemberWrite, PermAPIKeyWrite,
}

var rolePermissions = map[string][]string{
	RoleOwner:  allPermissions,
	RoleAdmin:  allPermissions,
	RoleMember: {PermTaskRead, PermTaskWrite, PermRuleRead, PermEventEnqueue, PermJobRead, PermNotificationRead},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	OrgID      string
}

func (e ForbiddenError) Error() string {
	if e.OrgID != "" {
		return fmt.Sprintf("permission %s required in %s", e.Permission, e.OrgID)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// RolePermissions returns the permissions granted by role, sorted.
func RolePermissions(role string) []string {
	perms := append([]string(nil), rolePermissions[role]...)
	sort.Strings(perms)
	return perms
}

type Members interface {
	GetMember(ctx context.Context, orgID, userID string) (domain.Member, error)
}

// Service resolves permissions from organization membership.
type Service struct {
	Members Members
}

// ActorPermissions lists what actorID may do in orgID. Non-members get nothing.
func (s Service) ActorPermissions(ctx context.Context, orgID, actorID string) ([]string, error) {
	if actorID == "" {
		return nil, errors.New("actor_id required")
	}
	if s.Members == nil {
		return nil, nil
	}
	m, err := s.Members.GetMember(ctx, orgID, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return RolePermissions(m.Role), nil
}

func (s Service) ActorHasPermission(ctx context.Context, orgID, actorID, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, orgID, actorID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError unless actorID holds perm in orgID.
func (s Service) Require(ctx context.Context, orgID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, orgID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm, OrgID: orgID}
	}
	return nil
}
