package engine

import (
	"context"
	"fmt"
	"time"

	"stageline/internal/engine/auth"
	"stageline/internal/events"
)

// WhoAmIResult lists an actor's project roles and permissions.
type WhoAmIResult struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (WhoAmIResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WhoAmIResult{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	return WhoAmIResult{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole assigns a project role to an actor, seeding the role's
// permissions from the config catalog when defined there. The grantor
// needs rbac.manage unless the project has no role assignments yet; the
// first grant bootstraps enforcement.
func (e Engine) GrantRole(ctx context.Context, projectID, grantorID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("actor and role are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	enforced, err := e.Auth.ProjectHasRoles(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if enforced {
		ok, err := e.Auth.ActorHasPermission(ctx, tx, projectID, grantorID, "rbac.manage")
		if err != nil {
			return err
		}
		if !ok {
			return auth.ForbiddenError{Permission: "rbac.manage"}
		}
	}
	desc := ""
	var perms []string
	if e.Config != nil {
		if roleDef, ok := e.Config.RBAC.Roles[roleID]; ok {
			desc = roleDef.Description
			perms = roleDef.Permissions
		}
	}
	if err := e.Repo.InsertRole(ctx, tx, roleID, desc); err != nil {
		return err
	}
	for _, perm := range perms {
		if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
			return err
		}
		if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
			return err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignProjectRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.granted", projectID, "rbac", actorID, grantorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a project role assignment.
func (e Engine) RevokeRole(ctx context.Context, projectID, grantorID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("actor and role are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, projectID, grantorID, "rbac.manage")
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.revoked", projectID, "rbac", actorID, grantorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}
