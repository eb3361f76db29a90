package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

// ResolveProjectAndConfig resolves the project a command operates on and
// its effective config. Resolution order: explicit override, then the
// single project in the workspace database. A stageline.yml in the
// workspace bootstraps the project row on first use.
func ResolveProjectAndConfig(ctx context.Context, r repo.Repo, workspace, projectOverride string) (domain.Project, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return domain.Project{}, nil, err
	}

	var p domain.Project
	if projectOverride != "" {
		p, err = r.GetProject(ctx, projectOverride)
	} else {
		p, err = r.SingleProject(ctx)
	}
	if errors.Is(err, repo.ErrNotFound) {
		if fileCfg == nil {
			if projectOverride != "" {
				return domain.Project{}, nil, fmt.Errorf("project %s not found; create it with sl project create", projectOverride)
			}
			return domain.Project{}, nil, fmt.Errorf("no project in workspace; run sl project create or import stageline.yml")
		}
		if projectOverride != "" && fileCfg.Project.ID != projectOverride {
			return domain.Project{}, nil, fmt.Errorf("project %s not found (stageline.yml defines %s)", projectOverride, fileCfg.Project.ID)
		}
		p, err = bootstrapProject(ctx, r, fileCfg)
		if err != nil {
			return domain.Project{}, nil, err
		}
		return p, fileCfg, nil
	}
	if err != nil {
		return domain.Project{}, nil, err
	}

	cfg, err := r.GetProjectConfig(ctx, p.ID)
	if errors.Is(err, repo.ErrNotFound) {
		if fileCfg != nil && fileCfg.Project.ID == p.ID {
			cfg = fileCfg
		} else {
			cfg = config.Default(p.ID)
		}
		if err := r.UpsertProjectConfig(ctx, p.ID, cfg); err != nil {
			return domain.Project{}, nil, err
		}
	} else if err != nil {
		return domain.Project{}, nil, err
	}
	return p, cfg, nil
}

// bootstrapProject creates the project row described by a config file.
func bootstrapProject(ctx context.Context, r repo.Repo, cfg *config.Config) (domain.Project, error) {
	p := domain.Project{
		ID:        cfg.Project.ID,
		Kind:      cfg.Project.Kind,
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("bootstrap project %s: %w", p.ID, err)
	}
	if err := r.UpsertProjectConfig(ctx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("bootstrap config %s: %w", p.ID, err)
	}
	return p, nil
}
