// Package notify reports deployments to the GitHub Deployments API.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"siteops/internal/config"
	"siteops/pkg/cmdutil"
)

// Deployment states understood by GitHub.
const (
	StateInProgress = "in_progress"
	StateSuccess    = "success"
	StateFailure    = "failure"
	StateError      = "error"
)

// maxDescription is the longest status description GitHub accepts, in
// characters.
const maxDescription = 140

// GitHub creates a deployment per run and updates its status. A nil
// *GitHub is valid and does nothing.
type GitHub struct {
	client      *github.Client
	owner       string
	repo        string
	ref         string
	environment string
	token       string
	logger      zerolog.Logger
}

// NewGitHub returns a notifier for cfg, or nil when no repository or
// token is configured.
func NewGitHub(cfg config.GitHubConfig, logger zerolog.Logger) *GitHub {
	if !cfg.Enabled() {
		return nil
	}
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok {
		return nil
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	tc := oauth2.NewClient(context.Background(), ts)

	return &GitHub{
		client:      github.NewClient(tc),
		owner:       owner,
		repo:        repo,
		ref:         cfg.Branch,
		environment: cfg.Environment,
		token:       cfg.Token,
		logger:      logger.With().Str("component", "notify").Logger(),
	}
}

// Start creates a deployment for runID and marks it in progress. It
// returns the GitHub deployment id.
func (g *GitHub) Start(ctx context.Context, runID, description string) (int64, error) {
	if g == nil {
		return 0, nil
	}

	req := &github.DeploymentRequest{
		Ref:              github.String(g.ref),
		Task:             github.String("deploy"),
		AutoMerge:        github.Bool(false),
		RequiredContexts: &[]string{},
		Environment:      github.String(g.environment),
		Description:      github.String(description),
		Payload:          map[string]string{"run_id": runID},
	}
	dep, _, err := g.client.Repositories.CreateDeployment(ctx, g.owner, g.repo, req)
	if err != nil {
		return 0, fmt.Errorf("creating deployment: %w", err)
	}

	id := dep.GetID()
	if err := g.setStatus(ctx, id, StateInProgress, description, ""); err != nil {
		return id, err
	}
	g.logger.Debug().Int64("deployment_id", id).Str("run_id", runID).Msg("github deployment created")
	return id, nil
}

// Finish sets the final state of a deployment. A zero id is ignored.
func (g *GitHub) Finish(ctx context.Context, id int64, ok bool, description, environmentURL string) error {
	if g == nil || id == 0 {
		return nil
	}
	state := StateSuccess
	if !ok {
		state = StateFailure
	}
	return g.setStatus(ctx, id, state, description, environmentURL)
}

func (g *GitHub) setStatus(ctx context.Context, id int64, state, description, environmentURL string) error {
	description = truncate(cmdutil.SanitizeOutput(description, []string{g.token}), maxDescription)
	req := &github.DeploymentStatusRequest{
		State:       github.String(state),
		Description: github.String(description),
		Environment: github.String(g.environment),
	}
	if environmentURL != "" {
		req.EnvironmentURL = github.String(environmentURL)
	}
	if _, _, err := g.client.Repositories.CreateDeploymentStatus(ctx, g.owner, g.repo, id, req); err != nil {
		return fmt.Errorf("setting deployment status %s: %w", state, err)
	}
	return nil
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
