// Package fetch implements the Repo Fetcher (component D): shallow,
// single-branch Git clones into a prepared workspace, with bounded
// timeouts, token-in-URL authentication, and ref fallback. Grounded in the
// teacher's internal/sync/git.go for its os/exec conventions and in the
// original prototype's github_client.py for the access pre-check and
// ref-fallback chain it adds.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/driftline-dev/driftline/internal/logger"
	"github.com/driftline-dev/driftline/internal/security"
)

// Result describes a completed clone.
type Result struct {
	Path      string
	Ref       string
	CommitSHA string
}

// AccessError distinguishes "repository does not exist" from "repository
// exists but this token cannot see it", which the API surface reports with
// different error codes.
type AccessError struct {
	NotFound bool
	Private  bool
}

func (e *AccessError) Error() string {
	if e.NotFound {
		return "repository not found"
	}
	return "repository is private or inaccessible with the supplied credentials"
}

// Fetcher clones repositories into workspace directories.
type Fetcher struct {
	httpClient *http.Client
}

// New constructs a Fetcher.
func New() *Fetcher {
	return &Fetcher{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// CheckAccess probes the GitHub REST API for owner/name without cloning,
// distinguishing a missing repository from one this token cannot see. It
// always queries api.github.com; any other status than 200, 401, 403 or 404
// is returned as a plain error rather than an *AccessError.
func (f *Fetcher) CheckAccess(ctx context.Context, owner, name, token string) error {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s", owner, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github access check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		if token == "" {
			return &AccessError{NotFound: true}
		}
		return &AccessError{Private: true}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AccessError{Private: true}
	default:
		return fmt.Errorf("github access check: unexpected status %d", resp.StatusCode)
	}
}

// fallbackRefs are tried, in order, after the caller's requested ref fails,
// skipping whichever of the two equals the ref already attempted.
var fallbackRefs = []string{"main", "master"}

// Clone shallow-clones owner/name at ref into dir. If ref fails to resolve
// it retries against main, then master (skipping either if it is the ref
// already attempted), cleaning the partial directory between attempts.
// Returns the ref that actually succeeded and its resolved commit SHA.
func (f *Fetcher) Clone(ctx context.Context, owner, name, ref, token, dir string) (*Result, error) {
	log := logger.Fetch()

	owner, name, ok := security.SanitizeRepoIdentifier(owner, name)
	if !ok {
		return nil, fmt.Errorf("invalid repository identifier")
	}

	attempts := []string{ref}
	for _, fb := range fallbackRefs {
		if fb != ref {
			attempts = append(attempts, fb)
		}
	}

	var lastErr error
	for i, attempt := range attempts {
		cleanRef, ok := security.SanitizeGitRef(attempt)
		if !ok {
			continue
		}

		if i > 0 {
			log.Warn().Str("failed_ref", attempts[i-1]).Str("next_ref", cleanRef).Msg("retrying clone with fallback ref")
			if err := os.RemoveAll(dir); err != nil {
				return nil, fmt.Errorf("clean partial clone: %w", err)
			}
		}

		err := f.cloneOnce(ctx, owner, name, cleanRef, token, dir)
		if err == nil {
			sha, shaErr := f.CommitSHA(ctx, dir)
			if shaErr != nil {
				return nil, shaErr
			}
			return &Result{Path: dir, Ref: cleanRef, CommitSHA: sha}, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("clone failed for all attempted refs: %w", lastErr)
}

func (f *Fetcher) cloneOnce(ctx context.Context, owner, name, ref, token, dir string) error {
	url := fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
	if token != "" {
		url = fmt.Sprintf("https://%s@github.com/%s/%s.git", token, owner, name)
	}

	args := []string{"clone", "--depth", "1", "--single-branch", "--branch", ref, url, dir}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = gitEnv()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone: %w (output: %s)", err, security.RedactToken(string(output), token))
	}
	return nil
}

// CommitSHA returns the checked-out commit hash of the repository at path.
func (f *Fetcher) CommitSHA(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "HEAD")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("resolve commit sha: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// gitEnv suppresses every interactive credential prompt git might otherwise
// raise against a terminal that does not exist, so a bad token fails fast
// instead of hanging until CloneTimeout.
func gitEnv() []string {
	env := os.Environ()
	return append(env,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -o BatchMode=yes -o StrictHostKeyChecking=no",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_ASKPASS=",
	)
}
