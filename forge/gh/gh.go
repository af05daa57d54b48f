// Package gh opens pull requests by shelling out to the gh CLI. It serves
// local runs and development; the hosted deployment fronts the platform
// API directly behind the same forge.Opener interface.
package gh

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pullsmith/pullsmith/forge"
)

// Opener runs gh commands from workDir, which must be a checkout with the
// pull request branch pushed.
type Opener struct {
	workDir string
}

var _ forge.Opener = (*Opener)(nil)

// NewOpener returns an Opener running gh from workDir.
func NewOpener(workDir string) *Opener {
	return &Opener{workDir: workDir}
}

// Available reports whether the gh CLI is installed and authenticated.
func Available() bool {
	return exec.Command("gh", "auth", "status").Run() == nil
}

// OpenPullRequest creates the pull request and parses its number from the
// URL gh prints.
func (o *Opener) OpenPullRequest(ctx context.Context, req forge.OpenRequest) (*forge.PullRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	base := req.Base
	if base == "" {
		base = "main"
	}

	args := []string{
		"pr", "create",
		"--repo", req.Owner + "/" + req.Repo,
		"--base", base,
		"--head", req.Branch,
		"--title", req.Title,
		"--body", req.Body,
	}

	out, err := o.runGH(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create pull request for %s/%s: %w", req.Owner, req.Repo, err)
	}

	url := strings.TrimSpace(out)
	number := numberFromURL(url)
	if number == 0 {
		return nil, fmt.Errorf("create pull request for %s/%s: unexpected gh output %q", req.Owner, req.Repo, url)
	}

	return &forge.PullRequest{Number: number, URL: url}, nil
}

// runGH executes one gh command and returns its combined output.
func (o *Opener) runGH(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = o.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// numberFromURL extracts the trailing pull request number from a URL like
// https://github.com/owner/repo/pull/42. Returns 0 when none is present.
func numberFromURL(url string) int {
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	if len(parts) == 0 {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return n
}
