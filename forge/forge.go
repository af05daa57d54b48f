// Package forge is the boundary to the hosted source platform. The core
// only ever asks it to open a pull request; everything else about the
// platform (webhooks, auth, API shape) lives with the collaborator behind
// the interface.
package forge

import (
	"context"
	"fmt"
)

// OpenRequest describes the pull request to open. Branch must already hold
// the change set; Base is the branch the pull request targets.
type OpenRequest struct {
	Owner  string
	Repo   string
	Base   string
	Branch string
	Title  string
	Body   string
}

// Validate checks the fields the platform call cannot do without.
func (r *OpenRequest) Validate() error {
	if r.Owner == "" || r.Repo == "" {
		return fmt.Errorf("open request: owner and repo are required")
	}
	if r.Branch == "" {
		return fmt.Errorf("open request: branch is required")
	}
	if r.Title == "" {
		return fmt.Errorf("open request: title is required")
	}
	return nil
}

// PullRequest identifies an opened pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Opener opens pull requests. Implementations are invoked from the pr-open
// worker; a returned error fails the stage.
type Opener interface {
	OpenPullRequest(ctx context.Context, req OpenRequest) (*PullRequest, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, req OpenRequest) (*PullRequest, error)

// OpenPullRequest calls f.
func (f OpenerFunc) OpenPullRequest(ctx context.Context, req OpenRequest) (*PullRequest, error) {
	return f(ctx, req)
}
