package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CommitState is a GitHub commit status state.
type CommitState string

const (
	StatePending CommitState = "pending"
	StateSuccess CommitState = "success"
	StateFailure CommitState = "failure"
	StateError   CommitState = "error"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	statusContext    = "hoist"
)

// StatusReporter publishes build progress as commit statuses. Without a
// token it does nothing.
type StatusReporter struct {
	BaseURL string
	token   string
	client  *http.Client
}

func NewStatusReporter(token string) *StatusReporter {
	return &StatusReporter{
		BaseURL: defaultGitHubAPI,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether statuses are published.
func (r *StatusReporter) Enabled() bool {
	return r != nil && r.token != ""
}

// Report sets the status of sha in repository (owner/name).
func (r *StatusReporter) Report(ctx context.Context, repository, sha string, state CommitState, description string) error {
	if !r.Enabled() || sha == "" || !strings.Contains(repository, "/") {
		return nil
	}
	if len(description) > 140 {
		description = description[:137] + "..."
	}
	body, err := json.Marshal(map[string]string{
		"state":       string(state),
		"description": description,
		"context":     statusContext,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/repos/%s/statuses/%s", strings.TrimRight(r.BaseURL, "/"), repository, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("report commit status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("report commit status: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
