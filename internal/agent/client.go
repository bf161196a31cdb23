// Package agent is the client for the remote coding-agent session API.
// Sessions are created with a persona prompt, polled for progress, and
// nudged when they stall.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/franklinbaldo/julesched/internal/errors"
	"github.com/franklinbaldo/julesched/internal/logging"
)

// Session states reported by the API.
const (
	StateInProgress           = "IN_PROGRESS"
	StateAwaitingPlanApproval = "AWAITING_PLAN_APPROVAL"
	StateAwaitingUserFeedback = "AWAITING_USER_FEEDBACK"
	StateCompleted            = "COMPLETED"
	StateFailed               = "FAILED"
)

// Session is a remote agent session.
type Session struct {
	// Name is the API resource name, "sessions/<id>".
	Name       string    `json:"name"`
	Title      string    `json:"title,omitempty"`
	State      string    `json:"state"`
	CreateTime time.Time `json:"createTime,omitempty"`
	UpdateTime time.Time `json:"updateTime,omitempty"`
}

// ID returns the bare session id from the resource name.
func (s *Session) ID() string {
	if idx := strings.LastIndex(s.Name, "/"); idx >= 0 {
		return s.Name[idx+1:]
	}
	return s.Name
}

// Done reports whether the session reached a terminal state.
func (s *Session) Done() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// Client talks to the session API over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *logging.Logger
}

// NewClient creates an API client.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *logging.Logger) *Client {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// AutomationModeAutoCreatePR makes the remote session open a pull request on
// its own when it finishes. The whole merge cycle depends on it.
const AutomationModeAutoCreatePR = "AUTO_CREATE_PR"

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	Prompt         string `json:"prompt"`
	Title          string `json:"title,omitempty"`
	Repo           string `json:"-"`
	StartingBranch string `json:"-"`
	// AutomationMode defaults to AUTO_CREATE_PR.
	AutomationMode string `json:"-"`
	// RequirePlanApproval gates the session on a human plan review. Scheduled
	// sessions run unattended, so it defaults to false.
	RequirePlanApproval bool `json:"-"`
}

type createSessionBody struct {
	Prompt        string `json:"prompt"`
	Title         string `json:"title,omitempty"`
	SourceContext struct {
		Source            string `json:"source"`
		GithubRepoContext struct {
			StartingBranch string `json:"startingBranch,omitempty"`
		} `json:"githubRepoContext"`
	} `json:"sourceContext"`
	AutomationMode string `json:"automationMode"`
	// Sent explicitly even when false.
	RequirePlanApproval bool `json:"requirePlanApproval"`
}

// CreateSession starts a new session working from the given branch.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	body := createSessionBody{
		Prompt:              req.Prompt,
		Title:               req.Title,
		AutomationMode:      req.AutomationMode,
		RequirePlanApproval: req.RequirePlanApproval,
	}
	if body.AutomationMode == "" {
		body.AutomationMode = AutomationModeAutoCreatePR
	}
	body.SourceContext.Source = "sources/github/" + req.Repo
	body.SourceContext.GithubRepoContext.StartingBranch = req.StartingBranch

	var session Session
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &session); err != nil {
		return nil, errors.NewSessionError("failed to create session", err)
	}
	c.log.Info("created session", "session", session.ID(), "title", req.Title)
	return &session, nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &session)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
		}
		return nil, errors.NewSessionError("failed to get session", err).WithSessionID(id)
	}
	return &session, nil
}

// ListSessions returns all sessions, following pagination.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var all []Session
	pageToken := ""
	for {
		path := "/sessions"
		if pageToken != "" {
			path += "?pageToken=" + url.QueryEscape(pageToken)
		}
		var page struct {
			Sessions      []Session `json:"sessions"`
			NextPageToken string    `json:"nextPageToken"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, errors.NewSessionError("failed to list sessions", err)
		}
		all = append(all, page.Sessions...)
		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// ApprovePlan approves a session's pending plan.
func (c *Client) ApprovePlan(ctx context.Context, id string) error {
	path := "/sessions/" + url.PathEscape(id) + ":approvePlan"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, nil); err != nil {
		return errors.NewSessionError("failed to approve plan", err).WithSessionID(id)
	}
	c.log.Info("approved session plan", "session", id)
	return nil
}

// SendMessage posts a message into a session.
func (c *Client) SendMessage(ctx context.Context, id, prompt string) error {
	path := "/sessions/" + url.PathEscape(id) + ":sendMessage"
	body := map[string]string{"prompt": prompt}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return errors.NewSessionError("failed to send message", err).WithSessionID(id)
	}
	return nil
}

var errNotFound = errors.New("resource not found")

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
