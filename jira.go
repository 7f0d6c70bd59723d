package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/time/rate"
)

// Project keys are uppercase alnum tokens starting with a letter,
// optionally followed by -<digits> (e.g. PROJ or PROJ-123).
var projectKeyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}(-\d+)?$`)

func IsValidProjectKey(key string) bool {
	return projectKeyRegex.MatchString(key)
}

// ExistingTicket is the slice of a tracker issue the duplicate detector
// needs: key plus the two text fields it scores against.
type ExistingTicket struct {
	Key         string
	Summary     string
	Description string
	URL         string
}

// TicketRequest is a create-issue call.
type TicketRequest struct {
	ProjectKey  string
	Summary     string
	Description string
	IssueType   string
	Priority    string
	Labels      []string
}

// CreatedIssue is the tracker's answer to a successful create.
type CreatedIssue struct {
	Key string
	URL string
}

// TicketClient is the issue-tracker collaborator boundary. The production
// implementation is JiraClient; tests substitute fakes.
type TicketClient interface {
	CreateIssue(ctx context.Context, req TicketRequest) (CreatedIssue, error)
	SearchRecentIssues(ctx context.Context, projectKey string, windowDays int) ([]ExistingTicket, error)
}

type jiraErrorKind int

const (
	jiraErrUnknown jiraErrorKind = iota
	jiraErrRateLimited
	jiraErrAuth
	jiraErrNotFound
	jiraErrServer
)

// jiraAPIError carries a typed kind derived from the HTTP status so
// callers never have to sniff message text.
type jiraAPIError struct {
	Kind   jiraErrorKind
	Status int
	Body   string
}

func (e *jiraAPIError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.Status, e.Body)
}

func (e *jiraAPIError) Retryable() bool {
	return e.Kind == jiraErrRateLimited || e.Kind == jiraErrServer
}

func classifyJiraStatus(status int, body string) error {
	kind := jiraErrUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = jiraErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = jiraErrAuth
	case status == http.StatusNotFound:
		kind = jiraErrNotFound
	case status >= 500:
		kind = jiraErrServer
	}
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return &jiraAPIError{Kind: kind, Status: status, Body: body}
}

// JiraClient talks to the Jira REST v2 API with basic auth, a client-side
// rate limiter, and the centralized retry policy for transient failures.
type JiraClient struct {
	baseURL  string
	username string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewJiraClient(cfg Config) *JiraClient {
	host := strings.TrimSuffix(cfg.JiraHost, "/")
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	return &JiraClient{
		baseURL:  host,
		username: cfg.JiraUsername,
		token:    cfg.JiraAPIToken,
		http:     externalHTTPClient,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (c *JiraClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyJiraStatus(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

type jiraCreateRequest struct {
	Fields jiraIssueFields `json:"fields"`
}

type jiraIssueFields struct {
	Project     jiraKeyRef   `json:"project"`
	Summary     string       `json:"summary"`
	Description string       `json:"description"`
	IssueType   jiraNameRef  `json:"issuetype"`
	Priority    *jiraNameRef `json:"priority,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
}

type jiraKeyRef struct {
	Key string `json:"key"`
}

type jiraNameRef struct {
	Name string `json:"name"`
}

type jiraCreateResponse struct {
	Key  string `json:"key"`
	Self string `json:"self"`
}

func (c *JiraClient) CreateIssue(ctx context.Context, req TicketRequest) (CreatedIssue, error) {
	if !IsValidProjectKey(req.ProjectKey) {
		return CreatedIssue{}, &InvalidProjectKeyError{Key: req.ProjectKey}
	}

	payload := jiraCreateRequest{
		Fields: jiraIssueFields{
			Project:     jiraKeyRef{Key: req.ProjectKey},
			Summary:     req.Summary,
			Description: req.Description,
			IssueType:   jiraNameRef{Name: req.IssueType},
			Labels:      req.Labels,
		},
	}
	if req.Priority != "" {
		payload.Fields.Priority = &jiraNameRef{Name: req.Priority}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CreatedIssue{}, fmt.Errorf("marshaling issue: %w", err)
	}

	var created jiraCreateResponse
	err = withRetry(ctx, func() error {
		respBody, callErr := c.do(ctx, http.MethodPost, "/rest/api/2/issue", body)
		if callErr != nil {
			return callErr
		}
		return json.Unmarshal(respBody, &created)
	})
	if err != nil {
		log.Printf("jira create error project=%s: %v", req.ProjectKey, err)
		return CreatedIssue{}, err
	}

	log.Printf("jira created key=%s project=%s", created.Key, req.ProjectKey)
	return CreatedIssue{
		Key: created.Key,
		URL: fmt.Sprintf("%s/browse/%s", c.baseURL, created.Key),
	}, nil
}

type jiraSearchResponse struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []jiraSearchIssue `json:"issues"`
}

type jiraSearchIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
	} `json:"fields"`
}

// SearchRecentIssues pages through issues created in the project within
// the last windowDays, newest first. Result order is the API's, which
// keeps duplicate tie-breaking stable within one fetch.
func (c *JiraClient) SearchRecentIssues(ctx context.Context, projectKey string, windowDays int) ([]ExistingTicket, error) {
	if !IsValidProjectKey(projectKey) {
		return nil, &InvalidProjectKeyError{Key: projectKey}
	}

	jql := fmt.Sprintf(`project = "%s" AND created >= -%dd ORDER BY created DESC`, projectKey, windowDays)
	var all []ExistingTicket
	startAt := 0
	const pageSize = 100

	for {
		path := fmt.Sprintf("/rest/api/2/search?jql=%s&fields=summary,description&maxResults=%d&startAt=%d",
			url.QueryEscape(jql), pageSize, startAt)

		var page jiraSearchResponse
		err := withRetry(ctx, func() error {
			respBody, callErr := c.do(ctx, http.MethodGet, path, nil)
			if callErr != nil {
				return callErr
			}
			return json.Unmarshal(respBody, &page)
		})
		if err != nil {
			return nil, err
		}

		for _, issue := range page.Issues {
			all = append(all, ExistingTicket{
				Key:         issue.Key,
				Summary:     issue.Fields.Summary,
				Description: issue.Fields.Description,
				URL:         fmt.Sprintf("%s/browse/%s", c.baseURL, issue.Key),
			})
		}

		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}

	log.Printf("jira search project=%s window=%dd total=%d", projectKey, windowDays, len(all))
	return all, nil
}
