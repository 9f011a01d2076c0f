package workflowsdk

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
)

// Client is a minimal Workflow Manager HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type Session struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	User           User      `json:"user"`
	InviteRedeemed bool      `json:"invite_redeemed,omitempty"`
	WorkflowID     string    `json:"workflow_id,omitempty"`
}

type Member struct {
	UID     string    `json:"uid"`
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	Role    string    `json:"role"`
	AddedAt time.Time `json:"added_at"`
}

type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
	// Set by GetWorkflow only.
	OwnerName   string          `json:"owner_name,omitempty"`
	Role        string          `json:"role,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

type Comment struct {
	UID       string    `json:"uid"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusEvent struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Task struct {
	ID          string        `json:"id"`
	WorkflowID  string        `json:"workflow_id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	AssignedTo  string        `json:"assigned_to"`
	Comments    []Comment     `json:"comments"`
	History     []StatusEvent `json:"history"`
	CreatedAt   time.Time     `json:"created_at"`
}

// InviteResult tells whether the user was added or mailed an invite.
type InviteResult struct {
	Outcome     string  `json:"outcome"`
	Member      *Member `json:"member,omitempty"`
	InviteToken string  `json:"invite_token,omitempty"`
	Link        string  `json:"link,omitempty"`
}

type Redemption struct {
	WorkflowID string `json:"workflow_id"`
	Member     Member `json:"member"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates an account. A non-empty inviteToken is redeemed on success.
// The returned token is kept on the client.
func (c *Client) Register(ctx context.Context, email, password, name, inviteToken string) (Session, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"name":     name,
	}
	if inviteToken != "" {
		body["invite_token"] = inviteToken
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/register", body, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// Login signs in and keeps the session token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp); err != nil {
		return Session{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil); err != nil {
		return err
	}
	c.BearerToken = ""
	return nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// ListWorkflows returns workflows the caller owns or belongs to, filtered by name when query is set.
func (c *Client) ListWorkflows(ctx context.Context, query string) ([]Workflow, error) {
	endpoint := "workflows"
	if query != "" {
		endpoint += "?q=" + url.QueryEscape(query)
	}
	var resp struct {
		Items []Workflow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateWorkflow(ctx context.Context, name string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "workflows", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, workflowID string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("workflows/%s/tasks", url.PathEscape(workflowID)), nil, &resp)
	return resp.Items, err
}

// CreateTask creates a task in the report stage. An empty assignee means the caller.
func (c *Client) CreateTask(ctx context.Context, workflowID, title, description, assignedTo string) (Task, error) {
	body := map[string]any{"title": title}
	if description != "" {
		body["description"] = description
	}
	if assignedTo != "" {
		body["assigned_to"] = assignedTo
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%s/tasks", url.PathEscape(workflowID)), body, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) AdvanceTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/advance", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) AddComment(ctx context.Context, taskID, text string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/comments", url.PathEscape(taskID)), map[string]any{"text": text}, &resp)
	return resp, err
}

func (c *Client) InviteMember(ctx context.Context, workflowID, email, role string) (InviteResult, error) {
	var resp InviteResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%s/members", url.PathEscape(workflowID)),
		map[string]any{"email": email, "role": role}, &resp)
	return resp, err
}

func (c *Client) ChangeMemberRole(ctx context.Context, workflowID, uid, role string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("workflows/%s/members/%s", url.PathEscape(workflowID), url.PathEscape(uid)),
		map[string]any{"role": role}, &resp)
	return resp, err
}

func (c *Client) RemoveMember(ctx context.Context, workflowID, uid string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("workflows/%s/members/%s", url.PathEscape(workflowID), url.PathEscape(uid)), nil, &resp)
	return resp, err
}

func (c *Client) RedeemInvite(ctx context.Context, token string) (Redemption, error) {
	var resp Redemption
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("invites/%s/redeem", url.PathEscape(token)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
