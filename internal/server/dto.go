package server

import (
	"time"

	"workflowmgr/internal/domain"
	"workflowmgr/internal/engine"
	"workflowmgr/internal/engine/auth"
)

// Request payloads

type RegisterRequest struct {
	Email       string `json:"email" example:"ada@example.com"`
	Password    string `json:"password"`
	Name        string `json:"name,omitempty"`
	InviteToken string `json:"invite_token,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" example:"ada@example.com"`
	Password string `json:"password"`
}

type CreateWorkflowRequest struct {
	Name string `json:"name" example:"Site vitrine"`
}

type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

type InviteMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role" enum:"project_manager,developer,viewer"`
}

type ChangeRoleRequest struct {
	Role string `json:"role" enum:"project_manager,developer,viewer"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

// Responses

type UserResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type SessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      UserResponse `json:"user"`
}

type RegisterResponse struct {
	SessionResponse
	InviteRedeemed bool   `json:"invite_redeemed"`
	WorkflowID     string `json:"workflow_id,omitempty"`
}

type MemberResponse struct {
	UID     string    `json:"uid"`
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	Role    string    `json:"role"`
	AddedAt time.Time `json:"added_at"`
}

type WorkflowResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	OwnerID   string           `json:"owner_id"`
	Members   []MemberResponse `json:"members"`
	CreatedAt time.Time        `json:"created_at"`
}

type WorkflowDetailResponse struct {
	WorkflowResponse
	OwnerName   string           `json:"owner_name,omitempty"`
	Role        string           `json:"role"`
	Permissions auth.Permissions `json:"permissions"`
}

type WorkflowListResponse struct {
	Items []WorkflowResponse `json:"items"`
}

type CommentResponse struct {
	UID       string    `json:"uid"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusEventResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type TaskResponse struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Status      string                `json:"status" enum:"report,in_reflexion,in_progress,done"`
	AssignedTo  string                `json:"assigned_to"`
	Comments    []CommentResponse     `json:"comments"`
	History     []StatusEventResponse `json:"history"`
	CreatedAt   time.Time             `json:"created_at"`
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
}

type InviteMemberResponse struct {
	Outcome     string          `json:"outcome" enum:"added_directly,invitation_sent"`
	Member      *MemberResponse `json:"member,omitempty"`
	InviteToken string          `json:"invite_token,omitempty"`
	Link        string          `json:"link,omitempty"`
}

type RedeemResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Member     MemberResponse `json:"member"`
}

// Mapping

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{Token: s.Token, ExpiresAt: s.ExpiresAt, User: userResponse(s.User)}
}

func memberResponse(m domain.Member) MemberResponse {
	return MemberResponse{UID: m.UID, Email: m.Email, Name: m.Name, Role: string(m.Role), AddedAt: m.AddedAt}
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	members := make([]MemberResponse, 0, len(w.Members))
	for _, m := range w.Members {
		members = append(members, memberResponse(m))
	}
	return WorkflowResponse{ID: w.ID, Name: w.Name, OwnerID: w.OwnerID, Members: members, CreatedAt: w.CreatedAt}
}

func workflowDetailResponse(v engine.WorkflowView) WorkflowDetailResponse {
	return WorkflowDetailResponse{
		WorkflowResponse: workflowResponse(v.Workflow),
		OwnerName:        v.OwnerName,
		Role:             string(v.Role),
		Permissions:      v.Permissions,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	comments := make([]CommentResponse, 0, len(t.Comments))
	for _, c := range t.Comments {
		comments = append(comments, CommentResponse{UID: c.UID, UserName: c.UserName, Text: c.Text, Timestamp: c.Timestamp})
	}
	history := make([]StatusEventResponse, 0, len(t.History))
	for _, h := range t.History {
		history = append(history, StatusEventResponse{Status: string(h.Status), Timestamp: h.Timestamp})
	}
	return TaskResponse{
		ID:          t.ID,
		WorkflowID:  t.WorkflowID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		AssignedTo:  t.AssignedTo,
		Comments:    comments,
		History:     history,
		CreatedAt:   t.CreatedAt,
	}
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	out := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workflowResponse(w))
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}
