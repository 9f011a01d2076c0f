package engine

import (
	"strings"
	"time"

	"workflowmgr/internal/domain"
)

const anonymousName = "Utilisateur"

// NewComment builds a comment by author. Any signed-in user may comment.
func NewComment(author *domain.User, text string, now time.Time) (domain.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Comment{}, domain.ValidationError{Field: "text", Reason: "is required"}
	}
	if author == nil || author.ID == "" {
		return domain.Comment{}, domain.ErrUnauthenticated
	}
	name := author.DisplayName
	if name == "" {
		name = author.Email
	}
	if name == "" {
		name = anonymousName
	}
	return domain.Comment{UID: author.ID, UserName: name, Text: text, Timestamp: now.UTC()}, nil
}

// AddComment appends a comment to t. Timestamps strictly increase within a
// task, so repeated identical texts stay distinguishable.
func AddComment(t domain.Task, author *domain.User, text string, now time.Time) (domain.Task, error) {
	c, err := NewComment(author, text, now)
	if err != nil {
		return t, err
	}
	if n := len(t.Comments); n > 0 {
		if last := t.Comments[n-1].Timestamp; !c.Timestamp.After(last) {
			c.Timestamp = last.Add(time.Nanosecond)
		}
	}
	comments := make([]domain.Comment, len(t.Comments), len(t.Comments)+1)
	copy(comments, t.Comments)
	t.Comments = append(comments, c)
	return t, nil
}
