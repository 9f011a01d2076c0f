package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"go.uber.org/zap"
)

// ErrDelivery wraps every failure to hand a message to the relay.
var ErrDelivery = errors.New("mail delivery failed")

// Invitation is the data needed to invite someone to a workflow.
type Invitation struct {
	To          string
	Name        string
	ProjectName string
	Link        string
}

type Sender interface {
	SendInvite(ctx context.Context, inv Invitation) error
}

const defaultGreeting = "Utilisateur"

var inviteTemplate = template.Must(template.New("invite").Parse(`<p>Bonjour {{.Name}},</p>
<p>Vous êtes invité à rejoindre le projet <strong>{{.ProjectName}}</strong> sur Workflow Manager.</p>
<p>Cliquez sur ce lien pour rejoindre ou créer votre compte :</p>
<a href="{{.Link}}" style="background:#2563eb;color:white;padding:10px 15px;border-radius:5px;text-decoration:none;">Rejoindre le projet</a>
<p>Si vous n'avez pas de compte, le lien vous permettra de vous inscrire puis d'accéder au projet.</p>
`))

// RenderInvite returns the subject and HTML body of an invitation.
func RenderInvite(inv Invitation) (subject, body string, err error) {
	if inv.Name == "" {
		inv.Name = defaultGreeting
	}
	var buf bytes.Buffer
	if err := inviteTemplate.Execute(&buf, inv); err != nil {
		return "", "", fmt.Errorf("render invite: %w", err)
	}
	return `Invitation à rejoindre le projet "` + inv.ProjectName + `"`, buf.String(), nil
}

// LogSender writes the invitation link to the log instead of mailing it.
// It is used when no relay is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) SendInvite(ctx context.Context, inv Invitation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	subject, _, err := RenderInvite(inv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("invitation not mailed, no relay configured",
		zap.String("to", inv.To),
		zap.String("subject", subject),
		zap.String("link", inv.Link),
	)
	return nil
}
