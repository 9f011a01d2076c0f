package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"workflowmgr/internal/config"
	"workflowmgr/internal/db"
	"workflowmgr/internal/domain"
	"workflowmgr/internal/engine"
	"workflowmgr/internal/identity"
	"workflowmgr/internal/mail"
	"workflowmgr/internal/metrics"
	"workflowmgr/internal/migrate"
	"workflowmgr/internal/repo"
)

// App holds the collaborators built from one config.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Identity *identity.Provider
	Mailer   mail.Sender
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Engine   engine.Engine
}

// Build opens and migrates the database and wires the engine.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	idp := identity.New(r, cfg.Auth.Secret, cfg.Auth.SessionTTL)
	m := metrics.New("workflowmgr")
	mailer := NewMailer(cfg.Mail, logger)

	e := engine.New(conn, idp, mailer, cfg.Server.Origin)
	e.Logger = logger
	e.Metrics = m

	return &App{
		Config:   cfg,
		DB:       conn,
		Repo:     r,
		Identity: idp,
		Mailer:   mailer,
		Metrics:  m,
		Logger:   logger,
		Engine:   e,
	}, nil
}

// NewMailer returns an SMTP relay behind a circuit breaker, or a sender
// that only logs links when no relay host is configured.
func NewMailer(cfg config.MailConfig, logger *zap.Logger) mail.Sender {
	if !cfg.Enabled() {
		return mail.LogSender{Logger: logger}
	}
	smtpSender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		FromName: cfg.FromName,
	}, logger)
	return mail.NewBreaker(smtpSender, mail.BreakerSettings{}, logger)
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// ResolveActor finds the registered user acting from the command line.
func (a *App) ResolveActor(ctx context.Context, email string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, fmt.Errorf("acting user required; pass --as <email>")
	}
	cred, err := a.Repo.GetCredentialByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, fmt.Errorf("no registered user %s", email)
		}
		return domain.User{}, err
	}
	user := domain.User{ID: cred.UserID, Email: cred.Email, DisplayName: cred.DisplayName}
	if p, err := a.Repo.GetProfile(ctx, cred.UserID); err == nil && p.Name != "" {
		user.DisplayName = p.Name
	}
	return user, nil
}
