package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"workflowmgr/internal/domain"
	"workflowmgr/internal/repo"
)

var (
	ErrEmailInUse         = errors.New("email already in use")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("weak password")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNetworkFailure     = errors.New("identity backend unreachable")
	ErrUnknown            = errors.New("identity failure")
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

const DefaultTTL = 24 * time.Hour

// Message returns the user-facing (French) message for an identity error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrEmailInUse):
		return "Cette adresse email est déjà utilisée"
	case errors.Is(err, ErrInvalidEmail):
		return "Adresse email invalide"
	case errors.Is(err, ErrWeakPassword):
		return "Le mot de passe doit contenir au moins 6 caractères"
	case errors.Is(err, ErrInvalidCredentials):
		return "Email ou mot de passe incorrect"
	case errors.Is(err, ErrNetworkFailure):
		return "Erreur de connexion. Vérifiez votre connexion internet"
	default:
		return "Une erreur est survenue. Veuillez réessayer"
	}
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type registration struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

// Provider is the password identity backend. Sessions are HS256 JWTs; a
// signed-out token is remembered by id until it expires.
type Provider struct {
	Repo     repo.Repo
	Secret   []byte
	TTL      time.Duration
	Now      func() time.Time
	validate *validator.Validate
}

func New(r repo.Repo, secret string, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		Repo:     r,
		Secret:   []byte(secret),
		TTL:      ttl,
		Now:      func() time.Time { return time.Now().UTC() },
		validate: validator.New(),
	}
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// classify maps storage failures to the identity taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
}

func (p *Provider) checkRegistration(email, password string) error {
	if p.validate == nil {
		p.validate = validator.New()
	}
	err := p.validate.Struct(registration{Email: email, Password: password})
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, fe := range verrs {
		if fe.Field() == "Email" {
			return ErrInvalidEmail
		}
	}
	return ErrWeakPassword
}

// Register creates a credential and returns the new user.
func (p *Provider) Register(ctx context.Context, email, password, displayName string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := p.checkRegistration(email, password); err != nil {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: hash password: %v", ErrUnknown, err)
	}
	cred := domain.Credential{
		UserID:       uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		CreatedAt:    p.now(),
	}
	if err := p.Repo.InsertCredential(ctx, cred); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.User{}, ErrEmailInUse
		}
		return domain.User{}, classify(err)
	}
	return domain.User{ID: cred.UserID, Email: cred.Email, DisplayName: cred.DisplayName}, nil
}

// SignIn checks the password and issues a session token.
func (p *Provider) SignIn(ctx context.Context, email, password string) (domain.Session, error) {
	cred, err := p.Repo.GetCredentialByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.Session{}, classify(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return domain.Session{}, ErrInvalidCredentials
	}
	user := domain.User{ID: cred.UserID, Email: cred.Email, DisplayName: cred.DisplayName}
	now := p.now()
	expiresAt := now.Add(p.TTL)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: user.Email,
		Name:  user.DisplayName,
	}
	if len(p.Secret) == 0 {
		return domain.Session{}, fmt.Errorf("%w: signing secret not configured", ErrUnknown)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.Secret)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: sign token: %v", ErrUnknown, err)
	}
	return domain.Session{Token: signed, ExpiresAt: expiresAt, User: user}, nil
}

func (p *Provider) parse(token string) (*claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if len(p.Secret) == 0 {
			return nil, errors.New("signing secret not configured")
		}
		return p.Secret, nil
	}, jwt.WithTimeFunc(p.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return nil, domain.ErrUnauthenticated
	}
	return c, nil
}

// CurrentUser resolves a session token to its user. The token's subject must
// still have a login.
func (p *Provider) CurrentUser(ctx context.Context, token string) (domain.User, error) {
	c, err := p.parse(token)
	if err != nil {
		return domain.User{}, err
	}
	revoked, err := p.Repo.IsTokenRevoked(ctx, c.ID)
	if err != nil {
		return domain.User{}, classify(err)
	}
	if revoked {
		return domain.User{}, fmt.Errorf("%w: session signed out", domain.ErrUnauthenticated)
	}
	cred, err := p.Repo.GetCredential(ctx, c.Subject)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, fmt.Errorf("%w: unknown account", domain.ErrUnauthenticated)
	}
	if err != nil {
		return domain.User{}, classify(err)
	}
	return domain.User{ID: cred.UserID, Email: cred.Email, DisplayName: cred.DisplayName}, nil
}

// SignOut revokes the session. Signing out an invalid token is an error.
func (p *Provider) SignOut(ctx context.Context, token string) error {
	c, err := p.parse(token)
	if err != nil {
		return err
	}
	if err := p.Repo.RevokeToken(ctx, c.ID, c.ExpiresAt.Time); err != nil {
		return classify(err)
	}
	if _, err := p.Repo.PurgeRevokedTokens(ctx, p.now()); err != nil {
		return classify(err)
	}
	return nil
}
