package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workflowmgr/internal/domain"
	"workflowmgr/internal/engine/auth"
	"workflowmgr/internal/identity"
	"workflowmgr/internal/mail"
	"workflowmgr/internal/metrics"
	"workflowmgr/internal/repo"
)

// Identity is the account backend the engine delegates to.
type Identity interface {
	Register(ctx context.Context, email, password, displayName string) (domain.User, error)
	SignIn(ctx context.Context, email, password string) (domain.Session, error)
	CurrentUser(ctx context.Context, token string) (domain.User, error)
	SignOut(ctx context.Context, token string) error
}

// Engine is the write boundary. Every mutation loads the current workflow,
// resolves the caller's role itself and applies the rules before writing.
type Engine struct {
	Repo     repo.Repo
	Identity Identity
	Mailer   mail.Sender
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// Origin is the public URL invitation links point to.
	Origin   string
	Now      func() time.Time
	NewToken func() string
}

func New(db *sql.DB, identity Identity, mailer mail.Sender, origin string) Engine {
	return Engine{
		Repo:     repo.Repo{DB: db},
		Identity: identity,
		Mailer:   mailer,
		Logger:   zap.NewNop(),
		Origin:   origin,
		Now:      time.Now,
		NewToken: uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) token() string {
	if e.NewToken != nil {
		return e.NewToken()
	}
	return uuid.NewString()
}

// done records the outcome of op and logs collaborator failures. Rule
// violations are expected and are not logged as errors.
func (e Engine) done(op string, err error, fields ...zap.Field) {
	e.Metrics.RecordOperation(op, err)
	if err == nil || isRuleError(err) {
		return
	}
	e.log().Error(op+" failed", append(fields, zap.Error(err))...)
}

func isRuleError(err error) bool {
	for _, target := range []error{
		domain.ErrPermissionDenied, domain.ErrValidation, domain.ErrUnauthenticated,
		domain.ErrAlreadyMember, domain.ErrInvalidTarget, domain.ErrTerminalState,
		domain.ErrInviteNotFound, repo.ErrNotFound, repo.ErrConflict,
		identity.ErrEmailInUse, identity.ErrInvalidEmail, identity.ErrWeakPassword,
		identity.ErrInvalidCredentials,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func requireActor(actor domain.User) error {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.ErrUnauthenticated
	}
	return nil
}

// CreateWorkflow creates a workflow owned by actor with no members.
func (e Engine) CreateWorkflow(ctx context.Context, actor domain.User, name string) (w domain.Workflow, err error) {
	defer func() { e.done("create_workflow", err, zap.String("actor", actor.ID)) }()
	if err := requireActor(actor); err != nil {
		return domain.Workflow{}, err
	}
	w, err = NewWorkflow(e.token(), name, actor.ID, nil, e.now())
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Repo.InsertWorkflow(ctx, w); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return w, nil
}

// WorkflowView is a workflow as seen by one caller.
type WorkflowView struct {
	Workflow    domain.Workflow
	Role        domain.Role
	Permissions auth.Permissions
	OwnerName   string
}

// GetWorkflow returns the workflow with the caller's role. Non-members can
// read and resolve to viewer.
func (e Engine) GetWorkflow(ctx context.Context, actor domain.User, id string) (WorkflowView, error) {
	if err := requireActor(actor); err != nil {
		return WorkflowView{}, err
	}
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return WorkflowView{}, err
	}
	role := auth.ResolveRole(w, actor.ID)
	view := WorkflowView{Workflow: w, Role: role, Permissions: auth.PermissionsFor(role)}
	if p, err := e.Repo.GetProfile(ctx, w.OwnerID); err == nil {
		view.OwnerName = p.Name
		if view.OwnerName == "" {
			view.OwnerName = p.Email
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return WorkflowView{}, err
	}
	return view, nil
}

// ListWorkflows returns the workflows actor owns or belongs to, newest
// first. A non-empty query keeps names containing it, ignoring case.
func (e Engine) ListWorkflows(ctx context.Context, actor domain.User, query string) ([]domain.Workflow, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	all, err := e.Repo.ListWorkflowsForUser(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return all, nil
	}
	out := make([]domain.Workflow, 0, len(all))
	for _, w := range all {
		if strings.Contains(strings.ToLower(w.Name), query) {
			out = append(out, w)
		}
	}
	return out, nil
}

// RoleFor resolves userID's role on a stored workflow.
func (e Engine) RoleFor(ctx context.Context, workflowID, userID string) (domain.Role, error) {
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return auth.ResolveRole(w, userID), nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	WorkflowID  string
	Title       string
	Description string
	// AssignedTo defaults to the creator.
	AssignedTo string
}

func (e Engine) CreateTask(ctx context.Context, actor domain.User, opts TaskCreateOptions) (t domain.Task, err error) {
	defer func() { e.done("create_task", err, zap.String("workflow_id", opts.WorkflowID)) }()
	if err := requireActor(actor); err != nil {
		return domain.Task{}, err
	}
	w, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err = NewTask(NewTaskInput{
		ID:          e.token(),
		WorkflowID:  w.ID,
		Title:       opts.Title,
		Description: opts.Description,
		AssignedTo:  opts.AssignedTo,
		CreatorID:   actor.ID,
	}, auth.ResolveRole(w, actor.ID), e.now())
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, actor domain.User, id string) (domain.Task, error) {
	if err := requireActor(actor); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, id)
}

// ListTasks returns a workflow's tasks in creation order.
func (e Engine) ListTasks(ctx context.Context, actor domain.User, workflowID string) ([]domain.Task, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, workflowID)
}

// AdvanceTask moves a task one stage forward. The write only succeeds if the
// stored status is still the one the transition was computed from; a lost
// race returns repo.ErrConflict.
func (e Engine) AdvanceTask(ctx context.Context, actor domain.User, taskID string) (t domain.Task, err error) {
	defer func() { e.done("advance_task", err, zap.String("task_id", taskID)) }()
	if err := requireActor(actor); err != nil {
		return domain.Task{}, err
	}
	cur, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	w, err := e.Repo.GetWorkflow(ctx, cur.WorkflowID)
	if err != nil {
		return domain.Task{}, err
	}
	next, err := AdvanceStatus(cur, auth.ResolveRole(w, actor.ID), e.now())
	if err != nil {
		return domain.Task{}, err
	}
	event := next.History[len(next.History)-1]
	return e.Repo.UpdateTask(ctx, taskID,
		repo.Expect("status", cur.Status),
		repo.Set("status", next.Status),
		repo.Append("history", event),
	)
}

// AddComment appends a comment by actor. No role is required.
func (e Engine) AddComment(ctx context.Context, actor domain.User, taskID, text string) (t domain.Task, err error) {
	defer func() { e.done("add_comment", err, zap.String("task_id", taskID)) }()
	var author *domain.User
	if actor.ID != "" {
		a := actor
		if a.DisplayName == "" {
			if p, err := e.Repo.GetProfile(ctx, a.ID); err == nil {
				a.DisplayName = p.Name
			}
		}
		author = &a
	}
	if _, err := NewComment(author, text, e.now()); err != nil {
		return domain.Task{}, err
	}
	cur, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	next, err := AddComment(cur, author, text, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	return e.Repo.UpdateTask(ctx, taskID, repo.Append("comments", next.Comments[len(next.Comments)-1]))
}

type InviteOutcome string

const (
	OutcomeAddedDirectly  InviteOutcome = "added_directly"
	OutcomeInvitationSent InviteOutcome = "invitation_sent"
)

// InviteResult reports what InviteMember did. Member is set for
// OutcomeAddedDirectly, Invite and Link for OutcomeInvitationSent.
type InviteResult struct {
	Outcome InviteOutcome
	Member  domain.Member
	Invite  domain.Invite
	Link    string
}

// InviteMember adds an existing account directly, or stores an invite and
// mails its link. If the mail cannot be delivered the invite is removed
// again and the delivery error is returned.
func (e Engine) InviteMember(ctx context.Context, actor domain.User, workflowID, email string, role domain.Role) (res InviteResult, err error) {
	defer func() {
		e.done("invite_member", err, zap.String("workflow_id", workflowID))
		if err == nil {
			e.Metrics.RecordInvite(string(res.Outcome))
		}
	}()
	if err := requireActor(actor); err != nil {
		return InviteResult{}, err
	}
	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return InviteResult{}, err
	}
	email, err = CheckInvite(w, email, role, auth.ResolveRole(w, actor.ID))
	if err != nil {
		return InviteResult{}, err
	}

	p, err := e.Repo.FindProfileByEmail(ctx, email)
	switch {
	case err == nil:
		m := MemberFromProfile(p, role, e.now())
		if _, err := AddMember(w, m); err != nil {
			return InviteResult{}, err
		}
		if _, err := e.Repo.UpdateWorkflow(ctx, w.ID, repo.AppendUniqueBy("members", "uid", m)); err != nil {
			return InviteResult{}, storeError(err)
		}
		e.log().Info("member added", zap.String("workflow_id", w.ID), zap.String("uid", m.UID), zap.String("role", string(role)))
		return InviteResult{Outcome: OutcomeAddedDirectly, Member: m}, nil
	case !errors.Is(err, repo.ErrNotFound):
		return InviteResult{}, err
	}

	inv := domain.Invite{
		Token:      e.token(),
		WorkflowID: w.ID,
		Email:      email,
		Role:       role,
		InvitedBy:  actor.ID,
		CreatedAt:  e.now(),
	}
	if err := e.Repo.InsertInvite(ctx, inv); err != nil {
		return InviteResult{}, fmt.Errorf("insert invite: %w", err)
	}
	link := InviteLink(e.Origin, inv.Token, w.ID, role)
	if e.Mailer == nil {
		err = fmt.Errorf("%w: no mailer configured", mail.ErrDelivery)
	} else {
		err = e.Mailer.SendInvite(ctx, mail.Invitation{To: email, ProjectName: w.Name, Link: link})
	}
	if err != nil {
		if derr := e.Repo.DeleteInvite(context.WithoutCancel(ctx), inv.Token); derr != nil {
			e.log().Error("invite rollback failed", zap.String("token", inv.Token), zap.Error(derr))
		}
		return InviteResult{}, err
	}
	return InviteResult{Outcome: OutcomeInvitationSent, Invite: inv, Link: link}, nil
}

// Redemption is the membership granted by an invite.
type Redemption struct {
	WorkflowID string
	Member     domain.Member
}

// RedeemInvite consumes token and adds user to the invite's workflow with
// the invited role. A token can be redeemed once.
func (e Engine) RedeemInvite(ctx context.Context, token string, user domain.User) (r Redemption, err error) {
	defer func() { e.done("redeem_invite", err) }()
	if err := requireActor(user); err != nil {
		return Redemption{}, err
	}
	if strings.TrimSpace(token) == "" {
		return Redemption{}, domain.ErrInviteNotFound
	}
	name := user.DisplayName
	if name == "" {
		name = user.Email
	}
	var m domain.Member
	inv, _, err := e.Repo.RedeemInvite(ctx, token, func(inv domain.Invite, w domain.Workflow) (repo.Op, error) {
		role := inv.Role
		if !role.Assignable() {
			role = domain.RoleViewer
		}
		email := NormalizeEmail(user.Email)
		if email == "" {
			email = inv.Email
		}
		m = domain.Member{UID: user.ID, Email: email, Name: name, Role: role, AddedAt: e.now()}
		if _, err := AddMember(w, m); err != nil {
			return nil, err
		}
		return repo.AppendUniqueBy("members", "uid", m), nil
	})
	if errors.Is(err, repo.ErrNotFound) && inv.Token == "" {
		return Redemption{}, domain.ErrInviteNotFound
	}
	if err != nil {
		return Redemption{}, storeError(err)
	}
	e.log().Info("invite redeemed", zap.String("workflow_id", inv.WorkflowID), zap.String("uid", user.ID))
	return Redemption{WorkflowID: inv.WorkflowID, Member: m}, nil
}

// ChangeMemberRole replaces a member's role in place.
func (e Engine) ChangeMemberRole(ctx context.Context, actor domain.User, workflowID, uid string, role domain.Role) (w domain.Workflow, err error) {
	defer func() { e.done("change_member_role", err, zap.String("workflow_id", workflowID)) }()
	if err := requireActor(actor); err != nil {
		return domain.Workflow{}, err
	}
	w, err = e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if _, err := ChangeMemberRole(w, uid, role, auth.ResolveRole(w, actor.ID)); err != nil {
		return domain.Workflow{}, err
	}
	w, err = e.Repo.UpdateWorkflow(ctx, workflowID, repo.UpdateWhere("members", "uid", uid, "role", role))
	return w, storeError(err)
}

// RemoveMember drops a member from the workflow.
func (e Engine) RemoveMember(ctx context.Context, actor domain.User, workflowID, uid string) (w domain.Workflow, err error) {
	defer func() { e.done("remove_member", err, zap.String("workflow_id", workflowID)) }()
	if err := requireActor(actor); err != nil {
		return domain.Workflow{}, err
	}
	w, err = e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if _, err := RemoveMember(w, uid, auth.ResolveRole(w, actor.ID)); err != nil {
		return domain.Workflow{}, err
	}
	w, err = e.Repo.UpdateWorkflow(ctx, workflowID, repo.RemoveWhere("members", "uid", uid))
	return w, storeError(err)
}

// storeError maps array-op failures to the domain taxonomy.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrDuplicate):
		return domain.ErrAlreadyMember
	case errors.Is(err, repo.ErrNoMatch):
		return domain.ErrInvalidTarget
	}
	return err
}

// RegisterOptions are parameters for creating an account.
type RegisterOptions struct {
	Email       string
	Password    string
	Name        string
	InviteToken string
}

type RegisterResult struct {
	Session domain.Session
	Profile domain.Profile
	// InviteRedeemed is set when InviteToken granted a membership.
	InviteRedeemed bool
	WorkflowID     string
	Member         domain.Member
}

// Register creates the account, its profile, signs it in and redeems an
// optional invite. A missing or spent invite does not fail registration.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (res RegisterResult, err error) {
	defer func() {
		e.done("register", err)
		if err == nil {
			e.Metrics.RecordAuthEvent("register")
		}
	}()
	if e.Identity == nil {
		return RegisterResult{}, errors.New("identity provider not configured")
	}
	name := strings.TrimSpace(opts.Name)
	user, err := e.Identity.Register(ctx, opts.Email, opts.Password, name)
	if err != nil {
		return RegisterResult{}, err
	}
	profile := domain.Profile{ID: user.ID, Name: name, Email: user.Email, Role: "member", CreatedAt: e.now()}
	if err := e.Repo.PutProfile(ctx, profile); err != nil {
		if derr := e.Repo.DeleteCredential(context.WithoutCancel(ctx), user.ID); derr != nil {
			e.log().Error("credential rollback failed", zap.String("uid", user.ID), zap.Error(derr))
		}
		return RegisterResult{}, fmt.Errorf("store profile: %w", err)
	}
	res.Profile = profile

	if token := strings.TrimSpace(opts.InviteToken); token != "" {
		if r, err := e.RedeemInvite(ctx, token, user); err == nil {
			res.InviteRedeemed = true
			res.WorkflowID = r.WorkflowID
			res.Member = r.Member
		} else {
			e.log().Warn("invite not redeemed at registration", zap.String("uid", user.ID), zap.Error(err))
		}
	}

	res.Session, err = e.Identity.SignIn(ctx, opts.Email, opts.Password)
	if err != nil {
		return RegisterResult{}, err
	}
	return res, nil
}

func (e Engine) SignIn(ctx context.Context, email, password string) (s domain.Session, err error) {
	defer func() {
		e.done("sign_in", err)
		if err == nil {
			e.Metrics.RecordAuthEvent("login")
		} else {
			e.Metrics.RecordAuthEvent("login_failed")
		}
	}()
	if e.Identity == nil {
		return domain.Session{}, errors.New("identity provider not configured")
	}
	return e.Identity.SignIn(ctx, email, password)
}

func (e Engine) SignOut(ctx context.Context, token string) error {
	if e.Identity == nil {
		return errors.New("identity provider not configured")
	}
	err := e.Identity.SignOut(ctx, token)
	if err == nil {
		e.Metrics.RecordAuthEvent("logout")
	}
	return err
}

func (e Engine) CurrentUser(ctx context.Context, token string) (domain.User, error) {
	if e.Identity == nil {
		return domain.User{}, errors.New("identity provider not configured")
	}
	return e.Identity.CurrentUser(ctx, token)
}
