package repo_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"workflowmgr/internal/db"
	"workflowmgr/internal/domain"
	"workflowmgr/internal/migrate"
	"workflowmgr/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "wf.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, ctx
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func seedWorkflow(t *testing.T, r repo.Repo, ctx context.Context) domain.Workflow {
	t.Helper()
	w := domain.Workflow{
		ID: "wf-1", Name: "Board", OwnerID: "alice", CreatedAt: t0,
		Members: []domain.Member{{UID: "bob", Email: "bob@x.io", Name: "Bob", Role: domain.RoleDeveloper, AddedAt: t0}},
	}
	if err := r.InsertWorkflow(ctx, w); err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	return w
}

func TestWorkflowRoundTripAndListing(t *testing.T) {
	r, ctx := newRepo(t)
	seedWorkflow(t, r, ctx)
	other := domain.Workflow{ID: "wf-2", Name: "Other", OwnerID: "carol", CreatedAt: t0.Add(time.Hour)}
	if err := r.InsertWorkflow(ctx, other); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.OwnerID != "alice" || len(got.Members) != 1 || got.Members[0].Role != domain.RoleDeveloper {
		t.Fatalf("unexpected workflow: %+v", got)
	}
	if _, err := r.GetWorkflow(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for uid, want := range map[string]int{"alice": 1, "bob": 1, "carol": 1, "dave": 0} {
		list, err := r.ListWorkflowsForUser(ctx, uid)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != want {
			t.Fatalf("%s: expected %d workflows, got %d", uid, want, len(list))
		}
	}
	if err := r.InsertWorkflow(ctx, other); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestMemberOps(t *testing.T) {
	r, ctx := newRepo(t)
	seedWorkflow(t, r, ctx)

	carol := domain.Member{UID: "carol", Email: "carol@x.io", Name: "Carol", Role: domain.RoleViewer, AddedAt: t0}
	w, err := r.UpdateWorkflow(ctx, "wf-1", repo.AppendUniqueBy("members", "uid", carol))
	if err != nil {
		t.Fatal(err)
	}
	if len(w.Members) != 2 || w.Members[1].UID != "carol" {
		t.Fatalf("unexpected members: %+v", w.Members)
	}
	if _, err := r.UpdateWorkflow(ctx, "wf-1", repo.AppendUniqueBy("members", "uid", carol)); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	w, err = r.UpdateWorkflow(ctx, "wf-1", repo.UpdateWhere("members", "uid", "bob", "role", domain.RoleProjectManager))
	if err != nil {
		t.Fatal(err)
	}
	if w.Members[0].Role != domain.RoleProjectManager || !w.Members[0].AddedAt.Equal(t0) {
		t.Fatalf("role change lost fields: %+v", w.Members[0])
	}
	if _, err := r.UpdateWorkflow(ctx, "wf-1", repo.UpdateWhere("members", "uid", "zed", "role", "viewer")); !errors.Is(err, repo.ErrNoMatch) {
		t.Fatalf("expected no match, got %v", err)
	}

	w, err = r.UpdateWorkflow(ctx, "wf-1", repo.RemoveWhere("members", "uid", "bob"))
	if err != nil {
		t.Fatal(err)
	}
	if len(w.Members) != 1 || w.Members[0].UID != "carol" {
		t.Fatalf("unexpected members after remove: %+v", w.Members)
	}
	if _, err := r.UpdateWorkflow(ctx, "wf-1", repo.RemoveWhere("members", "uid", "bob")); !errors.Is(err, repo.ErrNoMatch) {
		t.Fatalf("expected no match, got %v", err)
	}
}

func TestFailedOpLeavesDocumentUntouched(t *testing.T) {
	r, ctx := newRepo(t)
	seedWorkflow(t, r, ctx)
	_, err := r.UpdateWorkflow(ctx, "wf-1",
		repo.Set("name", "Renamed"),
		repo.RemoveWhere("members", "uid", "nobody"))
	if !errors.Is(err, repo.ErrNoMatch) {
		t.Fatalf("expected no match, got %v", err)
	}
	w, _ := r.GetWorkflow(ctx, "wf-1")
	if w.Name != "Board" {
		t.Fatalf("partial update written: %q", w.Name)
	}
}

func TestArrayUnionAndRemove(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.Insert(ctx, "notes", "n1", map[string]any{"tags": []string{"a"}}, t0); err != nil {
		t.Fatal(err)
	}
	d, err := r.Update(ctx, "notes", "n1", repo.ArrayUnion("tags", "a"), repo.ArrayUnion("tags", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if tags := d.Data["tags"].([]any); len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", tags)
	}
	d, err = r.Update(ctx, "notes", "n1", repo.ArrayRemove("tags", "a"))
	if err != nil {
		t.Fatal(err)
	}
	if tags := d.Data["tags"].([]any); len(tags) != 1 || tags[0] != "b" {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestExpectGuardsTaskAdvance(t *testing.T) {
	r, ctx := newRepo(t)
	task := domain.Task{
		ID: "t1", WorkflowID: "wf-1", Title: "x", Status: domain.StatusReport, CreatedAt: t0,
		History: []domain.StatusEvent{{Status: domain.StatusReport, Timestamp: t0}},
	}
	if err := r.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	advance := func() error {
		_, err := r.UpdateTask(ctx, "t1",
			repo.Expect("status", domain.StatusReport),
			repo.Set("status", domain.StatusInReflexion),
			repo.Append("history", domain.StatusEvent{Status: domain.StatusInReflexion, Timestamp: t0}))
		return err
	}
	if err := advance(); err != nil {
		t.Fatal(err)
	}
	if err := advance(); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := r.GetTask(ctx, "t1")
	if got.Status != domain.StatusInReflexion || len(got.History) != 2 {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestConcurrentAppendsAreKept(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertTask(ctx, domain.Task{ID: "t1", WorkflowID: "wf-1", Title: "x", Status: domain.StatusReport, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := domain.Comment{UID: "u", UserName: "U", Text: "hi", Timestamp: t0.Add(time.Duration(i))}
			if _, err := r.UpdateTask(ctx, "t1", repo.Append("comments", c)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	got, _ := r.GetTask(ctx, "t1")
	if len(got.Comments) != 10 {
		t.Fatalf("expected 10 comments, got %d", len(got.Comments))
	}
}

func TestListTasksInCreationOrder(t *testing.T) {
	r, ctx := newRepo(t)
	for i, id := range []string{"b", "a", "c"} {
		task := domain.Task{ID: id, WorkflowID: "wf-1", Title: id, Status: domain.StatusReport, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
		if err := r.InsertTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.InsertTask(ctx, domain.Task{ID: "z", WorkflowID: "wf-2", Title: "z", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	tasks, err := r.ListTasks(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 || tasks[0].ID != "b" || tasks[1].ID != "a" || tasks[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", tasks)
	}
}

func TestRedeemInviteOnce(t *testing.T) {
	r, ctx := newRepo(t)
	seedWorkflow(t, r, ctx)
	inv := domain.Invite{Token: "tok", WorkflowID: "wf-1", Email: "new@x.io", Role: domain.RoleViewer, InvitedBy: "alice", CreatedAt: t0}
	if err := r.InsertInvite(ctx, inv); err != nil {
		t.Fatal(err)
	}
	m := domain.Member{UID: "carol", Email: "new@x.io", Name: "Carol", Role: domain.RoleViewer, AddedAt: t0}
	admit := func(domain.Invite, domain.Workflow) (repo.Op, error) {
		return repo.AppendUniqueBy("members", "uid", m), nil
	}
	got, w, err := r.RedeemInvite(ctx, "tok", admit)
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "tok" || got.Role != domain.RoleViewer || got.WorkflowID != "wf-1" {
		t.Fatalf("unexpected invite %+v", got)
	}
	if len(w.Members) != 2 || w.Members[1].UID != "carol" {
		t.Fatalf("unexpected members %+v", w.Members)
	}
	got, _, err = r.RedeemInvite(ctx, "tok", admit)
	if !errors.Is(err, repo.ErrNotFound) || got.Token != "" {
		t.Fatalf("expected not found, got %+v %v", got, err)
	}
}

func TestRedeemInviteRefusedStillConsumes(t *testing.T) {
	r, ctx := newRepo(t)
	seedWorkflow(t, r, ctx)
	if err := r.InsertInvite(ctx, domain.Invite{Token: "tok", WorkflowID: "wf-1", Email: "bob@x.io", Role: domain.RoleViewer, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	refused := errors.New("refused")
	_, _, err := r.RedeemInvite(ctx, "tok", func(domain.Invite, domain.Workflow) (repo.Op, error) {
		return nil, refused
	})
	if !errors.Is(err, refused) {
		t.Fatalf("expected admit error, got %v", err)
	}
	if _, err := r.GetInvite(ctx, "tok"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected invite consumed, got %v", err)
	}
	w, err := r.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(w.Members) != 1 {
		t.Fatalf("workflow changed: %+v", w.Members)
	}
}

func TestRedeemInviteKeptWhenWorkflowUpdateFails(t *testing.T) {
	r, ctx := newRepo(t)
	seedWorkflow(t, r, ctx)
	if err := r.InsertInvite(ctx, domain.Invite{Token: "tok", WorkflowID: "wf-1", Email: "bob@x.io", Role: domain.RoleViewer, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	dup := domain.Member{UID: "bob", Email: "bob@x.io", Role: domain.RoleViewer, AddedAt: t0}
	_, _, err := r.RedeemInvite(ctx, "tok", func(domain.Invite, domain.Workflow) (repo.Op, error) {
		return repo.AppendUniqueBy("members", "uid", dup), nil
	})
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := r.GetInvite(ctx, "tok"); err != nil {
		t.Fatalf("invite lost after failed update: %v", err)
	}

	if err := r.InsertInvite(ctx, domain.Invite{Token: "orphan", WorkflowID: "gone", Email: "x@x.io", Role: domain.RoleViewer, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	inv, _, err := r.RedeemInvite(ctx, "orphan", func(domain.Invite, domain.Workflow) (repo.Op, error) {
		t.Fatal("admit called without a workflow")
		return nil, nil
	})
	if !errors.Is(err, repo.ErrNotFound) || inv.Token != "orphan" {
		t.Fatalf("expected workflow not found, got %+v %v", inv, err)
	}
	if _, err := r.GetInvite(ctx, "orphan"); err != nil {
		t.Fatalf("invite lost after missing workflow: %v", err)
	}
}

func TestProfilesByEmail(t *testing.T) {
	r, ctx := newRepo(t)
	p := domain.Profile{ID: "u1", Name: "Ann", Email: "Ann@X.io", Role: "member", CreatedAt: t0}
	if err := r.PutProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := r.FindProfileByEmail(ctx, " ann@x.io ")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "u1" || got.Email != "ann@x.io" {
		t.Fatalf("unexpected profile %+v", got)
	}
	if _, err := r.FindProfileByEmail(ctx, "nobody@x.io"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCredentialsAndRevocation(t *testing.T) {
	r, ctx := newRepo(t)
	c := domain.Credential{UserID: "u1", Email: "a@x.io", PasswordHash: "hash", CreatedAt: t0}
	if err := r.InsertCredential(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.UserID = "u2"
	if err := r.InsertCredential(ctx, c); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	got, err := r.GetCredentialByEmail(ctx, "A@x.io")
	if err != nil || got.UserID != "u1" {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	if err := r.DeleteCredential(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetCredential(ctx, "u1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deleted, got %v", err)
	}
	if err := r.InsertCredential(ctx, c); err != nil {
		t.Fatalf("address not freed: %v", err)
	}

	if err := r.RevokeToken(ctx, "jti-1", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	revoked, err := r.IsTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v %v", revoked, err)
	}
	n, err := r.PurgeRevokedTokens(ctx, t0.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge: %d %v", n, err)
	}
}
