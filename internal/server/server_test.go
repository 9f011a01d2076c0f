package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"workflowmgr/internal/db"
	"workflowmgr/internal/engine"
	"workflowmgr/internal/identity"
	"workflowmgr/internal/mail"
	"workflowmgr/internal/metrics"
	"workflowmgr/internal/migrate"
	"workflowmgr/internal/repo"
)

type outbox struct {
	mu   sync.Mutex
	sent []mail.Invitation
	err  error
}

func (o *outbox) SendInvite(_ context.Context, inv mail.Invitation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, inv)
	return nil
}

func (o *outbox) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *outbox) links() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.sent))
	for _, inv := range o.sent {
		out = append(out, inv.Link)
	}
	return out
}

type testServer struct {
	URL    string
	client *http.Client
	mail   *outbox
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "wf.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	box := &outbox{}
	idp := identity.New(repo.Repo{DB: conn}, "server-test-secret-0123", time.Hour)
	e := engine.New(conn, idp, box, "http://app.test")
	e.Metrics = metrics.New("wftest")
	handler, err := New(Config{Engine: e, BasePath: "/v1", Metrics: e.Metrics})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		mail:   box,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func registerUser(t *testing.T, srv *testServer, email, name string) RegisterResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email":    email,
		"password": "secret1",
		"name":     name,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	return decode[RegisterResponse](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/workflows", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	reg := registerUser(t, srv, "Ada@Example.com", "Ada")
	if reg.User.Email != "ada@example.com" || reg.Token == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email": "ada@example.com", "password": "secret1",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "email_in_use" {
		t.Fatalf("expected email_in_use, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email": "bob@example.com", "password": "123",
	}, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "weak_password" {
		t.Fatalf("expected weak_password, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email": "ada@example.com", "password": "wrong1",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email": "ada@example.com", "password": "secret1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	session := decode[SessionResponse](t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(session.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	if me := decode[UserResponse](t, data); me.ID != reg.User.ID {
		t.Fatalf("expected %s, got %s", reg.User.ID, me.ID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/logout", nil, bearer(session.Token))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(session.Token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", res.StatusCode)
	}
}

func TestWorkflowTaskFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := registerUser(t, srv, "olive@example.com", "Olive")
	auth := bearer(owner.Token)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows", map[string]any{"name": "Site vitrine"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", res.StatusCode, string(data))
	}
	wf := decode[WorkflowResponse](t, data)
	if wf.OwnerID != owner.User.ID || len(wf.Members) != 0 {
		t.Fatalf("unexpected workflow: %+v", wf)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows", map[string]any{"name": "  "}, auth)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected bad_request, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workflows/"+wf.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow status %d: %s", res.StatusCode, string(data))
	}
	detail := decode[WorkflowDetailResponse](t, data)
	if detail.Role != "owner" || detail.OwnerName != "Olive" || !detail.Permissions.ManageMembers {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/tasks", map[string]any{"title": "Maquette"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	task := decode[TaskResponse](t, data)
	if task.Status != "report" || task.AssignedTo != owner.User.ID {
		t.Fatalf("unexpected task: %+v", task)
	}

	for _, want := range []string{"in_reflexion", "in_progress", "done"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/advance", nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
		}
		if got := decode[TaskResponse](t, data).Status; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/advance", nil, auth)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "terminal_state" {
		t.Fatalf("expected terminal_state, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/comments", map[string]any{"text": "Livré"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("comment status %d: %s", res.StatusCode, string(data))
	}
	commented := decode[TaskResponse](t, data)
	if len(commented.Comments) != 1 || commented.Comments[0].UserName != "Olive" {
		t.Fatalf("unexpected comments: %+v", commented.Comments)
	}
	if len(commented.History) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(commented.History))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workflows/"+wf.ID+"/tasks", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[TaskListResponse](t, data); len(list.Items) != 1 {
		t.Fatalf("expected 1 task, got %d", len(list.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workflows?q=VITRINE", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list workflows status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[WorkflowListResponse](t, data); len(list.Items) != 1 {
		t.Fatalf("expected filtered workflow, got %d", len(list.Items))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/missing", nil, auth)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMembersAndInvites(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := registerUser(t, srv, "olive@example.com", "Olive")
	dev := registerUser(t, srv, "dev@example.com", "Dev")
	auth := bearer(owner.Token)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows", map[string]any{"name": "Alpha"}, auth)
	wf := decode[WorkflowResponse](t, data)
	membersURL := srv.URL + "/v1/workflows/" + wf.ID + "/members"

	res, data := doJSON(t, client, http.MethodPost, membersURL, map[string]any{"email": "dev@example.com", "role": "viewer"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invite status %d: %s", res.StatusCode, string(data))
	}
	added := decode[InviteMemberResponse](t, data)
	if added.Outcome != "added_directly" || added.Member == nil || added.Member.UID != dev.User.ID {
		t.Fatalf("unexpected invite response: %+v", added)
	}

	res, data = doJSON(t, client, http.MethodPost, membersURL, map[string]any{"email": "dev@example.com", "role": "viewer"}, auth)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_member" {
		t.Fatalf("expected already_member, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/tasks", map[string]any{"title": "x"}, bearer(dev.Token))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden for viewer, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, membersURL+"/"+dev.User.ID, map[string]any{"role": "developer"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("change role status %d: %s", res.StatusCode, string(data))
	}
	if w := decode[WorkflowResponse](t, data); w.Members[0].Role != "developer" {
		t.Fatalf("expected developer, got %s", w.Members[0].Role)
	}
	res, data = doJSON(t, client, http.MethodPatch, membersURL+"/"+owner.User.ID, map[string]any{"role": "viewer"}, auth)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_target" {
		t.Fatalf("expected invalid_target, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, membersURL, map[string]any{"email": "new@example.com", "role": "developer"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invite new status %d: %s", res.StatusCode, string(data))
	}
	invited := decode[InviteMemberResponse](t, data)
	if invited.Outcome != "invitation_sent" || invited.InviteToken == "" {
		t.Fatalf("unexpected invite response: %+v", invited)
	}
	if links := srv.mail.links(); len(links) != 1 || links[0] != invited.Link {
		t.Fatalf("expected one mail with link %s, got %v", invited.Link, links)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email": "new@example.com", "password": "secret1", "name": "Newt", "invite_token": invited.InviteToken,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register with invite status %d: %s", res.StatusCode, string(data))
	}
	newt := decode[RegisterResponse](t, data)
	if !newt.InviteRedeemed || newt.WorkflowID != wf.ID {
		t.Fatalf("expected redeemed invite, got %+v", newt)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/invites/"+invited.InviteToken+"/redeem", nil, bearer(newt.Token))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "invite_not_found" {
		t.Fatalf("expected invite_not_found, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, membersURL+"/"+dev.User.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove status %d: %s", res.StatusCode, string(data))
	}
	if w := decode[WorkflowResponse](t, data); len(w.Members) != 1 || w.Members[0].UID != newt.User.ID {
		t.Fatalf("unexpected members after remove: %+v", w.Members)
	}
}

func TestInviteDeliveryFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := registerUser(t, srv, "olive@example.com", "Olive")
	auth := bearer(owner.Token)
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/workflows", map[string]any{"name": "Alpha"}, auth)
	wf := decode[WorkflowResponse](t, data)

	srv.mail.fail(mail.ErrDelivery)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/members", map[string]any{
		"email": "ghost@example.com", "role": "viewer",
	}, auth)
	if res.StatusCode != http.StatusBadGateway || errorCode(t, data) != "delivery_failed" {
		t.Fatalf("expected delivery_failed, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSessionForUnknownAccountRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	claims := jwt.MapClaims{"sub": "ghost", "jti": "j1", "email": "ghost@example.com", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-test-secret-0123"))
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/workflows", map[string]any{"name": "Heist"}, bearer(token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]struct {
				Content map[string]struct {
					Schema struct {
						Ref string `json:"$ref"`
					} `json:"schema"`
				} `json:"content"`
			} `json:"responses"`
		} `json:"paths"`
		Components struct {
			Schemas map[string]struct {
				Properties map[string]any `json:"properties"`
			} `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if ops, ok := doc.Paths["/v1/auth/login"]; !ok || len(ops["post"].Security) != 0 {
		t.Fatalf("expected public login operation, got %+v", ops)
	}
	if ops, ok := doc.Paths["/v1/workflows"]; !ok || len(ops["get"].Security) == 0 {
		t.Fatalf("expected secured workflows operation, got %+v", ops)
	}
	for p, ops := range doc.Paths {
		for method, op := range ops {
			switch method {
			case "get", "post", "put", "patch", "delete":
			default:
				continue
			}
			ref := op.Responses["default"].Content["application/json"].Schema.Ref
			name := strings.TrimPrefix(ref, "#/components/schemas/")
			if name == "" || name == ref {
				t.Fatalf("%s %s: unexpected default error ref %q", method, p, ref)
			}
			schema, ok := doc.Components.Schemas[name]
			if !ok {
				t.Fatalf("%s %s: default error ref %q does not resolve", method, p, ref)
			}
			if _, ok := schema.Properties["error"]; !ok {
				t.Fatalf("error schema %s lacks the error envelope: %+v", name, schema.Properties)
			}
		}
	}

	registerUser(t, srv, "metrics@example.com", "Mia")
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("wftest_engine_operations_total")) {
		t.Fatalf("expected engine metrics, got %d", res.StatusCode)
	}
}
