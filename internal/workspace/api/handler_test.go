package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"

	"github.com/cortexlane/workspace-engine/internal/workspace"
	"github.com/cortexlane/workspace-engine/internal/workspace/checkpointstore"
	"github.com/cortexlane/workspace-engine/internal/workspace/crypto"
	"github.com/cortexlane/workspace-engine/internal/workspace/keymanager"
	"github.com/cortexlane/workspace-engine/internal/workspace/providers/memory"
	"github.com/cortexlane/workspace-engine/internal/workspace/serializer"
	"github.com/cortexlane/workspace-engine/internal/workspace/sessionstore"
)

func newTestHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()
	store := memory.New()
	ser := serializer.New(serializer.DefaultConfig(), crypto.NewDefault())
	sessions := sessionstore.New(store, ser)
	checkpoints := checkpointstore.New(store, store, ser, 50)
	keys := keymanager.New(store, crypto.NewDefault(), keymanager.DefaultConfig())

	h := NewHandler(sessions, checkpoints, keys, logr.Discard())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

func sampleWorkspaceState() *workspace.WorkspaceState {
	return &workspace.WorkspaceState{
		Terminals:       []workspace.Terminal{{ID: "t1"}},
		BrowserTabs:     []workspace.BrowserTab{},
		AIConversations: []workspace.AIConversation{},
		OpenFiles:       []workspace.OpenFile{},
		WorkspaceConfig: map[string]string{},
		Metadata:        map[string]string{},
	}
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body any, password string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if password != "" {
		req.Header.Set(headerPassword, password)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetSession(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/sessions", createSessionBody{
		UserID:      "u1",
		WorkspaceID: "w1",
		Name:        "my session",
		Password:    "correct horse battery staple",
		State:       sampleWorkspaceState(),
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: got %d, body %s", rec.Code, rec.Body.String())
	}

	var created workspace.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated session ID")
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/sessions/"+created.ID, nil, "correct horse battery staple")
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: got %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestGetSessionRequiresPassword(t *testing.T) {
	_, mux := newTestHandler(t)
	rec := doRequest(t, mux, http.MethodGet, "/api/v1/sessions/anything", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without password header, got %d", rec.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	_, mux := newTestHandler(t)
	rec := doRequest(t, mux, http.MethodGet, "/api/v1/sessions/missing", nil, "pw")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rec.Code, rec.Body.String())
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Kind != workspace.KindSessionNotFound {
		t.Fatalf("expected KindSessionNotFound, got %q", errResp.Kind)
	}
}

func TestCreateSessionRejectsBlankName(t *testing.T) {
	_, mux := newTestHandler(t)
	rec := doRequest(t, mux, http.MethodPost, "/api/v1/sessions", createSessionBody{
		UserID: "u1", Name: "   ", Password: "pw", State: sampleWorkspaceState(),
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateCheckpointAndRestore(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/sessions", createSessionBody{
		UserID: "u1", WorkspaceID: "w1", Name: "s1", Password: "pw1234567", State: sampleWorkspaceState(),
	}, "")
	var session workspace.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatal(err)
	}

	rec = doRequest(t, mux, http.MethodPost, "/api/v1/sessions/"+session.ID+"/checkpoints", createCheckpointBody{
		Name: "cp1", Password: "pw1234567",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create checkpoint: got %d body %s", rec.Code, rec.Body.String())
	}
	var checkpoint workspace.Checkpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &checkpoint); err != nil {
		t.Fatal(err)
	}

	rec = doRequest(t, mux, http.MethodPost, "/api/v1/checkpoints/"+checkpoint.ID+"/restore", nil, "pw1234567")
	if rec.Code != http.StatusOK {
		t.Fatalf("restore checkpoint: got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateUserKeyAndValidate(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/users/u1/keys", createKeyBody{
		KeyName: "primary", Password: "Str0ng!Passw0rd",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key: got %d body %s", rec.Code, rec.Body.String())
	}
	var key workspace.UserEncryptionKey
	if err := json.Unmarshal(rec.Body.Bytes(), &key); err != nil {
		t.Fatal(err)
	}

	rec = doRequest(t, mux, http.MethodPost, "/api/v1/users/u1/keys/"+key.KeyID+"/validate", validateKeyBody{
		Password: "Str0ng!Passw0rd",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("validate key: got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRepairStateRejectsGarbage(t *testing.T) {
	_, mux := newTestHandler(t)
	rec := doRequest(t, mux, http.MethodPost, "/api/v1/recovery/repair", repairStateBody{
		CorruptedState: json.RawMessage(`"not json at all"`),
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected a 200 with an unrecoverable structure report, got %d body %s", rec.Code, rec.Body.String())
	}
	var report struct {
		CanRecover bool
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.CanRecover {
		t.Fatal("expected garbage input to be flagged unrecoverable")
	}
}
