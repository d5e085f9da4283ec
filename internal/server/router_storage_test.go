package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/socialstore/internal/auth"
	"github.com/MarcoPoloResearchLab/socialstore/internal/metrics"
	"github.com/MarcoPoloResearchLab/socialstore/storage"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type adminTestEnv struct {
	handler http.Handler
	store   *storage.Storage
	token   string
	events  *EventDispatcher
}

func newAdminTestEnv(t *testing.T) adminTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:admin_api_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := storage.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}
	store, err := storage.New(storage.Config{Database: db, Observer: collector})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(store.Close)

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "social-storage",
		Audience:      "social-storage-admin",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	token, _, err := tokenIssuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("failed to issue admin token: %v", err)
	}

	events := NewEventDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Store:         store,
		TokenManager:  tokenIssuer,
		PruneConfig:   storage.PruneConfig{NonceMaxAge: time.Hour, CodeMaxAge: time.Hour, PartialMaxAge: time.Hour},
		PruneRecorder: collector,
		Metrics:       collector.Handler(),
		Events:        events,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return adminTestEnv{handler: handler, store: store, token: token, events: events}
}

func (env adminTestEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+env.token)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{TokenManager: stubTokenValidator{}}); err != errMissingStore {
		t.Fatalf("expected missing store error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Store: &storage.Storage{}}); err != errMissingTokenManager {
		t.Fatalf("expected missing token manager error, got %v", err)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newAdminTestEnv(t)

	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/users/1", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz to be public, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics to be public, got %d", recorder.Code)
	}
}

func TestUserAndDisconnectRoutes(t *testing.T) {
	env := newAdminTestEnv(t)
	ctx := context.Background()

	user, err := env.store.CreateUser(ctx, storage.NewUser{Username: "ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	github, err := env.store.CreateSocialAuth(ctx, user, "gh-1", "github")
	if err != nil {
		t.Fatalf("create github association: %v", err)
	}
	google, err := env.store.CreateSocialAuth(ctx, user, "g-1", "google-oauth2")
	if err != nil {
		t.Fatalf("create google association: %v", err)
	}

	recorder := env.do(t, http.MethodGet, fmt.Sprintf("/users/%d", user.ID), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload userPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if payload.Username != "ada" || payload.HasUsablePassword || len(payload.SocialAuths) != 2 {
		t.Fatalf("unexpected user payload %+v", payload)
	}

	recorder = env.do(t, http.MethodGet, "/users/999", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", recorder.Code)
	}
	recorder = env.do(t, http.MethodGet, "/users/abc", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodDelete, fmt.Sprintf("/users/%d/social-auths/%d", user.ID, github.ID), "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for first disconnect, got %d: %s", recorder.Code, recorder.Body.String())
	}

	for attempt := range 2 {
		recorder = env.do(t, http.MethodDelete, fmt.Sprintf("/users/%d/social-auths/%d", user.ID, google.ID), "")
		if recorder.Code != http.StatusConflict {
			t.Fatalf("attempt %d: expected 409 for last login method, got %d", attempt, recorder.Code)
		}
	}

	recorder = env.do(t, http.MethodDelete, fmt.Sprintf("/users/%d/social-auths/%d", user.ID, github.ID), "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for removed association, got %d", recorder.Code)
	}

	remaining, err := env.store.GetSocialAuthForUser(ctx, user.ID, storage.SocialAuthFilter{})
	if err != nil {
		t.Fatalf("list associations: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != google.ID {
		t.Fatalf("expected only the google association to remain, got %+v", remaining)
	}
}

func TestPatchExtraDataRoute(t *testing.T) {
	env := newAdminTestEnv(t)
	ctx := context.Background()

	user, err := env.store.CreateUser(ctx, storage.NewUser{Username: "ada"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	social, err := env.store.CreateSocialAuth(ctx, user, "gh-1", "github")
	if err != nil {
		t.Fatalf("create association: %v", err)
	}
	if _, err := env.store.SetExtraData(ctx, social, storage.JSONData{
		"access_token": "abc",
		"tokens":       map[string]any{"refresh": "r1", "scope": "repo"},
	}); err != nil {
		t.Fatalf("set extra data: %v", err)
	}

	path := fmt.Sprintf("/social-auths/%d/extra-data", social.ID)
	recorder := env.do(t, http.MethodPatch, path, `{"tokens":{"refresh":"r2"},"expires":9007199254740993}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	stored, err := env.store.GetSocialAuth(ctx, "github", "gh-1")
	if err != nil {
		t.Fatalf("reload association: %v", err)
	}
	tokens, ok := stored.ExtraData["tokens"].(map[string]any)
	if !ok || tokens["refresh"] != "r2" || tokens["scope"] != "repo" {
		t.Fatalf("expected deep merge of tokens, got %#v", stored.ExtraData["tokens"])
	}
	if expires, ok := stored.ExtraData.Int64("expires"); !ok || expires != 9007199254740993 {
		t.Fatalf("expected large integer to survive, got %v", stored.ExtraData["expires"])
	}
	if stored.AccessToken() != "abc" {
		t.Fatalf("expected untouched keys to remain, got %q", stored.AccessToken())
	}

	for _, body := range []string{"", "[1,2]", "{}", "not json", `{"a":1} garbage`, `{"a":1} {"b":2}`} {
		recorder = env.do(t, http.MethodPatch, path, body)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for body %q, got %d", body, recorder.Code)
		}
	}

	recorder = env.do(t, http.MethodPatch, "/social-auths/999/extra-data", `{"a":1}`)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown association, got %d", recorder.Code)
	}
}

func TestPartialRoutesDeleteOnlyTarget(t *testing.T) {
	env := newAdminTestEnv(t)
	ctx := context.Background()

	var tokens []string
	for step := range 2 {
		partial, err := env.store.PreparePartial("github", step, storage.JSONData{"kwargs": map[string]any{"step": step}})
		if err != nil {
			t.Fatalf("prepare partial: %v", err)
		}
		if err := env.store.StorePartial(ctx, partial); err != nil {
			t.Fatalf("store partial: %v", err)
		}
		tokens = append(tokens, partial.Token)
	}

	recorder := env.do(t, http.MethodGet, "/partials/"+tokens[0], "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload partialPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode partial: %v", err)
	}
	if payload.Token != tokens[0] || payload.Backend != "github" {
		t.Fatalf("unexpected partial payload %+v", payload)
	}

	recorder = env.do(t, http.MethodDelete, "/partials/"+tokens[0], "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	recorder = env.do(t, http.MethodDelete, "/partials/"+tokens[0], "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", recorder.Code)
	}
	recorder = env.do(t, http.MethodGet, "/partials/"+tokens[1], "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected the other partial to survive, got %d", recorder.Code)
	}
}

func TestPruneRoute(t *testing.T) {
	env := newAdminTestEnv(t)
	old := time.Now().Add(-2 * time.Hour).Unix()
	if _, err := env.store.UseNonce(context.Background(), "https://openid.example.com", old, "salt"); err != nil {
		t.Fatalf("use nonce: %v", err)
	}

	recorder := env.do(t, http.MethodPost, "/maintenance/prune", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload pruneResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode prune: %v", err)
	}
	if payload.Nonces != 1 {
		t.Fatalf("expected one pruned nonce, got %+v", payload)
	}

	recorder = httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if !strings.Contains(recorder.Body.String(), `socialstore_storage_pruned_rows_total{table="social_auth_nonce"} 1`) {
		t.Fatalf("expected pruned nonce counter in metrics output")
	}
}

func TestEventStreamEmitsAdminChanges(t *testing.T) {
	env := newAdminTestEnv(t)
	server := httptest.NewServer(env.handler)
	t.Cleanup(server.Close)

	partial, err := env.store.PreparePartial("github", 0, nil)
	if err != nil {
		t.Fatalf("prepare partial: %v", err)
	}
	if err := env.store.StorePartial(context.Background(), partial); err != nil {
		t.Fatalf("store partial: %v", err)
	}

	streamResp, err := http.Get(server.URL + "/events?access_token=" + env.token)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)

	deleteReq, err := http.NewRequest(http.MethodDelete, server.URL+"/partials/"+partial.Token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct delete request: %v", err)
	}
	deleteReq.Header.Set("Authorization", "Bearer "+env.token)
	deleteResp, err := http.DefaultClient.Do(deleteReq)
	if err != nil {
		t.Fatalf("delete request failed: %v", err)
	}
	_ = deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected delete status: %d", deleteResp.StatusCode)
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for admin event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != EventPartialDestroyed {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if event.PartialToken != partial.Token || event.Actor != "ops" {
				t.Fatalf("unexpected event %+v", event)
			}
			return
		}
	}
}
