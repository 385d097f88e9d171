package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/web-casa/dockwatch/internal/apperrors"
	"github.com/web-casa/dockwatch/internal/auth"
	"github.com/web-casa/dockwatch/internal/config"
	"github.com/web-casa/dockwatch/internal/database"
	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/service"
)

type fakeService struct {
	err        error
	lastAction string
	lastActor  service.Actor
	lastTail   int
	lastForce  bool
}

func (f *fakeService) ListContainers(ctx context.Context) ([]model.Container, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.Container{{ID: "c1", Name: "web", State: model.StateRunning}}, nil
}

func (f *fakeService) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	f.lastTail = tail
	return "hello\n", f.err
}

func (f *fakeService) ContainerAction(ctx context.Context, id, action string, actor service.Actor) error {
	f.lastAction = action
	f.lastActor = actor
	return f.err
}

func (f *fakeService) ListImages(ctx context.Context) ([]model.Image, error) {
	return nil, f.err
}

func (f *fakeService) RemoveImage(ctx context.Context, id string, force bool, actor service.Actor) error {
	f.lastForce = force
	return f.err
}

func (f *fakeService) ImageHistory(ctx context.Context, id string) ([]model.ImageHistoryEntry, error) {
	return []model.ImageHistoryEntry{{ID: "l1", CreatedBy: "RUN x"}}, f.err
}

func (f *fakeService) Prune(ctx context.Context, kind string, actor service.Actor) (*model.PruneReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.PruneReport{Kind: kind, Deleted: []string{}}, nil
}

func setupRouter(svc DockerService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sys := NewSystemHandler(&config.Config{RefreshInterval: 30}, nil)
	r.GET("/", sys.Root)
	r.GET("/api/config", sys.Config)
	r.POST("/api/logs", sys.IngestLog)

	ch := NewContainerHandler(svc)
	r.GET("/api/containers", ch.List)
	r.GET("/api/containers/:id/logs", ch.Logs)
	r.POST("/api/containers/:id/:action", ch.Action)

	ih := NewImageHandler(svc)
	r.GET("/api/images", ih.List)
	r.DELETE("/api/images/:id", ih.Delete)
	r.GET("/api/images/:id/history", ih.History)
	r.POST("/api/prune/:kind", ih.Prune)
	return r
}

func doRequest(r http.Handler, method, path string, body []byte) (*httptest.ResponseRecorder, model.Envelope) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	var env model.Envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestRootAndConfig(t *testing.T) {
	r := setupRouter(&fakeService{})

	w, env := doRequest(r, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK || env.Status != model.StatusSuccess {
		t.Fatalf("unexpected %d %+v", w.Code, env)
	}
	if env.Data.(map[string]interface{})["message"] != "Backend is up and running" {
		t.Fatalf("unexpected data %+v", env.Data)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.Timestamp); err != nil {
		t.Fatalf("timestamp should be RFC3339: %v", err)
	}

	_, env = doRequest(r, http.MethodGet, "/api/config", nil)
	data := env.Data.(map[string]interface{})
	if data["refresh_interval"] != float64(30) || data["auth_required"] != false {
		t.Fatalf("unexpected config %+v", data)
	}
}

func TestListContainers(t *testing.T) {
	r := setupRouter(&fakeService{})
	w, env := doRequest(r, http.MethodGet, "/api/containers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	list := env.Data.([]interface{})
	if len(list) != 1 || list[0].(map[string]interface{})["id"] != "c1" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestContainerLogsTail(t *testing.T) {
	svc := &fakeService{}
	r := setupRouter(svc)

	_, env := doRequest(r, http.MethodGet, "/api/containers/c1/logs", nil)
	if svc.lastTail != 100 {
		t.Fatalf("default tail should be 100, got %d", svc.lastTail)
	}
	if env.Data.(map[string]interface{})["logs"] != "hello\n" {
		t.Fatalf("unexpected logs %+v", env.Data)
	}

	doRequest(r, http.MethodGet, "/api/containers/c1/logs?tail=5", nil)
	if svc.lastTail != 5 {
		t.Fatalf("tail should be 5, got %d", svc.lastTail)
	}

	w, _ := doRequest(r, http.MethodGet, "/api/containers/c1/logs?tail=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad tail, got %d", w.Code)
	}
}

func TestContainerAction(t *testing.T) {
	svc := &fakeService{}
	r := setupRouter(svc)

	w, env := doRequest(r, http.MethodPost, "/api/containers/c1/restart", nil)
	if w.Code != http.StatusOK || svc.lastAction != "restart" {
		t.Fatalf("unexpected %d action=%q", w.Code, svc.lastAction)
	}
	if env.Data.(map[string]interface{})["message"] != "Container restart successful" {
		t.Fatalf("unexpected message %+v", env.Data)
	}

	w, env = doRequest(r, http.MethodPost, "/api/containers/c1/explode", nil)
	if w.Code != http.StatusBadRequest || env.Error != "Invalid action: explode" {
		t.Fatalf("unexpected %d %+v", w.Code, env)
	}
}

// For any error returned by the service, the response is an error envelope
// whose status code follows the error kind.
func TestErrorStatusMapping(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	kinds := []struct {
		err    error
		status int
	}{
		{&apperrors.DockerError{Op: "start container", ID: "x", Err: apperrors.ErrNotFound}, http.StatusNotFound},
		{&apperrors.ValidationError{Field: "kind", Message: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", apperrors.ErrInvalidAction), http.StatusBadRequest},
		{errors.New("daemon exploded"), http.StatusInternalServerError},
	}

	properties.Property("error envelope and status follow error kind", prop.ForAll(
		func(idx int, action string) bool {
			k := kinds[idx]
			r := setupRouter(&fakeService{err: k.err})
			w, env := doRequest(r, http.MethodPost, "/api/containers/c1/"+action, nil)
			return w.Code == k.status &&
				env.Status == model.StatusError &&
				env.Error == k.err.Error() &&
				env.Data == nil
		},
		gen.IntRange(0, len(kinds)-1),
		gen.OneConstOf("start", "stop", "restart", "rebuild", "delete"),
	))

	properties.TestingRun(t)
}

func TestImages(t *testing.T) {
	svc := &fakeService{}
	r := setupRouter(svc)

	_, env := doRequest(r, http.MethodGet, "/api/images", nil)
	if list, ok := env.Data.([]interface{}); !ok || len(list) != 0 {
		t.Fatalf("empty image list should be [], got %+v", env.Data)
	}

	_, env = doRequest(r, http.MethodDelete, "/api/images/sha?force=true", nil)
	if !svc.lastForce || env.Data.(map[string]interface{})["message"] != "Image deleted successfully" {
		t.Fatalf("unexpected delete %+v force=%v", env, svc.lastForce)
	}

	_, env = doRequest(r, http.MethodGet, "/api/images/sha/history", nil)
	history := env.Data.(map[string]interface{})["history"].([]interface{})
	if len(history) != 1 {
		t.Fatalf("unexpected history %+v", history)
	}

	w, env := doRequest(r, http.MethodPost, "/api/prune/volumes", nil)
	if w.Code != http.StatusOK || env.Data.(map[string]interface{})["kind"] != "volumes" {
		t.Fatalf("unexpected prune %d %+v", w.Code, env)
	}
}

func TestIngestLog(t *testing.T) {
	r := setupRouter(&fakeService{})

	body, _ := json.Marshal(model.FrontendLog{Level: "warning", Message: "slow render", RequestID: "r1"})
	w, env := doRequest(r, http.MethodPost, "/api/logs", body)
	if w.Code != http.StatusOK || env.Status != model.StatusSuccess {
		t.Fatalf("unexpected %d %+v", w.Code, env)
	}

	w, _ = doRequest(r, http.MethodPost, "/api/logs", []byte(`{"level":"info"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing message should be 400, got %d", w.Code)
	}
}

func TestAuditList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, err := database.Init(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	for i := 0; i < 5; i++ {
		db.Create(&model.AuditLog{Action: "start", TargetKind: "container", TargetID: fmt.Sprintf("c%d", i), Success: true})
	}
	db.Create(&model.AuditLog{Action: "delete", TargetKind: "image", TargetID: "img", Success: true})

	r := gin.New()
	r.GET("/api/audit", NewAuditHandler(db).List)

	_, env := doRequest(r, http.MethodGet, "/api/audit?page=1&per_page=2", nil)
	data := env.Data.(map[string]interface{})
	if data["total"] != float64(6) || len(data["logs"].([]interface{})) != 2 {
		t.Fatalf("unexpected page %+v", data)
	}
	first := data["logs"].([]interface{})[0].(map[string]interface{})
	if first["target_id"] != "img" {
		t.Fatalf("newest entry should come first, got %+v", first)
	}

	_, env = doRequest(r, http.MethodGet, "/api/audit?kind=image", nil)
	if env.Data.(map[string]interface{})["total"] != float64(1) {
		t.Fatalf("kind filter should narrow results, got %+v", env.Data)
	}
}

func TestLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, _ := auth.HashPassword("pw")
	cfg := &config.Config{AdminUsername: "admin", AdminPasswordHash: hash, JWTSecret: "s"}
	h := NewAuthHandler(cfg, auth.NewLoginLimiter(5, 15*time.Minute), nil)

	r := gin.New()
	r.POST("/api/auth/login", h.Login)

	body, _ := json.Marshal(model.LoginRequest{Username: "admin", Password: "pw"})
	w, env := doRequest(r, http.MethodPost, "/api/auth/login", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %+v", w.Code, env)
	}
	token := env.Data.(map[string]interface{})["token"].(string)
	if claims, err := auth.ParseToken(token, "s"); err != nil || claims.Username != "admin" {
		t.Fatalf("issued token invalid: %v", err)
	}

	body, _ = json.Marshal(model.LoginRequest{Username: "admin", Password: "nope"})
	w, _ = doRequest(r, http.MethodPost, "/api/auth/login", body)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Immediately retrying hits the backoff
	w, _ = doRequest(r, http.MethodPost, "/api/auth/login", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 during backoff, got %d", w.Code)
	}
}
