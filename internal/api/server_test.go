package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
	"github.com/soochol/ghachieve/internal/repository"
	"github.com/soochol/ghachieve/internal/services"
)

type testEnv struct {
	srv     *Server
	store   *repository.MemoryProgressRepository
	rm      *services.RunManager
	release chan struct{}
}

// newTestServer wires a server whose recipe blocks until release is closed,
// or succeeds immediately when blocking is false.
func newTestServer(t *testing.T, blocking bool) *testEnv {
	t.Helper()
	store := repository.NewMemoryProgressRepository()
	if err := store.SwitchUser(context.Background(), "octocat"); err != nil {
		t.Fatal(err)
	}
	limiter, err := services.NewRateLimiter(achieve.RateLimitConfig{MaxConcurrent: 2, MaxPerMinute: 100})
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	if !blocking {
		close(release)
	}
	recipe := ports.RecipeFunc{Kind: achieve.OpPullRequest, Fn: func(ctx context.Context, seq int) (*achieve.StepResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &achieve.StepResult{PRNumber: seq}, nil
	}}
	factory := func(kind achieve.Kind, tier achieve.Tier, onProgress func(achieve.ProgressUpdate)) (*services.Workflow, error) {
		return services.NewWorkflow(services.WorkflowOptions{
			Kind: kind, Tier: tier, Concurrency: 1,
			Recipe: recipe, Store: store, Limiter: limiter, OnProgress: onProgress,
		})
	}
	rm := services.NewRunManager(factory, nil, time.Minute)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		rm.Wait()
		rm.Stop()
	})
	return &testEnv{srv: NewServer(rm, store, limiter), store: store, rm: rm, release: release}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPI_Healthz(t *testing.T) {
	env := newTestServer(t, false)
	w := do(t, env.srv.Handler(), "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
}

func TestAPI_ListAchievements(t *testing.T) {
	env := newTestServer(t, false)
	w := do(t, env.srv.Handler(), "GET", "/api/achievements", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	var resp []map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp) != len(achieve.Catalog()) {
		t.Errorf("achievements: got %d, want %d", len(resp), len(achieve.Catalog()))
	}
}

func TestAPI_StartRunAndReadProgress(t *testing.T) {
	env := newTestServer(t, false)
	h := env.srv.Handler()

	w := do(t, h, "POST", "/api/runs", map[string]string{"kind": "pull-shark"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (%s)", w.Code, w.Body.String())
	}
	env.rm.Wait()

	w = do(t, h, "GET", "/api/runs/pull-shark", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	var resp struct {
		Run        achieve.Run            `json:"run"`
		LastResult *achieve.ExecuteResult `json:"last_result"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Run.CompletedCount != 2 || resp.Run.Status != achieve.StatusCompleted {
		t.Errorf("run: got %+v", resp.Run)
	}
	if resp.LastResult == nil || !resp.LastResult.Success {
		t.Errorf("last result: got %+v", resp.LastResult)
	}

	w = do(t, h, "GET", "/api/runs/pull-shark/operations", nil)
	var ops []achieve.Operation
	json.Unmarshal(w.Body.Bytes(), &ops)
	if len(ops) != 2 {
		t.Errorf("operations: got %d, want 2", len(ops))
	}
}

func TestAPI_StartRunValidation(t *testing.T) {
	env := newTestServer(t, false)
	h := env.srv.Handler()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown kind", map[string]string{"kind": "arctic-vault"}, http.StatusBadRequest},
		{"unknown tier", map[string]string{"kind": "yolo", "tier": "gold"}, http.StatusBadRequest},
		{"bad tier name", map[string]string{"kind": "yolo", "tier": "platinum"}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, "POST", "/api/runs", tt.body); w.Code != tt.want {
				t.Errorf("status: got %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPI_SecondStartConflicts(t *testing.T) {
	env := newTestServer(t, true)
	h := env.srv.Handler()

	if w := do(t, h, "POST", "/api/runs", map[string]string{"kind": "yolo"}); w.Code != http.StatusAccepted {
		t.Fatalf("first start: got %d", w.Code)
	}
	if w := do(t, h, "POST", "/api/runs", map[string]string{"kind": "yolo"}); w.Code != http.StatusConflict {
		t.Fatalf("second start: got %d, want 409", w.Code)
	}
	if w := do(t, h, "DELETE", "/api/runs/yolo", nil); w.Code != http.StatusConflict {
		t.Fatalf("reset while active: got %d, want 409", w.Code)
	}

	close(env.release)
	env.rm.Wait()
	if w := do(t, h, "DELETE", "/api/runs/yolo", nil); w.Code != http.StatusNoContent {
		t.Fatalf("reset: got %d, want 204", w.Code)
	}
	if _, err := env.store.GetRun(context.Background(), achieve.KindYOLO); err == nil {
		t.Fatal("expected run to be deleted")
	}
}

func TestAPI_UnknownRun(t *testing.T) {
	env := newTestServer(t, false)
	h := env.srv.Handler()
	if w := do(t, h, "GET", "/api/runs/quickdraw", nil); w.Code != http.StatusNotFound {
		t.Errorf("untouched kind: got %d, want 404", w.Code)
	}
	if w := do(t, h, "GET", "/api/runs/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown kind: got %d, want 404", w.Code)
	}
	if w := do(t, h, "GET", "/api/runs/quickdraw/events", nil); w.Code != http.StatusNotFound {
		t.Errorf("events for untracked kind: got %d, want 404", w.Code)
	}
}

func TestAPI_RateLimitStats(t *testing.T) {
	env := newTestServer(t, false)
	w := do(t, env.srv.Handler(), "GET", "/api/ratelimit", nil)
	var stats services.RateLimitStats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.MaxPerMinute != 100 || stats.Remaining != 100 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestAPI_StreamEvents(t *testing.T) {
	env := newTestServer(t, false)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(`{"kind":"pull-shark"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	env.rm.Wait()

	resp, err = http.Get(ts.URL + "/api/runs/pull-shark/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if ev, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, ev)
		}
	}
	if len(types) == 0 || types[len(types)-1] != services.EventDone {
		t.Fatalf("events: got %v, want trailing done", types)
	}
}

func TestAPI_JWT(t *testing.T) {
	env := newTestServer(t, false)
	env.srv.SetJWTSecret("s3cret")
	h := env.srv.Handler()

	if w := do(t, h, "GET", "/api/achievements", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want 401", w.Code)
	}
	if w := do(t, h, "GET", "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz must stay public: got %d", w.Code)
	}

	sign := func(secret string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "octocat", "exp": exp.Unix()})
		s, err := tok.SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"valid", sign("s3cret", time.Now().Add(time.Hour)), http.StatusOK},
		{"wrong secret", sign("other", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", sign("s3cret", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/achievements", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d", w.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest("GET", "/api/achievements?access_token="+sign("s3cret", time.Now().Add(time.Hour)), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("query token: got %d, want 200", w.Code)
	}
}

func TestAPI_Schedules(t *testing.T) {
	env := newTestServer(t, false)
	sched := services.NewSchedulerService(env.rm, env.store, nil)
	if err := sched.Add(achieve.Schedule{Name: "daily", Kind: achieve.KindQuickdraw, Cron: "@daily"}); err != nil {
		t.Fatal(err)
	}
	env.srv.SetSchedulerService(sched)
	h := env.srv.Handler()

	w := do(t, h, "GET", "/api/schedules", nil)
	var list []map[string]any
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0]["name"] != "daily" {
		t.Fatalf("schedules: got %v", list)
	}

	if w := do(t, h, "POST", "/api/schedules/daily/trigger", nil); w.Code != http.StatusAccepted {
		t.Fatalf("trigger: got %d", w.Code)
	}
	env.rm.Wait()
	if _, ok := env.rm.LastResult(achieve.KindQuickdraw); !ok {
		t.Fatal("expected triggered run to finish")
	}
	if w := do(t, h, "POST", "/api/schedules/missing/trigger", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing trigger: got %d, want 404", w.Code)
	}
	if w := do(t, h, "GET", "/api/schedules/daily", nil); w.Code != http.StatusOK {
		t.Fatalf("get schedule: got %d", w.Code)
	}
	if w := do(t, h, "GET", "/api/schedules/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get missing schedule: got %d, want 404", w.Code)
	}
}
