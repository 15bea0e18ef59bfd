package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/vigil/internal/config"
	"github.com/antigravity-dev/vigil/internal/memguard"
	"github.com/antigravity-dev/vigil/internal/module"
	"github.com/antigravity-dev/vigil/internal/notify"
	"github.com/antigravity-dev/vigil/internal/queue"
	"github.com/antigravity-dev/vigil/internal/store"
	"github.com/antigravity-dev/vigil/internal/trust"
)

func newTestServer(t *testing.T, secret string) (*Server, *store.Store, *int) {
	t.Helper()
	logger := slog.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.UTC, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.API.Bind = "127.0.0.1:0"
	cfg.API.Secret = secret

	q := queue.New(2, 5, logger)
	t.Cleanup(func() { q.Drain(time.Second) })
	reg := module.NewRegistry(logger)
	triggered := 0

	s, err := NewServer(Deps{
		Cfg:      config.NewManager(cfg),
		Store:    st,
		Guardian: memguard.New(st, notify.New("", "", logger), memguard.Options{}, logger),
		Trust:    trust.New(st, logger),
		Queue:    q,
		Registry: reg,
		Trigger:  func() { triggered++ },
		Conclude: func(id, conclusion string) error { return st.AmendExperimentConclusion(id, conclusion) },
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, st, &triggered
}

func TestAgentLoopStatus(t *testing.T) {
	s, st, _ := newTestServer(t, "")
	st.Set("cycle-count", "42")
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/agent-loop")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["cycleCount"] != "42" {
		t.Errorf("cycleCount = %v", body["cycleCount"])
	}
	if body["paused"] != false {
		t.Errorf("paused = %v", body["paused"])
	}
}

func TestTriggerRequiresSecret(t *testing.T) {
	s, _, triggered := newTestServer(t, "hunter2")
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	// No token.
	resp, err := http.Post(ts.URL+"/agent-loop/trigger", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	if *triggered != 0 {
		t.Errorf("triggered without auth")
	}

	// Valid token.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/agent-loop/trigger", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("authed status = %d", resp.StatusCode)
	}
	if *triggered != 1 {
		t.Errorf("triggered = %d", *triggered)
	}
}

func TestControlDisabledWithoutSecret(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/agent-loop/trigger", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "disabled") {
		t.Errorf("body = %s", raw)
	}
}

func TestGoalsEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t, "")
	st.InsertGoal(store.Goal{ID: "g1", Title: "ship the thing", Status: "active", CreatedAt: time.Now().UnixMilli()})
	st.InsertGoal(store.Goal{ID: "g2", Title: "done already", Status: "completed", CreatedAt: time.Now().UnixMilli()})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/goals")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var goals []store.Goal
	json.NewDecoder(resp.Body).Decode(&goals)
	if len(goals) != 1 || goals[0].ID != "g1" {
		t.Errorf("goals = %+v", goals)
	}
}

func TestResolveError(t *testing.T) {
	s, st, _ := newTestServer(t, "s3cret")
	id := st.LogError("error", "llm", "call failed", "", "")
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/errors/"+strconv.FormatInt(id, 10)+"/resolve", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	errs, err := st.RecentErrors(time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range errs {
		if e.ID == id && !e.Resolved {
			t.Errorf("error %d still unresolved", id)
		}
	}
}

func TestConcludeExperiment(t *testing.T) {
	s, st, _ := newTestServer(t, "s3cret")
	st.InsertExperiment(store.Experiment{ID: "exp-1", Hypothesis: "shorter nudges land better", Metric: "positive_rate", Status: "concluded"})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	body := bytes.NewBufferString(`{"conclusion":"confirmed by hand"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/experiments/exp-1/conclude", body)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	exp, err := st.GetExperiment("exp-1")
	if err != nil {
		t.Fatal(err)
	}
	if exp.Conclusion != "confirmed by hand" {
		t.Errorf("conclusion = %q", exp.Conclusion)
	}
}

func TestModuleRoutesMounted(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	s.registry.Register(module.Manifest{
		Name: "finance",
		APIRoutes: []module.Route{{
			Method:  "GET",
			Pattern: "/finance/invoices",
			Handler: func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, []string{"inv-7"}) },
		}},
		DashboardPages: []string{"invoices"},
	})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/finance/invoices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("module route status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/modules")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var body struct {
		DashboardPages []string `json:"dashboardPages"`
	}
	json.NewDecoder(resp2.Body).Decode(&body)
	if len(body.DashboardPages) != 1 || body.DashboardPages[0] != "invoices" {
		t.Errorf("dashboardPages = %v", body.DashboardPages)
	}
}

func TestAgentLoopReportsQueueStats(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/agent-loop")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Queue struct {
			Running int `json:"running"`
			Waiting int `json:"waiting"`
		} `json:"queue"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Queue.Running != 0 || body.Queue.Waiting != 0 {
		t.Errorf("queue = %+v, want idle", body.Queue)
	}
}

func TestMessageSearchNeedsQuery(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages/search")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
