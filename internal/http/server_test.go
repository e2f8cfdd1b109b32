package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internal_http "github.com/theshibabasement/maxun/internal/http"
	"github.com/theshibabasement/maxun/internal/log"
	"github.com/theshibabasement/maxun/pkg/engine"
	"github.com/theshibabasement/maxun/pkg/integration"
	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/service"
	"github.com/theshibabasement/maxun/pkg/storage"
	"github.com/theshibabasement/maxun/pkg/vault"
)

const testVaultKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type serverRig struct {
	store    storage.Store
	launcher *engine.MockLauncher
	server   *httptest.Server
}

func newServerRig(t *testing.T, sessions ...*engine.MockSession) *serverRig {
	t.Helper()
	store := storage.NewMockStore()
	launcher := engine.NewMockLauncher(sessions...)
	v := vault.New(testVaultKey, log.GetLogger())
	robots := service.NewRobotService(store, v, log.GetLogger())
	runs := service.NewRunService(store, launcher, v, integration.LogPusher{Logger: log.GetLogger()}, log.GetLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", internal_http.HealthHandler)
	mux.HandleFunc("/robots", internal_http.RobotsHandler(robots))
	mux.HandleFunc("/robots/", internal_http.RobotByIDHandler(robots, runs))
	mux.HandleFunc("/runs/", internal_http.RunByIDHandler(runs))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &serverRig{store: store, launcher: launcher, server: server}
}

func (rig *serverRig) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, rig.server.URL+path, &buf)
	assert.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dest interface{}) {
	t.Helper()
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func robotPayload(name string) map[string]interface{} {
	return map[string]interface{}{
		"name": name,
		"workflow": map[string]interface{}{
			"workflow": []map[string]interface{}{
				{"id": "p1", "where": map[string]string{"url": "https://example.com"}, "what": []string{}},
			},
		},
		"params": []string{"url"},
	}
}

func TestServer_Health(t *testing.T) {
	rig := newServerRig(t)
	resp := rig.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RobotLifecycle(t *testing.T) {
	rig := newServerRig(t)

	resp := rig.do(t, http.MethodPost, "/robots", robotPayload("price watcher"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var robot models.Robot
	decode(t, resp, &robot)
	assert.NotEmpty(t, robot.ID)
	assert.Equal(t, "price watcher", robot.Meta.Name)
	assert.Equal(t, 1, robot.Meta.Pairs)

	resp = rig.do(t, http.MethodGet, "/robots", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var robots []models.Robot
	decode(t, resp, &robots)
	assert.Len(t, robots, 1)

	resp = rig.do(t, http.MethodPut, "/robots/"+robot.ID, robotPayload("renamed"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var updated models.Robot
	decode(t, resp, &updated)
	assert.Equal(t, "renamed", updated.Meta.Name)
	assert.Equal(t, robot.Meta.ID, updated.Meta.ID)

	resp = rig.do(t, http.MethodDelete, "/robots/"+robot.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/robots/"+robot.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DuplicateRobot(t *testing.T) {
	rig := newServerRig(t)

	resp := rig.do(t, http.MethodPost, "/robots", robotPayload("watcher"))
	var source models.Robot
	decode(t, resp, &source)

	resp = rig.do(t, http.MethodPost, "/robots/"+source.ID+"/duplicate", map[string]string{"name": "watcher staging"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var copied models.Robot
	decode(t, resp, &copied)
	assert.NotEqual(t, source.ID, copied.ID)
	assert.Equal(t, "watcher staging", copied.Meta.Name)
	assert.Equal(t, source.Meta.Pairs, copied.Meta.Pairs)

	// empty body defaults the name
	resp = rig.do(t, http.MethodPost, "/robots/"+source.ID+"/duplicate", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var unnamed models.Robot
	decode(t, resp, &unnamed)
	assert.Equal(t, "watcher (copy)", unnamed.Meta.Name)

	resp = rig.do(t, http.MethodPost, "/robots/ghost/duplicate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_MissingRobotIs404(t *testing.T) {
	rig := newServerRig(t)
	resp := rig.do(t, http.MethodGet, "/robots/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_InvalidScheduleIs400(t *testing.T) {
	rig := newServerRig(t)
	resp := rig.do(t, http.MethodPost, "/robots", robotPayload("watcher"))
	var robot models.Robot
	decode(t, resp, &robot)

	resp = rig.do(t, http.MethodPut, "/robots/"+robot.ID+"/schedule", map[string]interface{}{
		"runEvery":     0,
		"runEveryUnit": "HOURS",
		"startFrom":    "MONDAY",
		"timezone":     "UTC",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ScheduleRoundTrip(t *testing.T) {
	rig := newServerRig(t)
	resp := rig.do(t, http.MethodPost, "/robots", robotPayload("watcher"))
	var robot models.Robot
	decode(t, resp, &robot)

	resp = rig.do(t, http.MethodPut, "/robots/"+robot.ID+"/schedule", map[string]interface{}{
		"runEvery":     1,
		"runEveryUnit": "DAYS",
		"startFrom":    "MONDAY",
		"atTimeStart":  "08:00",
		"timezone":     "Europe/Berlin",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg models.ScheduleConfig
	decode(t, resp, &cfg)
	assert.NotNil(t, cfg.NextRunAt)
	assert.True(t, cfg.NextRunAt.After(time.Now()))

	resp = rig.do(t, http.MethodDelete, "/robots/"+robot.ID+"/schedule", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_RunLifecycle(t *testing.T) {
	session := engine.NewMockSession()
	rig := newServerRig(t, session)
	resp := rig.do(t, http.MethodPost, "/robots", robotPayload("watcher"))
	var robot models.Robot
	decode(t, resp, &robot)

	resp = rig.do(t, http.MethodPost, "/robots/"+robot.ID+"/runs", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var run models.Run
	decode(t, resp, &run)
	assert.Equal(t, models.RunningRunStatus, run.Status)
	assert.Equal(t, models.APITrigger, run.TriggeredBy)

	// a second start conflicts with the live run
	resp = rig.do(t, http.MethodPost, "/robots/"+robot.ID+"/runs", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/runs/"+run.ID+"/pause", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Run    models.Run `json:"run"`
		Paused bool       `json:"paused"`
	}
	decode(t, resp, &status)
	assert.True(t, status.Paused)
	assert.Equal(t, models.PausedRunStatus, status.Run.Status)

	resp = rig.do(t, http.MethodPost, "/runs/"+run.ID+"/step", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodPost, "/runs/"+run.ID+"/resume", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodPut, "/runs/"+run.ID+"/breakpoints", map[string]interface{}{
		"pair_ids": []string{"p1"},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	session.Emit(engine.Event{Kind: engine.SerializableEvent, Key: "items", Value: json.RawMessage(`[{"n":1}]`)})
	session.Finish(engine.OutcomeSuccess)

	assert.Eventually(t, func() bool {
		stored, err := rig.store.GetRun(run.ID)
		return err == nil && stored.Status == models.CompletedRunStatus
	}, 2*time.Second, 10*time.Millisecond)

	resp = rig.do(t, http.MethodGet, "/robots/"+robot.ID+"/runs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []models.Run
	decode(t, resp, &runs)
	assert.Len(t, runs, 1)
	assert.Len(t, runs[0].SerializableOutput["items"], 1)

	// robot deletion is pinned by run history
	resp = rig.do(t, http.MethodDelete, "/robots/"+robot.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = rig.do(t, http.MethodDelete, "/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = rig.do(t, http.MethodGet, "/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AbortRun(t *testing.T) {
	session := engine.NewMockSession()
	rig := newServerRig(t, session)
	resp := rig.do(t, http.MethodPost, "/robots", robotPayload("watcher"))
	var robot models.Robot
	decode(t, resp, &robot)

	resp = rig.do(t, http.MethodPost, "/robots/"+robot.ID+"/runs",
		map[string]interface{}{"triggered_by": "user"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var run models.Run
	decode(t, resp, &run)
	assert.Equal(t, models.UserTrigger, run.TriggeredBy)

	resp = rig.do(t, http.MethodPost, "/runs/"+run.ID+"/abort", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Eventually(t, func() bool {
		stored, err := rig.store.GetRun(run.ID)
		return err == nil && stored.Status == models.AbortedRunStatus
	}, 2*time.Second, 10*time.Millisecond)

	// control verbs on a terminal run are conflicts
	resp = rig.do(t, http.MethodPost, "/runs/"+run.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_IntegrationEndpoints(t *testing.T) {
	rig := newServerRig(t)
	resp := rig.do(t, http.MethodPost, "/robots", robotPayload("watcher"))
	var robot models.Robot
	decode(t, resp, &robot)

	resp = rig.do(t, http.MethodPut, "/robots/"+robot.ID+"/integrations/google_sheets",
		map[string]interface{}{
			"email":         "owner@example.com",
			"target_id":     "sheet-1",
			"access_token":  "plain-access",
			"refresh_token": "plain-refresh",
		})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the stored credential is sealed, not plaintext
	stored, err := rig.store.GetRobot(robot.ID)
	assert.NoError(t, err)
	cred := stored.Integrations["google_sheets"]
	assert.NotEqual(t, "plain-access", cred.AccessToken)

	resp = rig.do(t, http.MethodDelete, "/robots/"+robot.ID+"/integrations/google_sheets", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodDelete, "/robots/"+robot.ID+"/integrations/google_sheets", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_UnknownControlVerb(t *testing.T) {
	rig := newServerRig(t)
	resp := rig.do(t, http.MethodPost, "/runs/some-run/rewind", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, fmt.Sprintf("/runs/%s", "missing"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
