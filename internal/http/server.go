package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/internal/log"
	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/schedule"
	"github.com/theshibabasement/maxun/pkg/service"
	"github.com/theshibabasement/maxun/pkg/storage"
)

// StartServer wires every route and blocks serving HTTP.
func StartServer(port string, robots *service.RobotService, runs *service.RunService) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/robots", RobotsHandler(robots))
	mux.HandleFunc("/robots/", RobotByIDHandler(robots, runs))
	mux.HandleFunc("/runs/", RunByIDHandler(runs))

	log.GetLogger().Infof("Starting Maxun orchestrator on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Maxun orchestrator is running")
}

type robotRequest struct {
	Name     string                    `json:"name"`
	Workflow models.WorkflowDefinition `json:"workflow"`
	Params   []string                  `json:"params"`
}

type duplicateRequest struct {
	Name string `json:"name"`
}

type startRunRequest struct {
	TriggeredBy models.RunTrigger `json:"triggered_by"`
}

type breakpointsRequest struct {
	PairIDs []string `json:"pair_ids"`
}

type runStatusResponse struct {
	Run        models.Run `json:"run"`
	Paused     bool       `json:"paused,omitempty"`
	ActiveStep string     `json:"active_step,omitempty"`
}

// RobotsHandler serves the robot collection: GET lists, POST creates.
func RobotsHandler(svc *service.RobotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			robots, err := svc.ListRobots()
			if err != nil {
				writeError(w, err, "list robots")
				return
			}
			writeJSON(w, http.StatusOK, robots)
		case http.MethodPost:
			var req robotRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.Name == "" {
				http.Error(w, "Missing 'name' field", http.StatusBadRequest)
				return
			}
			robot, err := svc.CreateRobot(req.Name, req.Workflow, req.Params)
			if err != nil {
				writeError(w, err, "create robot")
				return
			}
			writeJSON(w, http.StatusCreated, robot)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// RobotByIDHandler serves /robots/{id} and its sub-resources: duplicate,
// schedule, integrations and runs.
func RobotByIDHandler(robots *service.RobotService, runs *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/robots/"), "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			http.Error(w, "Missing robot id", http.StatusBadRequest)
			return
		}
		id := parts[0]

		if len(parts) == 1 {
			robotHTTP(w, r, robots, id)
			return
		}
		switch parts[1] {
		case "duplicate":
			duplicateHTTP(w, r, robots, id)
		case "schedule":
			scheduleHTTP(w, r, robots, id)
		case "integrations":
			if len(parts) != 3 {
				http.Error(w, "Missing integration provider", http.StatusBadRequest)
				return
			}
			integrationHTTP(w, r, robots, id, parts[2])
		case "runs":
			robotRunsHTTP(w, r, runs, id)
		default:
			http.Error(w, "Unknown resource", http.StatusNotFound)
		}
	}
}

func robotHTTP(w http.ResponseWriter, r *http.Request, svc *service.RobotService, id string) {
	switch r.Method {
	case http.MethodGet:
		robot, err := svc.GetRobot(id)
		if err != nil {
			writeError(w, err, "get robot")
			return
		}
		writeJSON(w, http.StatusOK, robot)
	case http.MethodPut:
		var req robotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		robot, err := svc.UpdateRobot(id, req.Name, req.Workflow, req.Params)
		if err != nil {
			writeError(w, err, "update robot")
			return
		}
		writeJSON(w, http.StatusOK, robot)
	case http.MethodDelete:
		if err := svc.DeleteRobot(id); err != nil {
			writeError(w, err, "delete robot")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func duplicateHTTP(w http.ResponseWriter, r *http.Request, svc *service.RobotService, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req duplicateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	robot, err := svc.DuplicateRobot(id, req.Name)
	if err != nil {
		writeError(w, err, "duplicate robot")
		return
	}
	writeJSON(w, http.StatusCreated, robot)
}

func scheduleHTTP(w http.ResponseWriter, r *http.Request, svc *service.RobotService, id string) {
	switch r.Method {
	case http.MethodPut:
		var cfg models.ScheduleConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		saved, err := svc.SetSchedule(id, cfg)
		if err != nil {
			writeError(w, err, "set schedule")
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := svc.ClearSchedule(id); err != nil {
			writeError(w, err, "clear schedule")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func integrationHTTP(w http.ResponseWriter, r *http.Request, svc *service.RobotService, id, provider string) {
	switch r.Method {
	case http.MethodPut:
		var cred models.IntegrationCredential
		if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := svc.SetIntegration(id, provider, cred); err != nil {
			writeError(w, err, "set integration")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := svc.RemoveIntegration(id, provider); err != nil {
			writeError(w, err, "remove integration")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func robotRunsHTTP(w http.ResponseWriter, r *http.Request, runs *service.RunService, robotID string) {
	switch r.Method {
	case http.MethodGet:
		list, err := runs.ListRuns(robotID)
		if err != nil {
			writeError(w, err, "list runs")
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		req := startRunRequest{TriggeredBy: models.APITrigger}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
		}
		runID, err := runs.Start(r.Context(), robotID, req.TriggeredBy)
		if err != nil {
			writeError(w, err, "start run")
			return
		}
		run, err := runs.GetRun(runID)
		if err != nil {
			writeError(w, err, "get run")
			return
		}
		writeJSON(w, http.StatusCreated, run)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// RunByIDHandler serves /runs/{id} and the control verbs pause, resume,
// step, abort and breakpoints.
func RunByIDHandler(runs *service.RunService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			http.Error(w, "Missing run id", http.StatusBadRequest)
			return
		}
		id := parts[0]

		if len(parts) == 1 {
			switch r.Method {
			case http.MethodGet:
				run, err := runs.GetRun(id)
				if err != nil {
					writeError(w, err, "get run")
					return
				}
				resp := runStatusResponse{Run: run}
				if !run.Status.Terminal() {
					if paused, step, err := runs.Status(id); err == nil {
						resp.Paused = paused
						resp.ActiveStep = step
					}
				}
				writeJSON(w, http.StatusOK, resp)
			case http.MethodDelete:
				if err := runs.DeleteRun(id); err != nil {
					writeError(w, err, "delete run")
					return
				}
				w.WriteHeader(http.StatusNoContent)
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}

		verb := parts[1]
		if verb == "breakpoints" {
			if r.Method != http.MethodPut {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			var req breakpointsRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := runs.SetBreakpoints(id, req.PairIDs); err != nil {
				writeError(w, err, "set breakpoints")
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var err error
		switch verb {
		case "pause":
			err = runs.Pause(id)
		case "resume":
			err = runs.Resume(id)
		case "step":
			err = runs.Step(id)
		case "abort":
			err = runs.Abort(id)
		default:
			http.Error(w, "Unknown control verb", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, err, verb+" run")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

// writeError maps the service error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error, action string) {
	log.GetLogger().Errorf("Failed to %s: %v", action, err)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, schedule.ErrComputation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, fmt.Sprintf("Failed to %s: %v", action, err), http.StatusInternalServerError)
	}
}
