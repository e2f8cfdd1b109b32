package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/pkg/engine"
	"github.com/theshibabasement/maxun/pkg/integration"
	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/schedule"
	"github.com/theshibabasement/maxun/pkg/storage"
	"github.com/theshibabasement/maxun/pkg/vault"
)

// Logger defines the logging interface for the services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DefaultAbortTimeout bounds how long an abort waits for the engine to
// acknowledge teardown before the terminal transition is forced locally.
const DefaultAbortTimeout = 10 * time.Second

// RunService owns the lifecycle state machine of every run: it enforces the
// one-active-run-per-robot invariant, drives each run's interpreter control
// channel, and persists the capture buffer when a run reaches a terminal
// state.
type RunService struct {
	store    storage.Store
	launcher engine.Launcher
	vault    *vault.Vault
	pusher   integration.Pusher
	logger   Logger

	// AbortTimeout may be shortened before the service is used; it is not
	// safe to change while runs are in flight.
	AbortTimeout time.Duration

	now func() time.Time

	mu          sync.Mutex
	controllers map[string]*runController // by run id
	active      map[string]string         // robot id -> active run id
}

func NewRunService(store storage.Store, launcher engine.Launcher, v *vault.Vault, pusher integration.Pusher, logger Logger) *RunService {
	return &RunService{
		store:        store,
		launcher:     launcher,
		vault:        v,
		pusher:       pusher,
		logger:       logger,
		AbortTimeout: DefaultAbortTimeout,
		now:          time.Now,
		controllers:  make(map[string]*runController),
		active:       make(map[string]string),
	}
}

// Start admits a new run for the robot, snapshots its metadata, opens an
// interpretation session and transitions the run to RUNNING. It fails with
// ErrConflict while the robot has a run in any active status.
func (s *RunService) Start(ctx context.Context, robotID string, trigger models.RunTrigger) (string, error) {
	robot, err := s.store.GetRobot(robotID)
	if err != nil {
		return "", errors.Wrapf(err, "robot %s", robotID)
	}

	runID := uuid.New().String()
	s.mu.Lock()
	if existing, ok := s.active[robotID]; ok {
		s.mu.Unlock()
		return "", errors.Wrapf(ErrConflict, "robot %s is blocked by run %s", robotID, existing)
	}
	// reserve before releasing the lock so a racing caller conflicts
	s.active[robotID] = runID
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.active[robotID] == runID {
			delete(s.active, robotID)
		}
		s.mu.Unlock()
	}

	// guard against active runs admitted by a previous process lifetime
	if existing, err := s.store.ActiveRun(robotID); err == nil {
		release()
		return "", errors.Wrapf(ErrConflict, "robot %s is blocked by run %s", robotID, existing.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		release()
		return "", errors.Wrap(err, "check active run")
	}

	startedAt := s.now()
	run := models.Run{
		ID:          runID,
		RobotID:     robotID,
		RobotMetaID: robot.Meta.ID,
		RobotMeta:   robot.Meta,
		Status:      models.QueuedRunStatus,
		TriggeredBy: trigger,
		StartedAt:   startedAt,
	}
	if err := s.store.SaveRun(run); err != nil {
		release()
		return "", errors.Wrapf(err, "save run for robot %s", robotID)
	}

	session, err := s.launcher.Launch(ctx, robot)
	if err != nil {
		run.Status = models.FailedRunStatus
		finishedAt := s.now()
		run.FinishedAt = &finishedAt
		run.Log = "[ERROR] failed to open interpretation session: " + err.Error() + "\n"
		if finishErr := s.store.FinishRun(run); finishErr != nil {
			s.logger.Errorf("Failed to persist failed run %s: %v", runID, finishErr)
		}
		release()
		return "", errors.Wrapf(err, "launch session for robot %s", robotID)
	}

	ctrl := newRunController(runID, robot, session, s.logger)
	s.mu.Lock()
	s.controllers[runID] = ctrl
	s.mu.Unlock()

	if err := s.store.UpdateRunStatus(runID, models.RunningRunStatus); err != nil {
		s.logger.Errorf("Failed to update run %s to RUNNING: %v", runID, err)
	}
	s.recomputeSchedule(robotID, &startedAt)

	go s.pump(ctrl)

	s.logger.Infof("Started run %s for robot %s (trigger %s)", runID, robotID, trigger)
	return runID, nil
}

// controller resolves the live controller for a run, translating its absence
// into the error taxonomy: unknown id is the store's ErrNotFound, a terminal
// run is ErrInvalidState.
func (s *RunService) controller(runID string) (*runController, error) {
	s.mu.Lock()
	ctrl, ok := s.controllers[runID]
	s.mu.Unlock()
	if ok {
		return ctrl, nil
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		return nil, errors.Wrapf(err, "run %s", runID)
	}
	if run.Status.Terminal() {
		return nil, errors.Wrapf(ErrInvalidState, "run %s is %s", runID, run.Status)
	}
	return nil, errors.Wrapf(ErrInvalidState, "run %s has no live session", runID)
}

// Pause suspends the run at the next matcher/action boundary. Pausing an
// already-paused run is a no-op.
func (s *RunService) Pause(runID string) error {
	ctrl, err := s.controller(runID)
	if err != nil {
		return err
	}
	ctrl.pause()
	// an in-flight abort owns the stored status from here on
	if ctrl.isAborting() {
		return nil
	}
	if err := s.store.UpdateRunStatus(runID, models.PausedRunStatus); err != nil {
		return errors.Wrapf(err, "update run %s status", runID)
	}
	return nil
}

// Resume continues a paused run. Resuming a running run is a logged no-op.
func (s *RunService) Resume(runID string) error {
	ctrl, err := s.controller(runID)
	if err != nil {
		return err
	}
	if !ctrl.resume() || ctrl.isAborting() {
		return nil
	}
	if err := s.store.UpdateRunStatus(runID, models.RunningRunStatus); err != nil {
		return errors.Wrapf(err, "update run %s status", runID)
	}
	return nil
}

// Step executes exactly one pending matcher/action pair of a paused run; on
// a running run it is queued and applied at the next pause.
func (s *RunService) Step(runID string) error {
	ctrl, err := s.controller(runID)
	if err != nil {
		return err
	}
	ctrl.step()
	return nil
}

// SetBreakpoints forwards breakpoint pair ids to the session.
func (s *RunService) SetBreakpoints(runID string, ids []string) error {
	ctrl, err := s.controller(runID)
	if err != nil {
		return err
	}
	ctrl.setBreakpoints(ids)
	return nil
}

// Abort transitions the run to ABORTING immediately, signals the engine to
// stop and forces the terminal ABORTED state once teardown is acknowledged
// or the timeout elapses. From the caller's perspective abort always
// succeeds; an unresponsive engine is logged, not propagated.
func (s *RunService) Abort(runID string) error {
	ctrl, err := s.controller(runID)
	if err != nil {
		return err
	}
	// flag first so Pause/Resume stop touching the stored status before
	// ABORTING becomes observable
	ctrl.markAborting()
	if err := s.store.UpdateRunStatus(runID, models.AbortingRunStatus); err != nil {
		s.logger.Errorf("Failed to update run %s to ABORTING: %v", runID, err)
	}
	if !ctrl.abort(s.AbortTimeout) {
		s.logger.Errorf("%v: run %s, forcing terminal state", ErrEngineUnresponsive, runID)
	}
	s.finalize(ctrl, models.AbortedRunStatus)
	return nil
}

// pump is the single consumer of one session's event stream.
func (s *RunService) pump(ctrl *runController) {
	status := models.FailedRunStatus
	sawFinished := false
	for ev := range ctrl.session.Events() {
		if ev.PairID != "" {
			ctrl.setActiveStep(ev.PairID)
		}
		switch ev.Kind {
		case engine.LogEvent:
			ctrl.appendLog(ev.Message, ev.IsError)
		case engine.DebugEvent:
			ctrl.appendDebug(ev.Message)
		case engine.SerializableEvent:
			ctrl.capture.AddSerializable(ev.Key, ev.Value)
		case engine.BinaryEvent:
			ctrl.capture.AddBinary(ev.Key, ev.Mimetype, ev.Data)
		case engine.FinishedEvent:
			sawFinished = true
			if ev.Outcome == engine.OutcomeSuccess {
				status = models.CompletedRunStatus
			} else {
				status = models.FailedRunStatus
			}
		}
	}
	close(ctrl.done)

	if ctrl.isAborting() {
		status = models.AbortedRunStatus
	} else if !sawFinished {
		ctrl.appendLog("interpretation session closed without a terminal event", true)
	}
	s.finalize(ctrl, status)
}

// finalize writes the terminal record exactly once: status, finish time,
// accumulated log and the capture snapshot in a single atomic update, then
// hands the snapshot to the integration push and reschedules the robot.
func (s *RunService) finalize(ctrl *runController, status models.RunStatus) {
	if !ctrl.claimFinalize() {
		return
	}
	finishedAt := s.now()

	run, err := s.store.GetRun(ctrl.runID)
	if err != nil {
		s.logger.Errorf("Failed to load run %s for finalization: %v", ctrl.runID, err)
		run = models.Run{ID: ctrl.runID, RobotID: ctrl.robot.ID, RobotMetaID: ctrl.robot.Meta.ID, RobotMeta: ctrl.robot.Meta, StartedAt: finishedAt}
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.Log = ctrl.logSnapshot()
	run.SerializableOutput, run.BinaryOutput = ctrl.capture.Snapshot()
	if err := s.store.FinishRun(run); err != nil {
		s.logger.Errorf("Failed to persist terminal state of run %s: %v", ctrl.runID, err)
	}

	s.pushIntegrations(ctrl, run)

	s.mu.Lock()
	delete(s.controllers, ctrl.runID)
	if s.active[ctrl.robot.ID] == ctrl.runID {
		delete(s.active, ctrl.robot.ID)
	}
	s.mu.Unlock()

	s.recomputeSchedule(ctrl.robot.ID, nil)
	s.logger.Infof("Run %s for robot %s finished with status %s", ctrl.runID, ctrl.robot.ID, status)
}

// pushIntegrations decrypts each provider credential and hands the output
// snapshot to the push collaborator. Decryption and push failures are logged
// and never change the run's terminal status.
func (s *RunService) pushIntegrations(ctrl *runController, run models.Run) {
	if len(ctrl.robot.Integrations) == 0 {
		return
	}
	for provider, cred := range ctrl.robot.Integrations {
		access, err := s.vault.Reveal(cred.AccessToken)
		if err != nil {
			s.logger.Errorf("Cannot decrypt %s access token for robot %s: %v", provider, ctrl.robot.ID, err)
			continue
		}
		refresh, err := s.vault.Reveal(cred.RefreshToken)
		if err != nil {
			s.logger.Errorf("Cannot decrypt %s refresh token for robot %s: %v", provider, ctrl.robot.ID, err)
			continue
		}
		plain := integration.Credential{
			Provider:     provider,
			Email:        cred.Email,
			TargetID:     cred.TargetID,
			TargetName:   cred.TargetName,
			AccessToken:  access,
			RefreshToken: refresh,
		}
		if err := s.pusher.Push(context.Background(), plain, run.SerializableOutput, run.BinaryOutput); err != nil {
			s.logger.Errorf("Integration push to %s failed for run %s: %v", provider, run.ID, err)
		}
	}
}

// recomputeSchedule refreshes the robot's nextRunAt (and lastRunAt when a
// run just started). Errors are isolated to the robot and logged.
func (s *RunService) recomputeSchedule(robotID string, lastRun *time.Time) {
	robot, err := s.store.GetRobot(robotID)
	if err != nil || robot.Schedule == nil {
		return
	}
	cfg := *robot.Schedule
	if lastRun != nil {
		cfg.LastRunAt = lastRun
	}
	next, err := schedule.NextFireTime(cfg, s.now(), cfg.LastRunAt)
	if err != nil {
		s.logger.Errorf("Failed to recompute schedule for robot %s: %v", robotID, err)
		return
	}
	cfg.NextRunAt = &next
	if err := s.store.UpdateRobotSchedule(robotID, &cfg); err != nil {
		s.logger.Errorf("Failed to persist schedule for robot %s: %v", robotID, err)
	}
}

// GetRun fetches a run by id.
func (s *RunService) GetRun(runID string) (models.Run, error) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "run %s", runID)
	}
	return run, nil
}

// ListRuns returns the robot's runs in insertion order.
func (s *RunService) ListRuns(robotID string) ([]models.Run, error) {
	return s.store.ListRuns(robotID)
}

// DeleteRun removes a run unconditionally; a live session is torn down
// without waiting for acknowledgement.
func (s *RunService) DeleteRun(runID string) error {
	s.mu.Lock()
	ctrl, ok := s.controllers[runID]
	if ok {
		delete(s.controllers, runID)
		if s.active[ctrl.robot.ID] == runID {
			delete(s.active, ctrl.robot.ID)
		}
	}
	s.mu.Unlock()
	if ok {
		ctrl.markAborting()
		ctrl.claimFinalize() // the pump must not resurrect a deleted run
		ctrl.session.Abort()
	}
	if err := s.store.DeleteRun(runID); err != nil {
		return errors.Wrapf(err, "delete run %s", runID)
	}
	s.logger.Infof("Deleted run %s", runID)
	return nil
}

// Status reports the control-channel view of a run: paused flag and the id
// of the pair being interpreted.
func (s *RunService) Status(runID string) (paused bool, activeStepID string, err error) {
	ctrl, err := s.controller(runID)
	if err != nil {
		return false, "", err
	}
	return ctrl.isPaused(), ctrl.activeStep(), nil
}
