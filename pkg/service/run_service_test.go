package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/theshibabasement/maxun/pkg/engine"
	"github.com/theshibabasement/maxun/pkg/integration"
	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/service"
	"github.com/theshibabasement/maxun/pkg/storage"
	"github.com/theshibabasement/maxun/pkg/vault"
)

const testVaultKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type testLogger struct{}

func (l testLogger) Infof(format string, args ...interface{})  {}
func (l testLogger) Errorf(format string, args ...interface{}) {}
func (l testLogger) Warnf(format string, args ...interface{})  {}

type pushCall struct {
	cred         integration.Credential
	serializable models.SerializableOutput
	binary       models.BinaryOutput
}

// recordingPusher captures every hand-off for inspection.
type recordingPusher struct {
	mu    sync.Mutex
	calls []pushCall
	err   error
}

func (p *recordingPusher) Push(ctx context.Context, cred integration.Credential, serializable models.SerializableOutput, binary models.BinaryOutput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{cred: cred, serializable: serializable, binary: binary})
	return p.err
}

func (p *recordingPusher) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

type runRig struct {
	store    storage.Store
	launcher *engine.MockLauncher
	vault    *vault.Vault
	pusher   *recordingPusher
	svc      *service.RunService
}

func newRunRig(t *testing.T, sessions ...*engine.MockSession) *runRig {
	t.Helper()
	rig := &runRig{
		store:    storage.NewMockStore(),
		launcher: engine.NewMockLauncher(sessions...),
		vault:    vault.New(testVaultKey, testLogger{}),
		pusher:   &recordingPusher{},
	}
	rig.svc = service.NewRunService(rig.store, rig.launcher, rig.vault, rig.pusher, testLogger{})
	return rig
}

func (r *runRig) seedRobot(t *testing.T, id string) models.Robot {
	t.Helper()
	now := time.Now().UTC()
	robot := models.Robot{
		ID: id,
		Meta: models.RobotMeta{
			ID:        id + "-meta",
			Name:      "scraper",
			Pairs:     2,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Workflow: models.WorkflowDefinition{
			Pairs: []models.WorkflowPair{
				{ID: "pair-1", Where: json.RawMessage(`{}`), What: json.RawMessage(`[]`)},
				{ID: "pair-2", Where: json.RawMessage(`{}`), What: json.RawMessage(`[]`)},
			},
		},
	}
	assert.NoError(t, r.store.SaveRobot(robot))
	return robot
}

func (r *runRig) waitForStatus(t *testing.T, runID string, status models.RunStatus) models.Run {
	t.Helper()
	var run models.Run
	assert.Eventually(t, func() bool {
		var err error
		run, err = r.store.GetRun(runID)
		return err == nil && run.Status == status
	}, 2*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, status)
	return run
}

func TestRunService_StartToCompletion(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	run, err := rig.store.GetRun(runID)
	assert.NoError(t, err)
	assert.Equal(t, models.RunningRunStatus, run.Status)
	assert.Equal(t, models.UserTrigger, run.TriggeredBy)
	assert.Equal(t, robot.Meta.ID, run.RobotMetaID)
	assert.Equal(t, "scraper", run.RobotMeta.Name)

	session.Emit(engine.Event{Kind: engine.LogEvent, Message: "navigating", PairID: "pair-1"})
	session.Emit(engine.Event{Kind: engine.SerializableEvent, Key: "items", Value: json.RawMessage(`[{"n":1}]`)})
	session.Emit(engine.Event{Kind: engine.BinaryEvent, Key: "screenshot", Mimetype: "image/png", Data: []byte{0x89}})
	session.Emit(engine.Event{Kind: engine.LogEvent, Message: "selector missing, retried", IsError: true})
	session.Finish(engine.OutcomeSuccess)

	final := rig.waitForStatus(t, runID, models.CompletedRunStatus)
	assert.NotNil(t, final.FinishedAt)
	assert.Contains(t, final.Log, "navigating\n")
	assert.Contains(t, final.Log, "[ERROR] selector missing, retried\n")
	assert.Len(t, final.SerializableOutput["items"], 1)
	assert.Equal(t, "image/png", final.BinaryOutput["screenshot"][0].Mimetype)

	// a finished run no longer blocks the robot
	next := engine.NewMockSession()
	rig.launcher.Sessions = append(rig.launcher.Sessions, next)
	assert.Eventually(t, func() bool {
		_, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunService_ActiveRunBlocksStart(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	_, err = rig.svc.Start(context.Background(), robot.ID, models.APITrigger)
	assert.True(t, errors.Is(err, service.ErrConflict))
	assert.Contains(t, err.Error(), runID)

	session.Finish(engine.OutcomeSuccess)
	rig.waitForStatus(t, runID, models.CompletedRunStatus)
}

func TestRunService_ConcurrentStartsAdmitOne(t *testing.T) {
	sessions := []*engine.MockSession{engine.NewMockSession(), engine.NewMockSession()}
	rig := newRunRig(t, sessions...)
	robot := rig.seedRobot(t, "robot-1")

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.svc.Start(context.Background(), robot.ID, models.APITrigger)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	started := 0
	for err := range results {
		if err == nil {
			started++
		} else {
			assert.True(t, errors.Is(err, service.ErrConflict))
		}
	}
	assert.Equal(t, 1, started)
}

func TestRunService_PauseResumeStep(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	// step while running is queued, not forwarded
	assert.NoError(t, rig.svc.Step(runID))
	_, _, steps, _ := session.Calls()
	assert.Equal(t, 0, steps)

	// pause forwards the command and applies the queued step
	assert.NoError(t, rig.svc.Pause(runID))
	pauses, _, steps, _ := session.Calls()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, steps)
	run, err := rig.store.GetRun(runID)
	assert.NoError(t, err)
	assert.Equal(t, models.PausedRunStatus, run.Status)

	paused, _, err := rig.svc.Status(runID)
	assert.NoError(t, err)
	assert.True(t, paused)

	// pausing again is a no-op
	assert.NoError(t, rig.svc.Pause(runID))
	pauses, _, _, _ = session.Calls()
	assert.Equal(t, 1, pauses)

	// step while paused executes immediately
	assert.NoError(t, rig.svc.Step(runID))
	_, _, steps, _ = session.Calls()
	assert.Equal(t, 2, steps)

	assert.NoError(t, rig.svc.Resume(runID))
	_, resumes, _, _ := session.Calls()
	assert.Equal(t, 1, resumes)
	run, err = rig.store.GetRun(runID)
	assert.NoError(t, err)
	assert.Equal(t, models.RunningRunStatus, run.Status)

	// resuming a running run is a no-op
	assert.NoError(t, rig.svc.Resume(runID))
	_, resumes, _, _ = session.Calls()
	assert.Equal(t, 1, resumes)

	assert.NoError(t, rig.svc.SetBreakpoints(runID, []string{"pair-2"}))

	session.Finish(engine.OutcomeSuccess)
	rig.waitForStatus(t, runID, models.CompletedRunStatus)
}

func TestRunService_ActiveStepTracking(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	session.Emit(engine.Event{Kind: engine.DebugEvent, Message: "matched pair-2", PairID: "pair-2"})
	assert.Eventually(t, func() bool {
		_, step, err := rig.svc.Status(runID)
		return err == nil && step == "pair-2"
	}, 2*time.Second, 10*time.Millisecond)

	session.Finish(engine.OutcomeSuccess)
	rig.waitForStatus(t, runID, models.CompletedRunStatus)
}

func TestRunService_AbortKeepsPartialOutput(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	session.Emit(engine.Event{Kind: engine.SerializableEvent, Key: "items", Value: json.RawMessage(`[{"n":1}]`)})
	session.Emit(engine.Event{Kind: engine.LogEvent, Message: "first page done"})

	assert.NoError(t, rig.svc.Abort(runID))
	run := rig.waitForStatus(t, runID, models.AbortedRunStatus)
	assert.NotNil(t, run.FinishedAt)
	assert.Len(t, run.SerializableOutput["items"], 1)
	assert.Contains(t, run.Log, "first page done")

	_, _, _, aborts := session.Calls()
	assert.Equal(t, 1, aborts)
}

func TestRunService_AbortUnresponsiveEngine(t *testing.T) {
	session := engine.NewMockSession()
	session.AckAbort = false
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")
	rig.svc.AbortTimeout = 50 * time.Millisecond

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	// abort must succeed even though the engine never acknowledges
	assert.NoError(t, rig.svc.Abort(runID))
	run := rig.waitForStatus(t, runID, models.AbortedRunStatus)
	assert.NotNil(t, run.FinishedAt)

	// the robot is free again despite the wedged session
	next := engine.NewMockSession()
	rig.launcher.Sessions = append(rig.launcher.Sessions, next)
	assert.Eventually(t, func() bool {
		_, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	session.Close()
}

func TestRunService_PauseDuringAbortKeepsAbortingStatus(t *testing.T) {
	session := engine.NewMockSession()
	session.AckAbort = false
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")
	rig.svc.AbortTimeout = 300 * time.Millisecond

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	abortDone := make(chan struct{})
	go func() {
		defer close(abortDone)
		assert.NoError(t, rig.svc.Abort(runID))
	}()

	// once ABORTING is observable, pause and resume must leave the stored
	// status alone instead of flipping it back to PAUSED or RUNNING
	rig.waitForStatus(t, runID, models.AbortingRunStatus)
	assert.NoError(t, rig.svc.Pause(runID))
	run, err := rig.store.GetRun(runID)
	assert.NoError(t, err)
	assert.Equal(t, models.AbortingRunStatus, run.Status)

	assert.NoError(t, rig.svc.Resume(runID))
	run, err = rig.store.GetRun(runID)
	assert.NoError(t, err)
	assert.Equal(t, models.AbortingRunStatus, run.Status)

	<-abortDone
	rig.waitForStatus(t, runID, models.AbortedRunStatus)
	session.Close()
}

func TestRunService_SessionCrashFailsRun(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	session.Emit(engine.Event{Kind: engine.LogEvent, Message: "launching browser"})
	session.Close()

	run := rig.waitForStatus(t, runID, models.FailedRunStatus)
	assert.Contains(t, run.Log, "[ERROR] interpretation session closed without a terminal event")
}

func TestRunService_LaunchFailurePersistsFailedRun(t *testing.T) {
	rig := newRunRig(t)
	robot := rig.seedRobot(t, "robot-1")
	rig.launcher.Err = errors.New("browser pool exhausted")

	_, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "browser pool exhausted")

	runs, err := rig.store.ListRuns(robot.ID)
	assert.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, models.FailedRunStatus, runs[0].Status)
	assert.Contains(t, runs[0].Log, "browser pool exhausted")

	// the failed admission must not leave the robot blocked
	rig.launcher.Err = nil
	rig.launcher.Sessions = append(rig.launcher.Sessions, engine.NewMockSession())
	_, err = rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)
}

func TestRunService_ControlErrorTaxonomy(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	assert.True(t, errors.Is(rig.svc.Pause("no-such-run"), storage.ErrNotFound))
	assert.True(t, errors.Is(rig.svc.Resume("no-such-run"), storage.ErrNotFound))
	assert.True(t, errors.Is(rig.svc.Abort("no-such-run"), storage.ErrNotFound))

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)
	session.Finish(engine.OutcomeFailure)
	rig.waitForStatus(t, runID, models.FailedRunStatus)

	// the controller is unregistered shortly after the terminal write
	assert.Eventually(t, func() bool {
		return errors.Is(rig.svc.Pause(runID), service.ErrInvalidState)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(rig.svc.Step(runID), service.ErrInvalidState))
	assert.True(t, errors.Is(rig.svc.Abort(runID), service.ErrInvalidState))
}

func TestRunService_IntegrationPush(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	access, err := rig.vault.Protect("plain-access")
	assert.NoError(t, err)
	refresh, err := rig.vault.Protect("plain-refresh")
	assert.NoError(t, err)
	assert.NoError(t, rig.store.UpdateRobotIntegrations(robot.ID, models.IntegrationMap{
		"google_sheets": {
			Email:        "owner@example.com",
			TargetID:     "sheet-1",
			AccessToken:  access,
			RefreshToken: refresh,
		},
	}))

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.ScheduleTrigger)
	assert.NoError(t, err)
	session.Emit(engine.Event{Kind: engine.SerializableEvent, Key: "rows", Value: json.RawMessage(`[{"a":1}]`)})
	session.Finish(engine.OutcomeSuccess)
	rig.waitForStatus(t, runID, models.CompletedRunStatus)

	assert.Eventually(t, func() bool { return len(rig.pusher.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	call := rig.pusher.Calls()[0]
	assert.Equal(t, "google_sheets", call.cred.Provider)
	assert.Equal(t, "owner@example.com", call.cred.Email)
	assert.Equal(t, "plain-access", call.cred.AccessToken)
	assert.Equal(t, "plain-refresh", call.cred.RefreshToken)
	assert.Len(t, call.serializable["rows"], 1)
}

func TestRunService_UnreadableCredentialSkipsPush(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	assert.NoError(t, rig.store.UpdateRobotIntegrations(robot.ID, models.IntegrationMap{
		"airtable": {AccessToken: "not-a-vault-record", RefreshToken: "neither"},
	}))

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)
	session.Finish(engine.OutcomeSuccess)

	// the run still completes; the undecryptable credential only skips the push
	rig.waitForStatus(t, runID, models.CompletedRunStatus)
	assert.Empty(t, rig.pusher.Calls())
}

func TestRunService_DeleteLiveRun(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)

	assert.NoError(t, rig.svc.DeleteRun(runID))
	_, err = rig.store.GetRun(runID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, _, _, aborts := session.Calls()
	assert.Equal(t, 1, aborts)

	// deletion releases the robot for new runs
	next := engine.NewMockSession()
	rig.launcher.Sessions = append(rig.launcher.Sessions, next)
	_, err = rig.svc.Start(context.Background(), robot.ID, models.UserTrigger)
	assert.NoError(t, err)
}

func TestRunService_ScheduleBookkeeping(t *testing.T) {
	session := engine.NewMockSession()
	rig := newRunRig(t, session)
	robot := rig.seedRobot(t, "robot-1")
	assert.NoError(t, rig.store.UpdateRobotSchedule(robot.ID, &models.ScheduleConfig{
		RunEvery:     1,
		RunEveryUnit: models.Hours,
		StartFrom:    models.Monday,
		Timezone:     "UTC",
	}))

	runID, err := rig.svc.Start(context.Background(), robot.ID, models.ScheduleTrigger)
	assert.NoError(t, err)

	stored, err := rig.store.GetRobot(robot.ID)
	assert.NoError(t, err)
	assert.NotNil(t, stored.Schedule.LastRunAt)
	assert.NotNil(t, stored.Schedule.NextRunAt)
	assert.True(t, stored.Schedule.NextRunAt.After(time.Now()))

	session.Finish(engine.OutcomeSuccess)
	rig.waitForStatus(t, runID, models.CompletedRunStatus)
}
