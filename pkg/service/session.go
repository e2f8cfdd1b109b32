package service

import (
	"strings"
	"sync"
	"time"

	"github.com/theshibabasement/maxun/pkg/engine"
	"github.com/theshibabasement/maxun/pkg/models"
)

// runController owns the control channel of exactly one interpretation
// session. All control operations on a run are serialized through its mutex;
// controllers for different runs are fully independent.
type runController struct {
	runID  string
	robot  models.Robot
	logger Logger

	session engine.Session
	capture *CaptureBuffer

	mu            sync.Mutex
	paused        bool
	pendingStep   bool
	activeStepID  string
	breakpoints   []string
	logText       strings.Builder
	debugMessages []string

	// done is closed when the session's event stream ends, acknowledging
	// teardown.
	done      chan struct{}
	aborting  bool
	finalized bool
}

func newRunController(runID string, robot models.Robot, session engine.Session, logger Logger) *runController {
	return &runController{
		runID:   runID,
		robot:   robot,
		logger:  logger,
		session: session,
		capture: NewCaptureBuffer(),
		done:    make(chan struct{}),
	}
}

// pause is idempotent: pausing an already-paused run changes nothing.
func (c *runController) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.logger.Infof("Run %s is already paused", c.runID)
		return
	}
	c.paused = true
	c.session.Pause()
	if c.pendingStep {
		// a step queued while running applies at this natural breakpoint
		c.pendingStep = false
		c.session.Step()
	}
}

// resume while not paused is a logged no-op, not an error.
func (c *runController) resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.logger.Infof("Resume called on run %s but it is not paused", c.runID)
		return false
	}
	c.paused = false
	c.session.Resume()
	return true
}

// step executes one pair immediately when paused; while running it is queued
// and applied at the next pause.
func (c *runController) step() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.session.Step()
		return
	}
	c.logger.Infof("Step queued for running run %s", c.runID)
	c.pendingStep = true
}

func (c *runController) setBreakpoints(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakpoints = append([]string(nil), ids...)
	c.session.SetBreakpoints(ids)
}

// abort signals the engine to stop and waits for the event stream to close.
// It reports false when the timeout elapses first; the caller forces the
// terminal transition locally either way.
func (c *runController) abort(timeout time.Duration) bool {
	c.session.Abort()
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *runController) markAborting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborting = true
}

func (c *runController) isAborting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborting
}

func (c *runController) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *runController) activeStep() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeStepID
}

func (c *runController) setActiveStep(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeStepID = id
}

func (c *runController) appendLog(message string, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isError {
		c.logText.WriteString("[ERROR] ")
	}
	c.logText.WriteString(message)
	c.logText.WriteString("\n")
}

func (c *runController) appendDebug(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugMessages = append(c.debugMessages, message)
}

func (c *runController) logSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logText.String()
}

// claimFinalize returns true exactly once per controller, so the event pump
// and an abort cannot both write the terminal record.
func (c *runController) claimFinalize() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return false
	}
	c.finalized = true
	return true
}
