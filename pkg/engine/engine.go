// Package engine defines the narrow coupling surface between the
// orchestrator and the external page-interaction engine. The orchestrator
// drives one Session per run through command methods and consumes its event
// stream; the engine's matching and action semantics are opaque here.
package engine

import (
	"context"
	"encoding/json"

	"github.com/theshibabasement/maxun/pkg/models"
)

type EventKind string

const (
	LogEvent          EventKind = "log"
	DebugEvent        EventKind = "debug"
	SerializableEvent EventKind = "serializableChunk"
	BinaryEvent       EventKind = "binaryChunk"
	FinishedEvent     EventKind = "finished"
)

// Outcome is the engine's own verdict on a finished interpretation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one message emitted by an interpretation session. Which fields
// are set depends on Kind.
type Event struct {
	Kind EventKind

	// log / debug
	Message string
	IsError bool

	// serializableChunk / binaryChunk
	Key      string
	Value    json.RawMessage
	Mimetype string
	Data     []byte

	// id of the workflow pair being interpreted when the event was emitted
	PairID string

	// finished
	Outcome Outcome
}

// Session is a handle on one in-flight interpretation. The command methods
// signal and return without blocking; the engine suspends itself between
// matcher/action pairs while paused. The session acknowledges teardown by
// closing its event channel.
type Session interface {
	Pause()
	Resume()
	// Step executes exactly one pending matcher/action pair, then re-pauses.
	Step()
	SetBreakpoints(ids []string)
	Abort()
	Events() <-chan Event
}

// Launcher opens a new interpretation session for a robot's workflow.
type Launcher interface {
	Launch(ctx context.Context, robot models.Robot) (Session, error)
}
