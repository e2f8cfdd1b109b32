package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

type RunStatus string

const (
	QueuedRunStatus    RunStatus = "QUEUED"
	RunningRunStatus   RunStatus = "RUNNING"
	PausedRunStatus    RunStatus = "PAUSED"
	AbortingRunStatus  RunStatus = "ABORTING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
	AbortedRunStatus   RunStatus = "ABORTED"
)

// ActiveRunStatuses are the statuses that count against the
// one-active-run-per-robot invariant.
var ActiveRunStatuses = []RunStatus{
	QueuedRunStatus,
	RunningRunStatus,
	PausedRunStatus,
	AbortingRunStatus,
}

// Terminal reports whether a run in this status can never change again
// (except by deletion).
func (s RunStatus) Terminal() bool {
	switch s {
	case CompletedRunStatus, FailedRunStatus, AbortedRunStatus:
		return true
	}
	return false
}

// Active reports whether the status counts as an in-flight run.
func (s RunStatus) Active() bool {
	for _, a := range ActiveRunStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type RunTrigger string

const (
	UserTrigger     RunTrigger = "user"
	ScheduleTrigger RunTrigger = "schedule"
	APITrigger      RunTrigger = "api"
)

// Run is one execution instance of a robot's workflow.
type Run struct {
	ID                 string             `json:"id" db:"id"`
	RobotID            string             `json:"robot_id" db:"robot_id"`
	RobotMetaID        string             `json:"robot_meta_id" db:"robot_meta_id"`
	RobotMeta          RobotMeta          `json:"robot_meta" db:"robot_meta"`
	Status             RunStatus          `json:"status" db:"status"`
	TriggeredBy        RunTrigger         `json:"triggered_by" db:"triggered_by"`
	StartedAt          time.Time          `json:"started_at" db:"started_at"`
	FinishedAt         *time.Time         `json:"finished_at,omitempty" db:"finished_at"`
	Log                string             `json:"log" db:"log"`
	SerializableOutput SerializableOutput `json:"serializable_output" db:"serializable_output"`
	BinaryOutput       BinaryOutput       `json:"binary_output" db:"binary_output"`
}

// BinaryChunk is one binary artifact captured during a run.
type BinaryChunk struct {
	Mimetype string `json:"mimetype"`
	Data     []byte `json:"data"`
}

// SerializableOutput maps a logical output name to the ordered sequence of
// structured chunks captured under that name.
type SerializableOutput map[string][]json.RawMessage

// BinaryOutput maps a logical output name to the ordered sequence of binary
// chunks captured under that name.
type BinaryOutput map[string][]BinaryChunk

func (o SerializableOutput) Value() (driver.Value, error) {
	if o == nil {
		return jsonValue(SerializableOutput{})
	}
	return jsonValue(o)
}

func (o *SerializableOutput) Scan(src interface{}) error { return jsonScan(src, o) }

func (o BinaryOutput) Value() (driver.Value, error) {
	if o == nil {
		return jsonValue(BinaryOutput{})
	}
	return jsonValue(o)
}

func (o *BinaryOutput) Scan(src interface{}) error { return jsonScan(src, o) }
