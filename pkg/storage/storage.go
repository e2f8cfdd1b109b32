package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/pkg/models"
)

// ErrNotFound is returned when a robot or run does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations the orchestrator needs. Begin
// returns a transactional view of the same interface; Commit/Rollback are
// errors outside a transaction.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Robot operations
	SaveRobot(r models.Robot) error
	GetRobot(id string) (models.Robot, error)
	ListRobots() ([]models.Robot, error)
	UpdateRobot(r models.Robot) error
	// DeleteRobot fails while the robot still has runs; run history pins a robot.
	DeleteRobot(id string) error
	UpdateRobotSchedule(id string, schedule *models.ScheduleConfig) error
	UpdateRobotIntegrations(id string, integrations models.IntegrationMap) error
	// ListDueRobots returns robots whose schedule has a nextRunAt <= now.
	ListDueRobots(now time.Time) ([]models.Robot, error)

	// Run operations
	SaveRun(run models.Run) error
	GetRun(id string) (models.Run, error)
	ListRuns(robotID string) ([]models.Run, error)
	UpdateRunStatus(id string, status models.RunStatus) error
	// FinishRun writes the terminal status, finish time, accumulated log and
	// both output maps as a single atomic update.
	FinishRun(run models.Run) error
	DeleteRun(id string) error
	CountRuns(robotID string) (int, error)
	// ActiveRun returns the robot's run in an active status, or ErrNotFound.
	ActiveRun(robotID string) (models.Run, error)
}
