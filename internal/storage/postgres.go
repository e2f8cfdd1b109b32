package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// robotRow bridges the nullable schedule column; a *models.ScheduleConfig
// field cannot Scan a SQL NULL directly.
type robotRow struct {
	ID           string                    `db:"id"`
	Meta         models.RobotMeta          `db:"meta"`
	Workflow     models.WorkflowDefinition `db:"workflow"`
	Schedule     scheduleColumn            `db:"schedule"`
	Integrations models.IntegrationMap     `db:"integrations"`
}

func (r robotRow) toModel() models.Robot {
	return models.Robot{
		ID:           r.ID,
		Meta:         r.Meta,
		Workflow:     r.Workflow,
		Schedule:     r.Schedule.cfg,
		Integrations: r.Integrations,
	}
}

type scheduleColumn struct {
	cfg *models.ScheduleConfig
}

func (c *scheduleColumn) Scan(src interface{}) error {
	if src == nil {
		c.cfg = nil
		return nil
	}
	var cfg models.ScheduleConfig
	if err := cfg.Scan(src); err != nil {
		return err
	}
	c.cfg = &cfg
	return nil
}

// scheduleArg turns a nil config into a SQL NULL.
func scheduleArg(cfg *models.ScheduleConfig) interface{} {
	if cfg == nil {
		return nil
	}
	return *cfg
}

func activeStatuses() pq.StringArray {
	statuses := make(pq.StringArray, len(models.ActiveRunStatuses))
	for i, s := range models.ActiveRunStatuses {
		statuses[i] = string(s)
	}
	return statuses
}

func (s *PostgresStore) SaveRobot(r models.Robot) error {
	_, err := s.db.Exec(
		"INSERT INTO robots (id, meta, workflow, schedule, integrations) VALUES ($1, $2, $3, $4, $5)",
		r.ID, r.Meta, r.Workflow, scheduleArg(r.Schedule), r.Integrations)
	if err != nil {
		return fmt.Errorf("save robot %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRobot(id string) (models.Robot, error) {
	var row robotRow
	err := s.db.Get(&row, "SELECT id, meta, workflow, schedule, integrations FROM robots WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Robot{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Robot{}, fmt.Errorf("get robot %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) ListRobots() ([]models.Robot, error) {
	rows := []robotRow{}
	err := s.db.Select(&rows, "SELECT id, meta, workflow, schedule, integrations FROM robots ORDER BY meta->>'created_at'")
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	robots := make([]models.Robot, 0, len(rows))
	for _, row := range rows {
		robots = append(robots, row.toModel())
	}
	return robots, nil
}

func (s *PostgresStore) UpdateRobot(r models.Robot) error {
	res, err := s.db.Exec(
		"UPDATE robots SET meta = $1, workflow = $2 WHERE id = $3",
		r.Meta, r.Workflow, r.ID)
	if err != nil {
		return fmt.Errorf("update robot %s: %w", r.ID, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteRobot(id string) error {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM runs WHERE robot_id = $1", id); err != nil {
		return fmt.Errorf("delete robot %s: %w", id, err)
	}
	if count > 0 {
		return fmt.Errorf("robot %s has run history", id)
	}
	res, err := s.db.Exec("DELETE FROM robots WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete robot %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateRobotSchedule(id string, schedule *models.ScheduleConfig) error {
	res, err := s.db.Exec("UPDATE robots SET schedule = $1 WHERE id = $2", scheduleArg(schedule), id)
	if err != nil {
		return fmt.Errorf("update schedule of robot %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateRobotIntegrations(id string, integrations models.IntegrationMap) error {
	res, err := s.db.Exec("UPDATE robots SET integrations = $1 WHERE id = $2", integrations, id)
	if err != nil {
		return fmt.Errorf("update integrations of robot %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListDueRobots(now time.Time) ([]models.Robot, error) {
	rows := []robotRow{}
	err := s.db.Select(&rows, `
		SELECT id, meta, workflow, schedule, integrations FROM robots
		WHERE schedule IS NOT NULL
		AND schedule->>'nextRunAt' IS NOT NULL
		AND (schedule->>'nextRunAt')::timestamptz <= $1
		ORDER BY (schedule->>'nextRunAt')::timestamptz`, now)
	if err != nil {
		return nil, fmt.Errorf("list due robots: %w", err)
	}
	robots := make([]models.Robot, 0, len(rows))
	for _, row := range rows {
		robots = append(robots, row.toModel())
	}
	return robots, nil
}

func (s *PostgresStore) SaveRun(run models.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, robot_id, robot_meta_id, robot_meta, status, triggered_by, started_at, finished_at, log, serializable_output, binary_output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.RobotID, run.RobotMetaID, run.RobotMeta, run.Status, run.TriggeredBy,
		run.StartedAt, run.FinishedAt, run.Log, run.SerializableOutput, run.BinaryOutput)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(id string) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, "SELECT * FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(robotID string) ([]models.Run, error) {
	runs := []models.Run{}
	err := s.db.Select(&runs, "SELECT * FROM runs WHERE robot_id = $1 ORDER BY started_at", robotID)
	if err != nil {
		return nil, fmt.Errorf("list runs of robot %s: %w", robotID, err)
	}
	return runs, nil
}

func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus) error {
	res, err := s.db.Exec("UPDATE runs SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", id, err)
	}
	return requireRow(res)
}

// FinishRun writes the terminal fields in one statement so a crash between
// status and output updates cannot leave a half-finished record.
func (s *PostgresStore) FinishRun(run models.Run) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = $1, finished_at = $2, log = $3, serializable_output = $4, binary_output = $5
		WHERE id = $6`,
		run.Status, run.FinishedAt, run.Log, run.SerializableOutput, run.BinaryOutput, run.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteRun(id string) error {
	res, err := s.db.Exec("DELETE FROM runs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) CountRuns(robotID string) (int, error) {
	var count int
	err := s.db.Get(&count, "SELECT COUNT(*) FROM runs WHERE robot_id = $1", robotID)
	if err != nil {
		return 0, fmt.Errorf("count runs of robot %s: %w", robotID, err)
	}
	return count, nil
}

func (s *PostgresStore) ActiveRun(robotID string) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, `
		SELECT * FROM runs WHERE robot_id = $1 AND status = ANY($2)
		ORDER BY started_at LIMIT 1`, robotID, activeStatuses())
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("active run of robot %s: %w", robotID, err)
	}
	return run, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
