package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/pkg/models"
)

// mockStore implements Store with in-memory maps. It is shared between the
// "transaction" returned by Begin and the root store, which is good enough
// for unit tests; the mutex makes it safe under a racing dispatcher.
type mockStore struct {
	mu     sync.Mutex
	robots map[string]models.Robot
	runs   map[string]models.Run
	order  []string // run insertion order, for deterministic listing
}

// NewMockStore returns an empty in-memory store for testing.
func NewMockStore() Store {
	return &mockStore{
		robots: make(map[string]models.Robot),
		runs:   make(map[string]models.Run),
	}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveRobot(r models.Robot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.robots[r.ID]; ok {
		return errors.Errorf("robot %s already exists", r.ID)
	}
	m.robots[r.ID] = r
	return nil
}

func (m *mockStore) GetRobot(id string) (models.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[id]
	if !ok {
		return models.Robot{}, ErrNotFound
	}
	return r, nil
}

func (m *mockStore) ListRobots() ([]models.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	robots := make([]models.Robot, 0, len(m.robots))
	for _, r := range m.robots {
		robots = append(robots, r)
	}
	return robots, nil
}

func (m *mockStore) UpdateRobot(r models.Robot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.robots[r.ID]; !ok {
		return ErrNotFound
	}
	m.robots[r.ID] = r
	return nil
}

func (m *mockStore) DeleteRobot(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.robots[id]; !ok {
		return ErrNotFound
	}
	for _, run := range m.runs {
		if run.RobotID == id {
			return errors.Errorf("robot %s has run history", id)
		}
	}
	delete(m.robots, id)
	return nil
}

func (m *mockStore) UpdateRobotSchedule(id string, schedule *models.ScheduleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[id]
	if !ok {
		return ErrNotFound
	}
	r.Schedule = schedule
	m.robots[id] = r
	return nil
}

func (m *mockStore) UpdateRobotIntegrations(id string, integrations models.IntegrationMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[id]
	if !ok {
		return ErrNotFound
	}
	r.Integrations = integrations
	m.robots[id] = r
	return nil
}

func (m *mockStore) ListDueRobots(now time.Time) ([]models.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Robot
	for _, r := range m.robots {
		if r.Schedule == nil || r.Schedule.NextRunAt == nil {
			continue
		}
		if !r.Schedule.NextRunAt.After(now) {
			due = append(due, r)
		}
	}
	return due, nil
}

func (m *mockStore) SaveRun(run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return errors.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = run
	m.order = append(m.order, run.ID)
	return nil
}

func (m *mockStore) GetRun(id string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return models.Run{}, ErrNotFound
	}
	return run, nil
}

func (m *mockStore) ListRuns(robotID string) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []models.Run
	for _, id := range m.order {
		if run, ok := m.runs[id]; ok && run.RobotID == robotID {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (m *mockStore) UpdateRunStatus(id string, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	m.runs[id] = run
	return nil
}

func (m *mockStore) FinishRun(run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = run
	return nil
}

func (m *mockStore) DeleteRun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return ErrNotFound
	}
	delete(m.runs, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockStore) CountRuns(robotID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, run := range m.runs {
		if run.RobotID == robotID {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) ActiveRun(robotID string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		run, ok := m.runs[id]
		if ok && run.RobotID == robotID && run.Status.Active() {
			return run, nil
		}
	}
	return models.Run{}, ErrNotFound
}
