package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/schedule"
	"github.com/theshibabasement/maxun/pkg/storage"
	"github.com/theshibabasement/maxun/pkg/vault"
)

// RobotService manages robot definitions, their schedules and integration
// credentials. Plaintext integration tokens never reach the store; they are
// sealed by the vault on the way in.
type RobotService struct {
	store  storage.Store
	vault  *vault.Vault
	logger Logger
	now    func() time.Time
}

func NewRobotService(store storage.Store, v *vault.Vault, logger Logger) *RobotService {
	return &RobotService{store: store, vault: v, logger: logger, now: time.Now}
}

// CreateRobot stores a new robot. IDs and meta timestamps are assigned here;
// the pair count is derived from the workflow body.
func (rs *RobotService) CreateRobot(name string, workflow models.WorkflowDefinition, params []string) (robot models.Robot, err error) {
	now := rs.now()
	robot = models.Robot{
		ID: uuid.New().String(),
		Meta: models.RobotMeta{
			ID:        uuid.New().String(),
			Name:      name,
			Pairs:     len(workflow.Pairs),
			Params:    params,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Workflow: workflow,
	}

	txStore, err := rs.store.Begin()
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for CreateRobot: %v", err)
		return models.Robot{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				rs.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				rs.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.SaveRobot(robot); err != nil {
		return models.Robot{}, errors.Wrapf(err, "save robot %s", robot.ID)
	}
	rs.logger.Infof("Created robot %s (%s) with %d pairs", robot.ID, name, robot.Meta.Pairs)
	return robot, nil
}

// GetRobot fetches a robot by id.
func (rs *RobotService) GetRobot(id string) (models.Robot, error) {
	robot, err := rs.store.GetRobot(id)
	if err != nil {
		return models.Robot{}, errors.Wrapf(err, "robot %s", id)
	}
	return robot, nil
}

// ListRobots returns every stored robot.
func (rs *RobotService) ListRobots() ([]models.Robot, error) {
	return rs.store.ListRobots()
}

// UpdateRobot replaces the robot's name and workflow body. The meta id is
// kept stable and UpdatedAt is bumped; runs already recorded keep the meta
// snapshot they were started with.
func (rs *RobotService) UpdateRobot(id, name string, workflow models.WorkflowDefinition, params []string) (robot models.Robot, err error) {
	robot, err = rs.store.GetRobot(id)
	if err != nil {
		return models.Robot{}, errors.Wrapf(err, "robot %s", id)
	}
	robot.Meta.Name = name
	robot.Meta.Params = params
	robot.Meta.Pairs = len(workflow.Pairs)
	robot.Meta.UpdatedAt = rs.now()
	robot.Workflow = workflow

	txStore, err := rs.store.Begin()
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for UpdateRobot: %v", err)
		return models.Robot{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				rs.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				rs.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.UpdateRobot(robot); err != nil {
		return models.Robot{}, errors.Wrapf(err, "update robot %s", id)
	}
	rs.logger.Infof("Updated robot %s (%s)", id, name)
	return robot, nil
}

// DuplicateRobot stores a copy of the robot's workflow and parameters under
// fresh ids. Run history, schedule and integration credentials stay with the
// source robot. An empty name defaults to the source name with a copy suffix.
func (rs *RobotService) DuplicateRobot(id, name string) (robot models.Robot, err error) {
	source, err := rs.store.GetRobot(id)
	if err != nil {
		return models.Robot{}, errors.Wrapf(err, "robot %s", id)
	}
	if name == "" {
		name = source.Meta.Name + " (copy)"
	}
	now := rs.now()
	robot = models.Robot{
		ID: uuid.New().String(),
		Meta: models.RobotMeta{
			ID:        uuid.New().String(),
			Name:      name,
			Pairs:     source.Meta.Pairs,
			Params:    append([]string(nil), source.Meta.Params...),
			CreatedAt: now,
			UpdatedAt: now,
		},
		Workflow: source.Workflow,
	}

	txStore, err := rs.store.Begin()
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for DuplicateRobot: %v", err)
		return models.Robot{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				rs.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				rs.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.SaveRobot(robot); err != nil {
		return models.Robot{}, errors.Wrapf(err, "save robot %s", robot.ID)
	}
	rs.logger.Infof("Duplicated robot %s as %s (%s)", id, robot.ID, name)
	return robot, nil
}

// DeleteRobot removes a robot. Run history pins a robot: deletion is refused
// with ErrConflict while any runs, live or finished, still reference it.
func (rs *RobotService) DeleteRobot(id string) error {
	count, err := rs.store.CountRuns(id)
	if err != nil {
		return errors.Wrapf(err, "count runs for robot %s", id)
	}
	if count > 0 {
		return errors.Wrapf(ErrConflict, "robot %s still has %d runs", id, count)
	}
	if err := rs.store.DeleteRobot(id); err != nil {
		return errors.Wrapf(err, "delete robot %s", id)
	}
	rs.logger.Infof("Deleted robot %s", id)
	return nil
}

// SetSchedule validates and attaches a recurrence configuration, seeding its
// nextRunAt so the dispatcher picks the robot up.
func (rs *RobotService) SetSchedule(id string, cfg models.ScheduleConfig) (models.ScheduleConfig, error) {
	if _, err := rs.store.GetRobot(id); err != nil {
		return models.ScheduleConfig{}, errors.Wrapf(err, "robot %s", id)
	}
	if err := schedule.Validate(cfg); err != nil {
		return models.ScheduleConfig{}, err
	}
	next, err := schedule.NextFireTime(cfg, rs.now(), cfg.LastRunAt)
	if err != nil {
		return models.ScheduleConfig{}, err
	}
	cfg.NextRunAt = &next
	if err := rs.store.UpdateRobotSchedule(id, &cfg); err != nil {
		return models.ScheduleConfig{}, errors.Wrapf(err, "persist schedule for robot %s", id)
	}
	rs.logger.Infof("Scheduled robot %s, next fire at %s", id, next)
	return cfg, nil
}

// ClearSchedule detaches the robot's recurrence configuration.
func (rs *RobotService) ClearSchedule(id string) error {
	if _, err := rs.store.GetRobot(id); err != nil {
		return errors.Wrapf(err, "robot %s", id)
	}
	if err := rs.store.UpdateRobotSchedule(id, nil); err != nil {
		return errors.Wrapf(err, "clear schedule for robot %s", id)
	}
	rs.logger.Infof("Cleared schedule of robot %s", id)
	return nil
}

// SetIntegration seals the credential's tokens and stores it under the
// provider name, replacing any previous credential for that provider.
func (rs *RobotService) SetIntegration(id, provider string, cred models.IntegrationCredential) error {
	robot, err := rs.store.GetRobot(id)
	if err != nil {
		return errors.Wrapf(err, "robot %s", id)
	}
	if cred.AccessToken, err = rs.vault.Protect(cred.AccessToken); err != nil {
		return errors.Wrapf(err, "seal %s access token", provider)
	}
	if cred.RefreshToken, err = rs.vault.Protect(cred.RefreshToken); err != nil {
		return errors.Wrapf(err, "seal %s refresh token", provider)
	}
	if robot.Integrations == nil {
		robot.Integrations = models.IntegrationMap{}
	}
	robot.Integrations[provider] = cred
	if err := rs.store.UpdateRobotIntegrations(id, robot.Integrations); err != nil {
		return errors.Wrapf(err, "persist integrations for robot %s", id)
	}
	rs.logger.Infof("Attached %s integration to robot %s", provider, id)
	return nil
}

// RemoveIntegration drops the provider's credential from the robot.
func (rs *RobotService) RemoveIntegration(id, provider string) error {
	robot, err := rs.store.GetRobot(id)
	if err != nil {
		return errors.Wrapf(err, "robot %s", id)
	}
	if _, ok := robot.Integrations[provider]; !ok {
		return errors.Wrapf(storage.ErrNotFound, "robot %s has no %s integration", id, provider)
	}
	delete(robot.Integrations, provider)
	if err := rs.store.UpdateRobotIntegrations(id, robot.Integrations); err != nil {
		return errors.Wrapf(err, "persist integrations for robot %s", id)
	}
	rs.logger.Infof("Detached %s integration from robot %s", provider, id)
	return nil
}
