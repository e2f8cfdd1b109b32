package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Robot is a stored automation workflow definition together with its
// recurring schedule and third-party integration settings.
type Robot struct {
	ID           string             `json:"id" db:"id"`
	Meta         RobotMeta          `json:"meta" db:"meta"`
	Workflow     WorkflowDefinition `json:"workflow" db:"workflow"`
	Schedule     *ScheduleConfig    `json:"schedule,omitempty" db:"schedule"`
	Integrations IntegrationMap     `json:"integrations,omitempty" db:"integrations"`
}

// RobotMeta describes a robot independently of its workflow body. A copy is
// frozen onto every Run at start time so later robot edits do not relabel
// historic runs.
type RobotMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Pairs     int       `json:"pairs"`
	Params    []string  `json:"params"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowPair is one matcher/action pair of a recorded workflow. The where
// and what payloads are owned and interpreted entirely by the external
// engine; the orchestrator only uses the pair ID for breakpoints.
type WorkflowPair struct {
	ID    string          `json:"id"`
	Where json.RawMessage `json:"where"`
	What  json.RawMessage `json:"what"`
}

// WorkflowDefinition is the ordered sequence of matcher/action pairs.
type WorkflowDefinition struct {
	Pairs []WorkflowPair `json:"workflow"`
}

// IntegrationCredential holds the provider-specific settings for pushing run
// output to a third party. AccessToken and RefreshToken are vault records
// (hex iv:ciphertext), never plaintext.
type IntegrationCredential struct {
	Email        string `json:"email,omitempty"`
	TargetID     string `json:"target_id,omitempty"`
	TargetName   string `json:"target_name,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IntegrationMap keys credentials by provider name (e.g. "google_sheets").
type IntegrationMap map[string]IntegrationCredential

// Value implements driver.Valuer for JSONB storage.
func (m RobotMeta) Value() (driver.Value, error) { return jsonValue(m) }

// Scan implements sql.Scanner.
func (m *RobotMeta) Scan(src interface{}) error { return jsonScan(src, m) }

func (w WorkflowDefinition) Value() (driver.Value, error) { return jsonValue(w) }
func (w *WorkflowDefinition) Scan(src interface{}) error  { return jsonScan(src, w) }

func (im IntegrationMap) Value() (driver.Value, error) {
	if im == nil {
		return jsonValue(IntegrationMap{})
	}
	return jsonValue(im)
}

func (im *IntegrationMap) Scan(src interface{}) error { return jsonScan(src, im) }

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal jsonb column")
	}
	return b, nil
}

func jsonScan(src, dest interface{}) error {
	if src == nil {
		return nil
	}
	var b []byte
	switch s := src.(type) {
	case []byte:
		b = s
	case string:
		b = []byte(s)
	default:
		return errors.Errorf("unsupported jsonb source type %T", src)
	}
	return errors.Wrap(json.Unmarshal(b, dest), "unmarshal jsonb column")
}
