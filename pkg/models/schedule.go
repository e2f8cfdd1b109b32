package models

import (
	"database/sql/driver"
	"time"
)

type RunEveryUnit string

const (
	Minutes RunEveryUnit = "MINUTES"
	Hours   RunEveryUnit = "HOURS"
	Days    RunEveryUnit = "DAYS"
	Weeks   RunEveryUnit = "WEEKS"
	Months  RunEveryUnit = "MONTHS"
)

// Weekday names accepted for ScheduleConfig.StartFrom.
const (
	Sunday    = "SUNDAY"
	Monday    = "MONDAY"
	Tuesday   = "TUESDAY"
	Wednesday = "WEDNESDAY"
	Thursday  = "THURSDAY"
	Friday    = "FRIDAY"
	Saturday  = "SATURDAY"
)

// ScheduleConfig is the recurrence configuration embedded in a robot.
// When CronExpression is set it overrides the structured fields entirely.
// LastRunAt and NextRunAt are mutated only by the schedule calculator and
// the run lifecycle controller.
type ScheduleConfig struct {
	RunEvery       int          `json:"runEvery"`
	RunEveryUnit   RunEveryUnit `json:"runEveryUnit"`
	StartFrom      string       `json:"startFrom"`
	AtTimeStart    string       `json:"atTimeStart,omitempty"`
	AtTimeEnd      string       `json:"atTimeEnd,omitempty"`
	Timezone       string       `json:"timezone"`
	DayOfMonth     *int         `json:"dayOfMonth,omitempty"`
	CronExpression string       `json:"cronExpression,omitempty"`
	LastRunAt      *time.Time   `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time   `json:"nextRunAt,omitempty"`
}

// Weekday maps StartFrom to time.Weekday.
func Weekday(name string) (time.Weekday, bool) {
	switch name {
	case Sunday:
		return time.Sunday, true
	case Monday:
		return time.Monday, true
	case Tuesday:
		return time.Tuesday, true
	case Wednesday:
		return time.Wednesday, true
	case Thursday:
		return time.Thursday, true
	case Friday:
		return time.Friday, true
	case Saturday:
		return time.Saturday, true
	}
	return 0, false
}

func (c ScheduleConfig) Value() (driver.Value, error) { return jsonValue(c) }
func (c *ScheduleConfig) Scan(src interface{}) error  { return jsonScan(src, c) }
