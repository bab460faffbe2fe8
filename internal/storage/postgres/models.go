package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements driver.Valuer and sql.Scanner
// for GORM JSON columns. On SQLite the column degrades to TEXT.
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSONB) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return nil
}

// OrgModel maps to the "organizations" table.
type OrgModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null;uniqueIndex"`
	Slug      string    `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (OrgModel) TableName() string { return "organizations" }

// AgentModel maps to the "agents" table.
type AgentModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Name         string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	Instructions string    `gorm:"type:text"`
	Model        string
	Temperature  float64
	Status       string `gorm:"not null;default:'active'"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (AgentModel) TableName() string { return "agents" }

// OrchestrationModel maps to the "orchestrations" table.
// CurrentExecutionID is the single-flight claim column; the claim is taken
// with a conditional UPDATE so only one execution can hold it at a time.
type OrchestrationModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID              uuid.UUID `gorm:"type:uuid;not null;index"`
	Name               string    `gorm:"not null"`
	Strategy           string    `gorm:"not null"`
	Status             string    `gorm:"not null;default:'active'"`
	Steps              JSONB     `gorm:"type:jsonb"`
	Hooks              JSONB     `gorm:"type:jsonb"`
	CurrentExecutionID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (OrchestrationModel) TableName() string { return "orchestrations" }

// ExecutionModel maps to the "executions" table. Strategy and Steps are the
// launch-time snapshot; step results live in their own table.
type ExecutionModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrchestrationID uuid.UUID `gorm:"type:uuid;not null;index"`
	OrgID           uuid.UUID `gorm:"type:uuid;not null;index"`
	Status          string    `gorm:"not null;index"`
	Input           string    `gorm:"type:text"`
	Variables       JSONB     `gorm:"type:jsonb"`
	Strategy        string    `gorm:"not null"`
	Steps           JSONB     `gorm:"type:jsonb"`
	FinalOutput     string    `gorm:"type:text"`
	Error           string    `gorm:"type:text"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// AgentResultModel maps to the "agent_results" table. One row per step of an
// execution, appended in step-index order.
type AgentResultModel struct {
	ExecutionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	StepIndex   int       `gorm:"primaryKey;autoIncrement:false"`
	AgentID     uuid.UUID `gorm:"type:uuid;not null"`
	Role        string
	Input       string `gorm:"type:text"`
	Output      string `gorm:"type:text"`
	Status      string `gorm:"not null"`
	Error       string `gorm:"type:text"`
	Seeded      bool   `gorm:"not null;default:false"`
	StartedAt   time.Time
	CompletedAt time.Time
}

func (AgentResultModel) TableName() string { return "agent_results" }

// DelegationModel maps to the "delegations" table. Rows are immutable;
// rejected attempts are recorded alongside completed ones.
type DelegationModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID uuid.UUID `gorm:"type:uuid;not null;index"`
	OrgID       uuid.UUID `gorm:"type:uuid;not null"`
	FromAgentID uuid.UUID `gorm:"type:uuid;not null"`
	ToAgentID   uuid.UUID `gorm:"type:uuid;not null"`
	Depth       int       `gorm:"not null"`
	Message     string    `gorm:"type:text"`
	Response    string    `gorm:"type:text"`
	Status      string    `gorm:"not null"`
	CreatedAt   time.Time
}

func (DelegationModel) TableName() string { return "delegations" }

// ScheduledRunModel maps to the "scheduled_runs" table.
type ScheduledRunModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID           uuid.UUID `gorm:"type:uuid;not null;index"`
	OrchestrationID uuid.UUID `gorm:"type:uuid;not null;index"`
	Name            string    `gorm:"not null"`
	CronExpression  string    `gorm:"not null"`
	Input           string    `gorm:"type:text"`
	// No default tag: gorm would omit a zero-value field carrying one on
	// insert, silently storing a disabled schedule as enabled.
	Enabled         bool       `gorm:"not null"`
	NextRunAt       *time.Time `gorm:"index"`
	LastRunAt       *time.Time
	LastExecutionID *uuid.UUID `gorm:"type:uuid"`
	LastError       string     `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ScheduledRunModel) TableName() string { return "scheduled_runs" }
