// Package models defines the data structures shared by the transfer engine,
// scheduler, and repository layers.
package models

import "strings"

// TransferType selects the direction a task moves rows in.
type TransferType string

const (
	// TransferUp moves rows from server A to server B. This is the default.
	TransferUp TransferType = "up"
	// TransferDown moves rows from server B to server A.
	TransferDown TransferType = "down"
	// TransferStandard is a legacy alias for TransferUp.
	TransferStandard TransferType = "standard"
)

// AllTransferTypes returns all valid transfer types.
func AllTransferTypes() []TransferType {
	return []TransferType{TransferUp, TransferDown, TransferStandard}
}

// IsValid returns true if the transfer type is a recognized value.
func (t TransferType) IsValid() bool {
	for _, valid := range AllTransferTypes() {
		if t == valid {
			return true
		}
	}
	return false
}

// Normalize resolves aliases and empty values to a canonical direction.
func (t TransferType) Normalize() TransferType {
	if t == TransferDown {
		return TransferDown
	}
	return TransferUp
}

// TriggerMode controls whether the scheduler may start a task on its own.
type TriggerMode string

const (
	// TriggerAuto tasks run only on the daily schedule.
	TriggerAuto TriggerMode = "auto"
	// TriggerManual tasks run only when requested explicitly.
	TriggerManual TriggerMode = "manual"
	// TriggerBoth tasks run on schedule and on request.
	TriggerBoth TriggerMode = "both"
)

// AllTriggerModes returns all valid trigger modes.
func AllTriggerModes() []TriggerMode {
	return []TriggerMode{TriggerAuto, TriggerManual, TriggerBoth}
}

// IsValid returns true if the trigger mode is a recognized value.
func (m TriggerMode) IsValid() bool {
	for _, valid := range AllTriggerModes() {
		if m == valid {
			return true
		}
	}
	return false
}

// RunsAutomatically reports whether the scheduler may pick this task up.
// An empty mode defaults to auto.
func (m TriggerMode) RunsAutomatically() bool {
	return m == TriggerAuto || m == TriggerBoth || m == ""
}

// ParamOperator is the comparison operator of a task query parameter.
type ParamOperator string

const (
	OpEqual        ParamOperator = "="
	OpLess         ParamOperator = "<"
	OpLessEqual    ParamOperator = "<="
	OpGreater      ParamOperator = ">"
	OpGreaterEqual ParamOperator = ">="
	OpNotEqual     ParamOperator = "<>"
	OpIn           ParamOperator = "IN"
	OpBetween      ParamOperator = "BETWEEN"
)

// AllParamOperators returns all valid parameter operators.
func AllParamOperators() []ParamOperator {
	return []ParamOperator{
		OpEqual, OpLess, OpLessEqual, OpGreater,
		OpGreaterEqual, OpNotEqual, OpIn, OpBetween,
	}
}

// IsValid returns true if the operator is a recognized value.
func (op ParamOperator) IsValid() bool {
	for _, valid := range AllParamOperators() {
		if op == valid {
			return true
		}
	}
	return false
}

// Parameter is one filter appended to a task's source query.
// BETWEEN expects Value to hold exactly two elements; IN expects one or more.
type Parameter struct {
	Field    string        `db:"field" json:"field" yaml:"field"`
	Operator ParamOperator `db:"operator" json:"operator" yaml:"operator"`
	Value    any           `db:"value" json:"value" yaml:"value"`
}

// ExistenceCheck names the destination column that identifies a row.
type ExistenceCheck struct {
	Key string `db:"key" json:"key" yaml:"key"`
}

// ValidationRules constrain which extracted rows are eligible for insert and
// how duplicates are detected on the destination.
type ValidationRules struct {
	RequiredFields []string       `db:"required_fields" json:"requiredFields" yaml:"requiredFields"`
	ExistenceCheck ExistenceCheck `db:"existence_check" json:"existenceCheck" yaml:"existenceCheck"`
}

// Empty returns true when no validation rules are configured at all.
func (v ValidationRules) Empty() bool {
	return len(v.RequiredFields) == 0 && v.ExistenceCheck.Key == ""
}

// PostUpdateMapping overrides the key column used by the post-transfer
// update appended WHERE clause.
type PostUpdateMapping struct {
	TableKey string `db:"table_key" json:"tableKey" yaml:"tableKey"`
}

// TaskDefinition is the declarative description of one transfer task.
// Name doubles as the destination table name.
type TaskDefinition struct {
	ID                   string            `db:"id" json:"id" yaml:"id"`
	Name                 string            `db:"name" json:"name" yaml:"name"`
	Active               bool              `db:"active" json:"active" yaml:"active"`
	Query                string            `db:"query" json:"query" yaml:"query"`
	Parameters           []Parameter       `db:"parameters" json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Validation           ValidationRules   `db:"validation" json:"validationRules" yaml:"validationRules"`
	ClearBeforeInsert    bool              `db:"clear_before_insert" json:"clearBeforeInsert" yaml:"clearBeforeInsert"`
	PostUpdateQuery      string            `db:"post_update_query" json:"postUpdateQuery,omitempty" yaml:"postUpdateQuery,omitempty"`
	PostUpdate           PostUpdateMapping `db:"post_update" json:"postUpdateMapping" yaml:"postUpdateMapping"`
	TransferType         TransferType      `db:"transfer_type" json:"transferType,omitempty" yaml:"transferType,omitempty"`
	TriggerMode          TriggerMode       `db:"trigger_mode" json:"triggerMode,omitempty" yaml:"triggerMode,omitempty"`
	LinkedGroup          string            `db:"linked_group" json:"linkedGroup,omitempty" yaml:"linkedGroup,omitempty"`
	LinkedTasks          []string          `db:"linked_tasks" json:"linkedTasks,omitempty" yaml:"linkedTasks,omitempty"`
	LinkedExecutionOrder int               `db:"linked_execution_order" json:"linkedExecutionOrder,omitempty" yaml:"linkedExecutionOrder,omitempty"`
}

// Validate checks that the task definition is internally consistent.
func (t *TaskDefinition) Validate() error {
	if t.ID == "" {
		return ErrTaskIDRequired
	}
	if t.Name == "" {
		return ErrTaskNameRequired
	}
	if strings.TrimSpace(t.Query) == "" {
		return ErrTaskQueryRequired
	}
	for _, p := range t.Parameters {
		if p.Field == "" {
			return ErrParamFieldRequired
		}
		if !p.Operator.IsValid() {
			return ErrInvalidOperator
		}
	}
	if t.TransferType != "" && !t.TransferType.IsValid() {
		return ErrInvalidTransferType
	}
	if t.TriggerMode != "" && !t.TriggerMode.IsValid() {
		return ErrInvalidTriggerMode
	}
	if t.PostUpdateQuery != "" && t.PostUpdateKey() == "" {
		return ErrPostUpdateKeyRequired
	}
	return nil
}

// MergeKeys returns the unique union of the existence-check key and the
// required fields, existence-check key first. An empty result means the
// duplicate pre-check is skipped.
func (t *TaskDefinition) MergeKeys() []string {
	seen := make(map[string]struct{}, len(t.Validation.RequiredFields)+1)
	var keys []string
	if k := t.Validation.ExistenceCheck.Key; k != "" {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, f := range t.Validation.RequiredFields {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		keys = append(keys, f)
	}
	return keys
}

// PostUpdateKey returns the column the post-update WHERE clause filters on:
// the explicit mapping when present, otherwise the existence-check key.
func (t *TaskDefinition) PostUpdateKey() string {
	if t.PostUpdate.TableKey != "" {
		return t.PostUpdate.TableKey
	}
	return t.Validation.ExistenceCheck.Key
}

// HasPostUpdate reports whether the task carries a post-transfer update.
func (t *TaskDefinition) HasPostUpdate() bool {
	return strings.TrimSpace(t.PostUpdateQuery) != ""
}

// HasLinks reports whether the task participates in a linked group, either
// through a group tag or through explicit task links.
func (t *TaskDefinition) HasLinks() bool {
	return t.LinkedGroup != "" || len(t.LinkedTasks) > 0
}
