package storage

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/validflow/checkpoint"
	"github.com/BaSui01/validflow/engine"
	"github.com/BaSui01/validflow/types"
)

// WorkflowRecord is the workflows table row.
type WorkflowRecord struct {
	ID           string `gorm:"primaryKey;size:36"`
	Type         string `gorm:"size:64;index"`
	State        string `gorm:"size:16;index"`
	InputParams  []byte
	TotalSteps   int
	CurrentStep  int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time

	Checkpoints []CheckpointRecord `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (WorkflowRecord) TableName() string { return "workflows" }

// CheckpointRecord is the checkpoints table row.
type CheckpointRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	WorkflowID    string `gorm:"size:64;index"`
	Name          string `gorm:"size:128"`
	StepNumber    int
	StateData     []byte
	Digest        string `gorm:"size:80"`
	CanResumeFrom bool
	CreatedAt     time.Time
}

func (CheckpointRecord) TableName() string { return "checkpoints" }

func workflowToRecord(wf *engine.Workflow) (*WorkflowRecord, error) {
	var params []byte
	if wf.InputParams != nil {
		var err error
		params, err = json.Marshal(wf.InputParams)
		if err != nil {
			return nil, err
		}
	}
	return &WorkflowRecord{
		ID:           wf.ID,
		Type:         wf.Type,
		State:        string(wf.State),
		InputParams:  params,
		TotalSteps:   wf.TotalSteps,
		CurrentStep:  wf.CurrentStep,
		ErrorMessage: wf.ErrorMessage,
		CreatedAt:    wf.CreatedAt,
		UpdatedAt:    wf.UpdatedAt,
		CompletedAt:  wf.CompletedAt,
	}, nil
}

func recordToWorkflow(rec *WorkflowRecord) (*engine.Workflow, error) {
	var params map[string]any
	if len(rec.InputParams) > 0 {
		if err := json.Unmarshal(rec.InputParams, &params); err != nil {
			return nil, types.NewErrorf(types.ErrCorruptCheckpoint,
				"workflow %s input params are not decodable", rec.ID).WithCause(err)
		}
	}
	return &engine.Workflow{
		ID:           rec.ID,
		Type:         rec.Type,
		State:        engine.State(rec.State),
		InputParams:  params,
		TotalSteps:   rec.TotalSteps,
		CurrentStep:  rec.CurrentStep,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		CompletedAt:  rec.CompletedAt,
	}, nil
}

func checkpointToRecord(cp *checkpoint.Checkpoint) *CheckpointRecord {
	return &CheckpointRecord{
		ID:            cp.ID,
		WorkflowID:    cp.WorkflowID,
		Name:          cp.Name,
		StepNumber:    cp.StepNumber,
		StateData:     cp.StateData,
		Digest:        cp.Digest,
		CanResumeFrom: cp.CanResumeFrom,
		CreatedAt:     cp.CreatedAt,
	}
}

func recordToCheckpoint(rec *CheckpointRecord) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		ID:            rec.ID,
		WorkflowID:    rec.WorkflowID,
		Name:          rec.Name,
		StepNumber:    rec.StepNumber,
		StateData:     rec.StateData,
		Digest:        rec.Digest,
		CanResumeFrom: rec.CanResumeFrom,
		CreatedAt:     rec.CreatedAt,
	}
}
