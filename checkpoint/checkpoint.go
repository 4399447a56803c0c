package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/validflow/types"
)

// SystemWorkflowID is the reserved workflow id used for system-wide
// snapshots that belong to no particular workflow.
const SystemWorkflowID = "__system__"

// SchemaVersion is the current envelope schema. Stored payloads carry the
// version they were written with; decoding a newer version is rejected
// instead of misinterpreted.
const SchemaVersion = 1

// digestV1Prefix marks the digest format: SHA-256 over a length-prefixed
// encoding of the state bytes.
const digestV1Prefix = "v1:"

// Checkpoint is an immutable point-in-time snapshot tied to one workflow.
type Checkpoint struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	Name          string    `json:"name"`
	StepNumber    int       `json:"step_number"`
	StateData     []byte    `json:"state_data"`
	Digest        string    `json:"digest"`
	CanResumeFrom bool      `json:"can_resume_from"`
	CreatedAt     time.Time `json:"created_at"`
}

// envelope wraps serialized state so future shape changes are detected
// rather than silently misread.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds a checkpoint over state, serializing it into a versioned
// envelope and computing the integrity digest. resumable should be true
// only for snapshots taken at a tier boundary.
func New(workflowID, name string, stepNumber int, state any, resumable bool) (*Checkpoint, error) {
	data, err := EncodeState(state)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		Name:          name,
		StepNumber:    stepNumber,
		StateData:     data,
		Digest:        ComputeDigest(data),
		CanResumeFrom: resumable,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// EncodeState serializes state inside the current envelope.
func EncodeState(state any) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, types.NewError(types.ErrCorruptCheckpoint, "serialize checkpoint state").WithCause(err)
	}
	data, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Payload: payload})
	if err != nil {
		return nil, types.NewError(types.ErrCorruptCheckpoint, "serialize checkpoint envelope").WithCause(err)
	}
	return data, nil
}

// DecodeState unpacks envelope bytes into out, rejecting unknown schema
// versions.
func DecodeState(data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.NewError(types.ErrCorruptCheckpoint, "decode checkpoint envelope").WithCause(err)
	}
	if env.SchemaVersion != SchemaVersion {
		return types.NewErrorf(types.ErrSchemaVersion, "checkpoint schema version %d, want %d", env.SchemaVersion, SchemaVersion)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return types.NewError(types.ErrCorruptCheckpoint, "decode checkpoint payload").WithCause(err)
	}
	return nil
}

// ComputeDigest produces a versioned SHA-256 hex digest of the state
// bytes. Length-prefixed encoding binds the digest to the exact byte
// count, so truncation is detected even when the suffix is valid JSON.
func ComputeDigest(data []byte) string {
	h := sha256.New()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	h.Write(lenBuf[:])
	h.Write(data)
	return digestV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyDigest reports whether stored matches a fresh digest of data.
func VerifyDigest(data []byte, stored string) bool {
	if !strings.HasPrefix(stored, digestV1Prefix) {
		return false
	}
	return stored == ComputeDigest(data)
}

// Verify re-checks the checkpoint's digest against its bytes, returning
// CorruptCheckpoint on mismatch.
func (c *Checkpoint) Verify() error {
	if !VerifyDigest(c.StateData, c.Digest) {
		return types.NewErrorf(types.ErrCorruptCheckpoint, "checkpoint %s failed integrity verification", c.ID)
	}
	return nil
}

// State decodes the checkpoint's envelope into out after verifying
// integrity.
func (c *Checkpoint) State(out any) error {
	if err := c.Verify(); err != nil {
		return err
	}
	return DecodeState(c.StateData, out)
}

// Summary is the read-model projection exposed to listing callers.
type Summary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StepNumber    int       `json:"step_number"`
	CanResumeFrom bool      `json:"can_resume_from"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summarize projects the checkpoint without its state blob.
func (c *Checkpoint) Summarize() Summary {
	return Summary{
		ID:            c.ID,
		Name:          c.Name,
		StepNumber:    c.StepNumber,
		CanResumeFrom: c.CanResumeFrom,
		CreatedAt:     c.CreatedAt,
	}
}
