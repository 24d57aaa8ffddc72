package runstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/s1366560/overseer/pkg/models"
)

// SnapshotVersion is the current wire format version tag.
// Snapshots with an unknown version decode to nil rather than failing, so
// an old binary reading a newer store degrades to "no snapshot" instead of
// crashing.
const SnapshotVersion = 1

// snapshotDoc is the versioned wire document for one run.
type snapshotDoc struct {
	Version int    `json:"version"`
	Run     runDoc `json:"run"`
}

// runDoc serializes every SubAgentRun field under stable names.
type runDoc struct {
	RunID           string            `json:"run_id"`
	ConversationID  string            `json:"conversation_id"`
	SubAgentName    string            `json:"subagent_name"`
	Task            string            `json:"task"`
	Status          string            `json:"status"`
	CreatedAt       string            `json:"created_at"`
	StartedAt       string            `json:"started_at,omitempty"`
	EndedAt         string            `json:"ended_at,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	Error           string            `json:"error,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms,omitempty"`
	TokensUsed      int64             `json:"tokens_used,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// EncodeSnapshot serializes a run into the versioned wire format.
func EncodeSnapshot(run *models.SubAgentRun) ([]byte, error) {
	doc := snapshotDoc{
		Version: SnapshotVersion,
		Run: runDoc{
			RunID:           run.RunID,
			ConversationID:  run.ConversationID,
			SubAgentName:    run.SubAgentName,
			Task:            run.Task,
			Status:          string(run.Status),
			CreatedAt:       formatTime(run.CreatedAt),
			StartedAt:       formatNullableTime(run.StartedAt),
			EndedAt:         formatNullableTime(run.EndedAt),
			Summary:         run.Summary,
			Error:           run.Error,
			ExecutionTimeMS: run.ExecutionTimeMS,
			TokensUsed:      run.TokensUsed,
			Metadata:        run.Metadata,
		},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot deserializes a versioned snapshot. An unknown version
// returns (nil, nil); an invalid or absent status decodes to pending.
func DecodeSnapshot(data []byte) (*models.SubAgentRun, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if doc.Version != SnapshotVersion {
		return nil, nil
	}

	status := models.RunStatus(doc.Run.Status)
	if !status.Valid() {
		status = models.RunStatusPending
	}

	run := &models.SubAgentRun{
		RunID:           doc.Run.RunID,
		ConversationID:  doc.Run.ConversationID,
		SubAgentName:    doc.Run.SubAgentName,
		Task:            doc.Run.Task,
		Status:          status,
		Summary:         doc.Run.Summary,
		Error:           doc.Run.Error,
		ExecutionTimeMS: doc.Run.ExecutionTimeMS,
		TokensUsed:      doc.Run.TokensUsed,
		Metadata:        doc.Run.Metadata,
	}
	run.CreatedAt, _ = parseTime(doc.Run.CreatedAt)
	run.StartedAt = parseNullableTime(doc.Run.StartedAt)
	run.EndedAt = parseNullableTime(doc.Run.EndedAt)
	return run, nil
}

// timeLayout is fixed-width: the fractional second always carries nine
// digits so stored timestamps compare lexicographically in time order,
// which the purge queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime formats a time for snapshot storage. Nanosecond precision is
// kept so decode reproduces the original instant exactly.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil
	}
	return &t
}
