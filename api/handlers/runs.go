package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/analyst/api/config"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
	RunStatusDenied    = "denied"
)

// AnalysisRun represents a persistent workflow execution. Context holds the
// serialized workflow state checkpointed after every decision.
type AnalysisRun struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Question  string    `json:"question"`
	Status    string    `json:"status"`

	Context json.RawMessage `json:"context,omitempty"`
	Answer  *string         `json:"answer,omitempty"`
	Error   *string         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const runColumns = `id, session_id, question, status, context, answer, error,
       created_at, updated_at, completed_at`

func scanRun(row pgx.Row) (*AnalysisRun, error) {
	var run AnalysisRun
	err := row.Scan(
		&run.ID, &run.SessionID, &run.Question, &run.Status,
		&run.Context, &run.Answer, &run.Error,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// EnsureSession inserts the session row if it does not exist yet.
func EnsureSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := config.PgPool.Exec(ctx, `
		INSERT INTO sessions (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

// CreateAnalysisRun creates a new run in the database.
func CreateAnalysisRun(ctx context.Context, sessionID uuid.UUID, question string) (*AnalysisRun, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		INSERT INTO analysis_runs (id, session_id, question)
		VALUES ($1, $2, $3)
		RETURNING `+runColumns, uuid.New(), sessionID, question))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis run: %w", err)
	}
	return run, nil
}

// UpdateRunCheckpoint stores the serialized workflow context.
func UpdateRunCheckpoint(ctx context.Context, id uuid.UUID, workflowContext []byte) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE analysis_runs
		SET context = $2, updated_at = NOW()
		WHERE id = $1
	`, id, workflowContext)
	if err != nil {
		return fmt.Errorf("failed to update run checkpoint: %w", err)
	}
	return nil
}

// CompleteAnalysisRun marks a run as completed with the final answer.
func CompleteAnalysisRun(ctx context.Context, id uuid.UUID, answer string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE analysis_runs
		SET status = 'completed', answer = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, answer)
	if err != nil {
		return fmt.Errorf("failed to complete analysis run: %w", err)
	}
	return nil
}

// FailAnalysisRun marks a run as failed with an error message.
func FailAnalysisRun(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE analysis_runs
		SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail analysis run: %w", err)
	}
	return nil
}

// DenyAnalysisRun marks a run as denied after a refused tool call.
func DenyAnalysisRun(ctx context.Context, id uuid.UUID) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE analysis_runs
		SET status = 'denied', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to deny analysis run: %w", err)
	}
	return nil
}

// CancelAnalysisRun marks a run as cancelled.
func CancelAnalysisRun(ctx context.Context, id uuid.UUID) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE analysis_runs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel analysis run: %w", err)
	}
	return nil
}

// GetAnalysisRun retrieves a run by ID. Returns nil when not found.
func GetAnalysisRun(ctx context.Context, id uuid.UUID) (*AnalysisRun, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM analysis_runs
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get analysis run: %w", err)
	}
	return run, nil
}

// GetLatestSessionRun retrieves the newest run for a session, or nil.
func GetLatestSessionRun(ctx context.Context, sessionID uuid.UUID) (*AnalysisRun, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM analysis_runs
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest session run: %w", err)
	}
	return run, nil
}

// GetRunningSessionRun retrieves the session's active run, or nil.
func GetRunningSessionRun(ctx context.Context, sessionID uuid.UUID) (*AnalysisRun, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM analysis_runs
		WHERE session_id = $1 AND status = 'running'
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get running session run: %w", err)
	}
	return run, nil
}
