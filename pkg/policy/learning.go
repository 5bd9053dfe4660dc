package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/models"
)

// Learning categories.
const (
	CategoryPolicyDenial     = "policy_denial"
	CategoryPolicyEscalation = "policy_escalation"
)

// LearningRecorder stores learning-from-failure entries. Recording is
// best-effort: failures are logged and swallowed, so the recorder can
// never abort the operation it observes.
type LearningRecorder struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLearningRecorder(db *sql.DB) *LearningRecorder {
	return &LearningRecorder{db: db, logger: slog.With("component", "learning")}
}

// Record inserts one entry. Details is marshaled to JSON; a marshal or
// insert failure only logs.
func (r *LearningRecorder) Record(ctx context.Context, entry models.LearningEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO learning_entries (id, category, action, reason_code, actor_id, room_id, run_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.Category, entry.Action, entry.ReasonCode, entry.ActorID,
		entry.RoomID, entry.RunID, nullableDetails(entry.Details))
	if err != nil {
		r.logger.Warn("Failed to record learning entry",
			"category", entry.Category, "action", entry.Action, "error", err)
	}
}

// List returns recent entries, newest first. Category narrows when set.
func (r *LearningRecorder) List(ctx context.Context, category string, limit int) ([]*models.LearningEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, category, action, reason_code, actor_id, room_id, run_id, details, created_at
		FROM learning_entries`
	args := []any{}
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LearningEntry
	for rows.Next() {
		var (
			e       models.LearningEntry
			roomID  uuid.NullUUID
			runID   uuid.NullUUID
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Category, &e.Action, &e.ReasonCode, &e.ActorID,
			&roomID, &runID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if roomID.Valid {
			e.RoomID = &roomID.UUID
		}
		if runID.Valid {
			e.RunID = &runID.UUID
		}
		e.Details = details
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullableDetails(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
