package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankisho/TeamCloud/pkg/workflow"
)

var _ workflow.Journal = (*SQLiteStore)(nil)

const instanceColumns = `id, name, parent_id, status, input, output, custom_status, error,
	cancel_requested, revision, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*workflow.Instance, error) {
	inst := &workflow.Instance{}
	var input, output, customStatus []byte
	var cancelRequested int
	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&inst.ParentID,
		&inst.Status,
		&input,
		&output,
		&customStatus,
		&inst.Error,
		&cancelRequested,
		&inst.Revision,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Input = rawOrNil(input)
	inst.Output = rawOrNil(output)
	inst.CustomStatus = rawOrNil(customStatus)
	inst.CancelRequested = cancelRequested != 0
	return inst, nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func blobOrNil(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}

// CreateInstance implements workflow.Journal.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflow_instances WHERE id = ?`, inst.ID).Scan(&exists)
		if err == nil {
			return workflow.ErrInstanceExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check instance: %w", err)
		}

		inst.Revision = 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inst.ID,
			inst.Name,
			inst.ParentID,
			inst.Status,
			blobOrNil(inst.Input),
			blobOrNil(inst.Output),
			blobOrNil(inst.CustomStatus),
			inst.Error,
			boolToInt(inst.CancelRequested),
			inst.Revision,
			utc(inst.CreatedAt),
			utc(inst.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}
		return nil
	})
}

// GetInstance implements workflow.Journal.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance implements workflow.Journal.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = ?, input = ?, output = ?, custom_status = ?, error = ?,
			cancel_requested = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?
	`,
		inst.Status,
		blobOrNil(inst.Input),
		blobOrNil(inst.Output),
		blobOrNil(inst.CustomStatus),
		inst.Error,
		boolToInt(inst.CancelRequested),
		utc(inst.UpdatedAt),
		inst.ID,
		inst.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return workflow.ErrRevisionConflict
	}

	inst.Revision++
	return nil
}

// ListInstances implements workflow.Journal.
func (s *SQLiteStore) ListInstances(ctx context.Context, filter workflow.ListFilter) ([]*workflow.Instance, error) {
	var (
		where []string
		args  []any
	)
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*workflow.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// SaveStep implements workflow.Journal.
func (s *SQLiteStore) SaveStep(ctx context.Context, step *workflow.Step) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflow_instances WHERE id = ?`, step.InstanceID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check instance: %w", err)
		}

		var done int
		err = tx.QueryRowContext(ctx,
			`SELECT done FROM workflow_steps WHERE instance_id = ? AND seq = ?`,
			step.InstanceID, step.Seq,
		).Scan(&done)
		switch {
		case err == nil && done != 0:
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check step: %w", err)
		}

		if step.EventID != 0 && step.Done {
			result, err := tx.ExecContext(ctx,
				`UPDATE workflow_events SET consumed = 1 WHERE id = ? AND consumed = 0`,
				step.EventID,
			)
			if err != nil {
				return fmt.Errorf("failed to consume event: %w", err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if rows == 0 {
				return workflow.ErrEventConsumed
			}
		}

		var completedAt any
		if step.CompletedAt != nil {
			completedAt = step.CompletedAt.UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (instance_id, seq, kind, name, output, error, event_id, done, scheduled_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (instance_id, seq) DO UPDATE SET
				kind = excluded.kind,
				name = excluded.name,
				output = excluded.output,
				error = excluded.error,
				event_id = excluded.event_id,
				done = excluded.done,
				completed_at = excluded.completed_at
			WHERE workflow_steps.done = 0
		`,
			step.InstanceID,
			step.Seq,
			step.Kind,
			step.Name,
			blobOrNil(step.Output),
			step.Error,
			step.EventID,
			boolToInt(step.Done),
			utc(step.ScheduledAt),
			completedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save step: %w", err)
		}
		return nil
	})
}

// LoadSteps implements workflow.Journal.
func (s *SQLiteStore) LoadSteps(ctx context.Context, instanceID string) ([]*workflow.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, kind, name, output, error, event_id, done, scheduled_at, completed_at
		FROM workflow_steps
		WHERE instance_id = ?
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	steps := []*workflow.Step{}
	for rows.Next() {
		step := &workflow.Step{}
		var output []byte
		var done int
		var completedAt sql.NullTime
		err := rows.Scan(
			&step.InstanceID,
			&step.Seq,
			&step.Kind,
			&step.Name,
			&output,
			&step.Error,
			&step.EventID,
			&done,
			&step.ScheduledAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Output = rawOrNil(output)
		step.Done = done != 0
		if completedAt.Valid {
			t := completedAt.Time
			step.CompletedAt = &t
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// ResetSteps implements workflow.Journal.
func (s *SQLiteStore) ResetSteps(ctx context.Context, instanceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_steps WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to reset steps: %w", err)
	}
	return nil
}

// EnqueueEvent implements workflow.Journal.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, ev *workflow.Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflow_instances WHERE id = ?`, ev.InstanceID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check instance: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_events (instance_id, name, payload, received_at)
			VALUES (?, ?, ?, ?)
		`, ev.InstanceID, ev.Name, blobOrNil(ev.Payload), ev.ReceivedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to enqueue event: %w", err)
		}
		ev.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get event id: %w", err)
		}
		return nil
	})
}

// NextEvent implements workflow.Journal.
func (s *SQLiteStore) NextEvent(ctx context.Context, instanceID, name string) (*workflow.Event, error) {
	ev := &workflow.Event{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, name, payload, received_at
		FROM workflow_events
		WHERE instance_id = ? AND name = ? AND consumed = 0
		ORDER BY id ASC
		LIMIT 1
	`, instanceID, name).Scan(&ev.ID, &ev.InstanceID, &ev.Name, &payload, &ev.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next event: %w", err)
	}
	ev.Payload = rawOrNil(payload)
	return ev, nil
}
