package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// stepRunner memoizes named step results by (executionID, stepName) so that
// re-delivery of the same event replays only the steps that had not yet
// completed. The host job substrate is at-least-once; this is what makes
// the worker exactly-once in effect.
type stepRunner struct {
	db          *sql.DB
	executionID string
}

// run executes a step unless a memoized result exists, in which case the
// stored result is decoded into out and fn never runs. out may be nil for
// steps without a result.
func (r *stepRunner) run(ctx context.Context, name string, out any, fn func(ctx context.Context) (any, error)) error {
	var stored string
	err := r.db.QueryRowContext(ctx,
		`SELECT result FROM execution_steps WHERE execution_id = ? AND step_name = ?`,
		r.executionID, name,
	).Scan(&stored)
	switch {
	case err == nil:
		if out != nil && stored != "" {
			if derr := json.Unmarshal([]byte(stored), out); derr != nil {
				return fmt.Errorf("step %s: failed to decode memoized result: %w", name, derr)
			}
		}
		return nil // already completed on a previous delivery
	case err != sql.ErrNoRows:
		return fmt.Errorf("step %s: failed to check memo: %w", name, err)
	}

	result, err := fn(ctx)
	if err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}

	encoded := ""
	if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			return fmt.Errorf("step %s: failed to encode result: %w", name, merr)
		}
		encoded = string(raw)
		if out != nil {
			if derr := json.Unmarshal(raw, out); derr != nil {
				return fmt.Errorf("step %s: failed to decode result: %w", name, derr)
			}
		}
	}

	_, err = r.db.ExecContext(ctx, `
	INSERT INTO execution_steps (execution_id, step_name, result, completed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(execution_id, step_name) DO NOTHING`,
		r.executionID, name, encoded, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("step %s: failed to memoize: %w", name, err)
	}
	return nil
}
