package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"waveline/internal/domain"
)

// SQLiteProvider loads the registry from the workspace database.
type SQLiteProvider struct {
	DB *sql.DB
}

func (p *SQLiteProvider) Load(ctx context.Context) ([]domain.TaskDefinition, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, title, wave, category, prompt, model, temperature, max_tokens,
		timeout_seconds, max_retries, concurrency_class, expected_outputs, depends_on, notes
		FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.TaskDefinition
	for rows.Next() {
		var t domain.TaskDefinition
		var class, outputsJSON, depsJSON string
		if err := rows.Scan(&t.ID, &t.Title, &t.Wave, &t.Category, &t.Prompt,
			&t.Tool.Model, &t.Tool.Temperature, &t.Tool.MaxTokens,
			&t.TimeoutSeconds, &t.MaxRetries, &class, &outputsJSON, &depsJSON, &t.Notes); err != nil {
			return nil, err
		}
		t.ConcurrencyClass = domain.ConcurrencyClass(class)
		if err := unmarshalStringSlice(outputsJSON, &t.ExpectedOutputs); err != nil {
			return nil, fmt.Errorf("task %s expected_outputs: %w", t.ID, err)
		}
		if err := unmarshalStringSlice(depsJSON, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("task %s depends_on: %w", t.ID, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Replace swaps the stored registry with the given task set in one
// transaction. Used by the registry migrate command.
func (p *SQLiteProvider) Replace(ctx context.Context, tasks []domain.TaskDefinition) error {
	if err := Validate(tasks); err != nil {
		return err
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id, title, wave, category, prompt, model, temperature, max_tokens,
			timeout_seconds, max_retries, concurrency_class, expected_outputs, depends_on, notes)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Title, t.Wave, t.Category, t.Prompt,
			t.Tool.Model, t.Tool.Temperature, t.Tool.MaxTokens,
			t.TimeoutSeconds, t.MaxRetries, string(t.ConcurrencyClass),
			marshalStringSlice(t.ExpectedOutputs), marshalStringSlice(t.DependsOn), t.Notes); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func marshalStringSlice(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func unmarshalStringSlice(s string, out *[]string) error {
	if s == "" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
