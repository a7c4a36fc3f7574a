package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/mathimport/internal/model"
	"github.com/xxxsen/mathimport/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

var questionFields = []string{"id", "session_id", "number", "type", "body_json", "answer_json", "analysis_json", "detailed_solution_json", "ctime"}

// QuestionRepo writes confirmed submissions and their assembled questions to postgres.
type QuestionRepo struct {
	db *sql.DB
}

func NewQuestionRepo(db *sql.DB) *QuestionRepo {
	return &QuestionRepo{db: db}
}

// Persist stores one submission and its questions in a single transaction.
// Confirming the same session twice yields ErrConflict.
func (r *QuestionRepo) Persist(ctx context.Context, sub model.Submission) error {
	entriesJSON, err := json.Marshal(sub.Entries)
	if err != nil {
		return err
	}
	pending := 0
	for _, e := range sub.Entries {
		if e.Kind == model.KindFormulaImage && e.Payload == "" {
			pending++
		}
	}
	header := map[string]interface{}{
		"session_id":       sub.SessionID,
		"source":           sub.Source,
		"entry_count":      len(sub.Entries),
		"question_count":   len(sub.Questions),
		"pending_formulas": pending,
		"entries_json":     string(entriesJSON),
		"ctime":            sub.Ctime,
	}
	rows, err := questionRows(sub.Questions)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insert(ctx, tx, "import_submissions", []map[string]interface{}{header}); err != nil {
		if dbutil.IsConflict(err) {
			return fmt.Errorf("%w: session %s already persisted", appErr.ErrConflict, sub.SessionID)
		}
		return err
	}
	if len(rows) > 0 {
		if err := insert(ctx, tx, "questions", rows); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListBySession returns the stored questions of a submission ordered by number.
func (r *QuestionRepo) ListBySession(ctx context.Context, sessionID string) ([]model.Question, error) {
	where := map[string]interface{}{"session_id": sessionID, "_orderby": "number asc"}
	sqlStr, args, err := builder.BuildSelect("questions", where, questionFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Rebind(sqlStr, args)
	rs, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rs.Close() }()
	items := make([]model.Question, 0)
	for rs.Next() {
		var q model.Question
		var body, answer, analysis, detailedSolution string
		if err := rs.Scan(&q.ID, &q.SessionID, &q.Number, &q.Type, &body, &answer, &analysis, &detailedSolution, &q.Ctime); err != nil {
			return nil, err
		}
		if err := decodeBlocks(body, &q.Body); err != nil {
			return nil, err
		}
		if err := decodeBlocks(answer, &q.Answer); err != nil {
			return nil, err
		}
		if err := decodeBlocks(analysis, &q.Analysis); err != nil {
			return nil, err
		}
		if err := decodeBlocks(detailedSolution, &q.DetailedSolution); err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		exists, err := r.submissionExists(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, appErr.ErrNotFound
		}
	}
	return items, nil
}

func (r *QuestionRepo) submissionExists(ctx context.Context, sessionID string) (bool, error) {
	where := map[string]interface{}{"session_id": sessionID, "_limit": []uint{0, 1}}
	sqlStr, args, err := builder.BuildSelect("import_submissions", where, []string{"session_id"})
	if err != nil {
		return false, err
	}
	sqlStr, args = dbutil.Rebind(sqlStr, args)
	var id string
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func questionRows(questions []model.Question) ([]map[string]interface{}, error) {
	rows := make([]map[string]interface{}, 0, len(questions))
	for _, q := range questions {
		row := map[string]interface{}{
			"id":         q.ID,
			"session_id": q.SessionID,
			"number":     q.Number,
			"type":       q.Type,
			"ctime":      q.Ctime,
		}
		for col, blocks := range map[string][]model.Block{
			"body_json":              q.Body,
			"answer_json":            q.Answer,
			"analysis_json":          q.Analysis,
			"detailed_solution_json": q.DetailedSolution,
		} {
			raw, err := encodeBlocks(blocks)
			if err != nil {
				return nil, err
			}
			row[col] = raw
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func insert(ctx context.Context, tx *sql.Tx, table string, rows []map[string]interface{}) error {
	sqlStr, args, err := builder.BuildInsert(table, rows)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Rebind(sqlStr, args)
	_, err = tx.ExecContext(ctx, sqlStr, args...)
	return err
}

func encodeBlocks(blocks []model.Block) (string, error) {
	if blocks == nil {
		blocks = []model.Block{}
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeBlocks(raw string, out *[]model.Block) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
