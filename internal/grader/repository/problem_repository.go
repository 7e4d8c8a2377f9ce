package repository

import (
	"context"

	"codegrader/internal/common/db"
	"codegrader/internal/grader/model"
	appErr "codegrader/pkg/errors"
)

// TestCaseRow locates one stored test case in object storage.
type TestCaseRow struct {
	ID        string  `db:"id"`
	Weight    float64 `db:"weight"`
	InputKey  string  `db:"input_key"`
	OutputKey string  `db:"output_key"`
}

// DriverCode is the per-language scaffolding wrapped around user code.
type DriverCode struct {
	Prelude    string `db:"prelude"`
	DriverCode string `db:"driver_code"`
}

// ProblemReader reads the problem data the pipeline needs.
type ProblemReader interface {
	// GetWeights returns found=false when the problem has no weight row.
	GetWeights(ctx context.Context, problemID string) (model.ProblemWeights, bool, error)
	GetDriverCode(ctx context.Context, problemID, languageID string) (DriverCode, bool, error)
	ListTestCases(ctx context.Context, problemID string) ([]TestCaseRow, error)
}

// ProblemRepository reads problems through sqlx.
type ProblemRepository struct {
	db sqlExecutor
}

// NewProblemRepository creates a new repository.
func NewProblemRepository(database sqlExecutor) *ProblemRepository {
	return &ProblemRepository{db: database}
}

func (r *ProblemRepository) GetWeights(ctx context.Context, problemID string) (model.ProblemWeights, bool, error) {
	var w model.ProblemWeights
	query := r.db.Rebind("SELECT problem_weight, testcase_weight FROM problems WHERE id = ?")
	if err := r.db.GetContext(ctx, &w, query, problemID); err != nil {
		if db.IsNoRows(err) {
			return model.ProblemWeights{}, false, nil
		}
		return model.ProblemWeights{}, false, appErr.Wrapf(err, appErr.ScoreLookupFailed, "fetch weights of problem %s failed", problemID)
	}
	return w, true, nil
}

func (r *ProblemRepository) GetDriverCode(ctx context.Context, problemID, languageID string) (DriverCode, bool, error) {
	var dc DriverCode
	query := r.db.Rebind("SELECT COALESCE(prelude, '') AS prelude, COALESCE(driver_code, '') AS driver_code FROM problem_languages WHERE problem_id = ? AND language_id = ?")
	if err := r.db.GetContext(ctx, &dc, query, problemID, languageID); err != nil {
		if db.IsNoRows(err) {
			return DriverCode{}, false, nil
		}
		return DriverCode{}, false, appErr.Wrapf(err, appErr.DatabaseError, "fetch driver code of problem %s failed", problemID)
	}
	return dc, true, nil
}

func (r *ProblemRepository) ListTestCases(ctx context.Context, problemID string) ([]TestCaseRow, error) {
	var rows []TestCaseRow
	query := r.db.Rebind("SELECT id, weight, input_key, output_key FROM test_cases WHERE problem_id = ? ORDER BY position, id")
	if err := r.db.SelectContext(ctx, &rows, query, problemID); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list test cases of problem %s failed", problemID)
	}
	return rows, nil
}

var _ ProblemReader = (*ProblemRepository)(nil)
