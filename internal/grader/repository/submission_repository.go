package repository

import (
	"context"
	"fmt"
	"strings"

	"codegrader/internal/common/db"
	"codegrader/internal/grader/model"
	appErr "codegrader/pkg/errors"
)

// SubmissionWriter persists graded submissions.
type SubmissionWriter interface {
	// CreateSubmission inserts the row once; inserted is false when it already existed.
	CreateSubmission(ctx context.Context, record model.SubmissionRecord) (inserted bool, err error)
	// CreateResults inserts per-test-case rows, skipping ones already present.
	CreateResults(ctx context.Context, results []model.SubmissionResult) (int64, error)
}

// SubmissionRepository writes submissions through sqlx.
type SubmissionRepository struct {
	db sqlExecutor
}

// NewSubmissionRepository creates a new repository.
func NewSubmissionRepository(database sqlExecutor) *SubmissionRepository {
	return &SubmissionRepository{db: database}
}

const submissionColumns = "id, student_id, problem_id, contest_id, language_id, code, status, score, execution_time_ms, memory_kb, submitted_at"

const resultColumns = "submission_id, test_case_id, status, execution_time_ms, memory_kb"

func namedValues(columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = ":" + p
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// insertIgnoreQuery builds an insert that silently skips rows hitting conflictKey.
func insertIgnoreQuery(driver, table, columns, conflictKey string) string {
	values := namedValues(columns)
	if driver == db.DriverMySQL {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES %s", table, columns, values)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING", table, columns, values, conflictKey)
}

// CreateSubmission inserts record keyed by its submission id.
func (r *SubmissionRepository) CreateSubmission(ctx context.Context, record model.SubmissionRecord) (bool, error) {
	if record.ID == "" {
		return false, appErr.ValidationError("submission_id", "required")
	}
	query := insertIgnoreQuery(r.db.DriverName(), "submissions", submissionColumns, "id")
	res, err := r.db.NamedExecContext(ctx, query, record)
	if err != nil {
		return false, classify(err, appErr.SubmissionPersistFailed, "insert submission %s failed", record.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return true, nil
	}
	return n > 0, nil
}

// CreateResults bulk-inserts results; duplicates on (submission_id, test_case_id) are skipped.
func (r *SubmissionRepository) CreateResults(ctx context.Context, results []model.SubmissionResult) (int64, error) {
	if len(results) == 0 {
		return 0, appErr.ValidationError("results", "empty")
	}
	query := insertIgnoreQuery(r.db.DriverName(), "submission_results", resultColumns, "submission_id, test_case_id")
	res, err := r.db.NamedExecContext(ctx, query, results)
	if err != nil {
		return 0, classify(err, appErr.ResultPersistFailed, "insert results of %s failed", results[0].SubmissionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(results)), nil
	}
	return n, nil
}

var schemaStatements = map[string][]string{
	db.DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS submissions (
	id VARCHAR(64) PRIMARY KEY,
	student_id VARCHAR(64) NOT NULL,
	problem_id VARCHAR(64) NOT NULL,
	contest_id VARCHAR(64),
	language_id VARCHAR(64) NOT NULL,
	code TEXT NOT NULL,
	status VARCHAR(64) NOT NULL,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	execution_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_kb BIGINT NOT NULL DEFAULT 0,
	submitted_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS submission_results (
	id BIGSERIAL PRIMARY KEY,
	submission_id VARCHAR(64) NOT NULL REFERENCES submissions(id),
	test_case_id VARCHAR(64) NOT NULL,
	status VARCHAR(64) NOT NULL,
	execution_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_kb BIGINT NOT NULL DEFAULT 0,
	CONSTRAINT submission_results_case_uq UNIQUE (submission_id, test_case_id)
)`,
	},
	db.DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS submissions (
	id VARCHAR(64) PRIMARY KEY,
	student_id VARCHAR(64) NOT NULL,
	problem_id VARCHAR(64) NOT NULL,
	contest_id VARCHAR(64) NULL,
	language_id VARCHAR(64) NOT NULL,
	code MEDIUMTEXT NOT NULL,
	status VARCHAR(64) NOT NULL,
	score DOUBLE NOT NULL DEFAULT 0,
	execution_time_ms DOUBLE NOT NULL DEFAULT 0,
	memory_kb BIGINT NOT NULL DEFAULT 0,
	submitted_at DATETIME(3) NOT NULL,
	created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
)`,
		`CREATE TABLE IF NOT EXISTS submission_results (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	submission_id VARCHAR(64) NOT NULL,
	test_case_id VARCHAR(64) NOT NULL,
	status VARCHAR(64) NOT NULL,
	execution_time_ms DOUBLE NOT NULL DEFAULT 0,
	memory_kb BIGINT NOT NULL DEFAULT 0,
	UNIQUE KEY submission_results_case_uq (submission_id, test_case_id),
	CONSTRAINT submission_results_submission_fk FOREIGN KEY (submission_id) REFERENCES submissions(id)
)`,
	},
}

// EnsureSchema creates the submission tables with the unique keys that keep inserts idempotent.
func (r *SubmissionRepository) EnsureSchema(ctx context.Context) error {
	stmts, ok := schemaStatements[r.db.DriverName()]
	if !ok {
		return appErr.Newf(appErr.DatabaseError, "unsupported database driver %q", r.db.DriverName())
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "apply schema failed")
		}
	}
	return nil
}

var _ SubmissionWriter = (*SubmissionRepository)(nil)
