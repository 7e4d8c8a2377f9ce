package testcase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/storage"
	"codegrader/internal/grader/model"
	"codegrader/internal/grader/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	bundleKeyPrefix = "grader:testcases:"

	defaultBundleTTL      = 4 * time.Hour
	defaultEmptyBundleTTL = 5 * time.Minute
	defaultFetchWorkers   = 8
	zstdSuffix            = ".zst"
)

// Config wires a Loader.
type Config struct {
	Problems repository.ProblemReader
	Storage  storage.ObjectStorage
	Bucket   string
	// Cache is optional; without it every load reads the database and storage.
	Cache        cache.Cache
	TTL          time.Duration
	EmptyTTL     time.Duration
	FetchWorkers int
	// MaxObjectBytes caps a single decompressed object. Zero means unlimited.
	MaxObjectBytes int64
}

// Loader assembles a problem's stored test cases.
type Loader struct {
	cfg Config
}

// NewLoader validates cfg and fills defaults.
func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Problems == nil {
		return nil, appErr.ValidationError("problems", "required")
	}
	if cfg.Storage == nil {
		return nil, appErr.ValidationError("storage", "required")
	}
	if cfg.Bucket == "" {
		return nil, appErr.ValidationError("bucket", "required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultBundleTTL
	}
	if cfg.EmptyTTL <= 0 {
		cfg.EmptyTTL = defaultEmptyBundleTTL
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = defaultFetchWorkers
	}
	return &Loader{cfg: cfg}, nil
}

func bundleKey(problemID string) string {
	return bundleKeyPrefix + problemID
}

// Load returns the test cases of problemID in stored order.
func (l *Loader) Load(ctx context.Context, problemID string) ([]model.SubmissionTestCase, error) {
	if problemID == "" {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	var (
		cases []model.SubmissionTestCase
		err   error
	)
	if l.cfg.Cache != nil {
		cases, err = cache.GetWithCached[[]model.SubmissionTestCase](
			ctx,
			l.cfg.Cache,
			bundleKey(problemID),
			cache.JitterTTL(l.cfg.TTL),
			l.cfg.EmptyTTL,
			func(c []model.SubmissionTestCase) bool { return len(c) == 0 },
			marshalBundle,
			unmarshalBundle,
			func(ctx context.Context) ([]model.SubmissionTestCase, error) {
				return l.fetch(ctx, problemID)
			},
		)
	} else {
		cases, err = l.fetch(ctx, problemID)
	}
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, appErr.Newf(appErr.TestCaseNotFound, "problem %s has no test cases", problemID)
	}
	return cases, nil
}

func (l *Loader) fetch(ctx context.Context, problemID string) ([]model.SubmissionTestCase, error) {
	rows, err := l.cfg.Problems.ListTestCases(ctx, problemID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cases := make([]model.SubmissionTestCase, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.FetchWorkers)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			input, err := l.readObject(gctx, row.InputKey)
			if err != nil {
				return err
			}
			output, err := l.readObject(gctx, row.OutputKey)
			if err != nil {
				return err
			}
			cases[i] = model.SubmissionTestCase{
				ID:     row.ID,
				Weight: row.Weight,
				Input:  input,
				Output: output,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info(ctx, "test cases loaded from storage",
		zap.String("problem_id", problemID),
		zap.Int("count", len(cases)),
	)
	return cases, nil
}

func (l *Loader) readObject(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", appErr.New(appErr.TestCaseInvalid).WithMessage("test case object key is empty")
	}
	rc, err := l.cfg.Storage.GetObject(ctx, l.cfg.Bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", appErr.Wrapf(err, appErr.TestCaseNotFound, "test case object %s not found", key)
		}
		return "", appErr.Wrapf(err, appErr.TestCaseBundleFailed, "open test case object %s failed", key)
	}
	defer rc.Close()

	var reader io.Reader = rc
	if strings.HasSuffix(key, zstdSuffix) {
		dec, err := zstd.NewReader(rc)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.TestCaseBundleFailed, "create zstd reader failed")
		}
		defer dec.Close()
		reader = dec
	}
	if l.cfg.MaxObjectBytes > 0 {
		reader = io.LimitReader(reader, l.cfg.MaxObjectBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TestCaseBundleFailed, "read test case object %s failed", key)
	}
	if l.cfg.MaxObjectBytes > 0 && int64(len(data)) > l.cfg.MaxObjectBytes {
		return "", appErr.Newf(appErr.TestCaseInvalid, "test case object %s exceeds %d bytes", key, l.cfg.MaxObjectBytes)
	}
	return string(data), nil
}

func marshalBundle(cases []model.SubmissionTestCase) string {
	data, err := json.Marshal(cases)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalBundle(data string) ([]model.SubmissionTestCase, error) {
	var cases []model.SubmissionTestCase
	if err := json.Unmarshal([]byte(data), &cases); err != nil {
		return nil, err
	}
	return cases, nil
}
