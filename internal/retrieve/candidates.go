package retrieve

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talhas-laboratory/curated-context-containers/internal/persistence/databases"
)

// SourceDiagnostics carries per-source retrieval timings and counts.
type SourceDiagnostics struct {
	FtLatency  time.Duration
	VecLatency time.Duration
	FtCount    int
	VecCount   int
	// FtTimedOut/VecTimedOut report whether the stage was cancelled by the
	// request budget rather than completing normally.
	FtTimedOut  bool
	VecTimedOut bool
	// FtDown/VecDown report whether the stage's backend returned a non-timeout
	// error (e.g. connection refused); the stage contributes no candidates but
	// does not abort the rest of Retrieve.
	FtDown  bool
	VecDown bool
	FtErr   error
	VecErr  error
}

type chunkSearcher interface {
	SearchChunks(ctx context.Context, query string, lang string, limit int, filter map[string]string) ([]databases.SearchResult, error)
}

// ParallelCandidates queries the full-text and vector stores concurrently,
// bounded by plan.Budget when set. A stage that exceeds the budget is
// cancelled, and a stage whose backend returns any other error also
// contributes no candidates, rather than failing the request; this keeps
// hybrid retrieval best-effort under the error-handling tiering used
// throughout the core (external-dependency faults degrade, they never
// propagate as hard errors from an optional fan-out stage). The returned
// error is always nil; callers read FtDown/VecDown/FtTimedOut/VecTimedOut on
// SourceDiagnostics to learn which stage degraded.
func ParallelCandidates(ctx context.Context, search databases.FullTextSearch, vector databases.VectorStore, plan QueryPlan, embVec []float32) ([]databases.SearchResult, []databases.VectorResult, SourceDiagnostics, error) {
	stageCtx := ctx
	var cancel context.CancelFunc
	if plan.Budget > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, plan.Budget)
		defer cancel()
	}

	var fts []databases.SearchResult
	var vrs []databases.VectorResult
	var diag SourceDiagnostics

	g, gctx := errgroup.WithContext(stageCtx)

	if plan.FtK > 0 && search != nil {
		g.Go(func() error {
			t0 := time.Now()
			var res []databases.SearchResult
			var err error
			if cs, ok := search.(chunkSearcher); ok {
				res, err = cs.SearchChunks(gctx, plan.Query, plan.Lang, plan.FtK, plan.Filters)
			} else {
				res, err = search.Search(gctx, plan.Query, plan.FtK)
			}
			diag.FtLatency = time.Since(t0)
			if err != nil {
				if gctx.Err() != nil {
					diag.FtTimedOut = true
				} else {
					diag.FtDown = true
					diag.FtErr = err
				}
				return nil
			}
			fts = res
			diag.FtCount = len(res)
			return nil
		})
	}

	if plan.VecK > 0 && vector != nil && len(embVec) > 0 {
		g.Go(func() error {
			t0 := time.Now()
			res, err := vector.SimilaritySearch(gctx, embVec, plan.VecK, plan.Filters)
			diag.VecLatency = time.Since(t0)
			if err != nil {
				if gctx.Err() != nil {
					diag.VecTimedOut = true
				} else {
					diag.VecDown = true
					diag.VecErr = err
				}
				return nil
			}
			vrs = res
			diag.VecCount = len(res)
			return nil
		})
	}

	_ = g.Wait() // both stages convert their own errors into diagnostics above
	return fts, vrs, diag, nil
}
