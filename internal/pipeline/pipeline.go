// Package pipeline runs the scheduled MATOPIBA orchestration task: fetch
// hourly forecasts for all cities, compute ETo per city, validate the
// model against the provider, publish the snapshot to the hot cache, and
// record the run in the audit log.
//
// The five phases run in order. Only two failures abort a run: a
// complete upstream outage in the fetch phase, and a hot cache write
// that fails its retry. Everything else degrades the run and is carried
// in the report.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evaonline/matopiba/internal/auditlog"
	"github.com/evaonline/matopiba/internal/constants"
	"github.com/evaonline/matopiba/internal/types"
	"github.com/evaonline/matopiba/internal/validation"
)

const (
	// TaskDeadline bounds one whole run.
	TaskDeadline = 10 * time.Minute
	// UpdateInterval separates scheduled runs.
	UpdateInterval = 6 * time.Hour

	cacheRetryDelay = 500 * time.Millisecond

	fetchBudget   = 60 * time.Second
	computeBudget = 15 * time.Second
	persistBudget = 5 * time.Second

	retryAttempts = 3
	retryDelay    = 5 * time.Minute
)

// Fetcher is the forecast client capability the pipeline consumes.
type Fetcher interface {
	FetchAll(ctx context.Context, cities []types.CityRef) (map[string]*types.HourlySeries, []types.CityFailure, error)
}

// HotStore is the hot cache capability: snapshot publication plus the
// distributed run lock.
type HotStore interface {
	PutSnapshot(ctx context.Context, s *types.Snapshot) error
	AcquireRunLock(ctx context.Context, token string) (bool, error)
	ReleaseRunLock(ctx context.Context, token string)
}

// AuditStore is the audit log capability.
type AuditStore interface {
	UpsertRun(ctx context.Context, rec *auditlog.RunRecord) error
}

// Runner executes pipeline runs over a fixed city list.
type Runner struct {
	cities  []types.CityRef
	fetcher Fetcher
	hot     HotStore
	audit   AuditStore // nil when DB_URL is not configured
	localTZ *time.Location
	logger  *zap.SugaredLogger
}

// NewRunner builds a pipeline runner. audit may be nil, in which case
// the audit phase is skipped with a warning.
func NewRunner(cities []types.CityRef, fetcher Fetcher, hot HotStore, audit AuditStore, localTZ *time.Location, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		cities:  cities,
		fetcher: fetcher,
		hot:     hot,
		audit:   audit,
		localTZ: localTZ,
		logger:  logger,
	}
}

// RunLabelFor maps a UTC instant to the label of the scheduled slot it
// falls in: hours 0-5 are "00h UTC", 6-11 "06h UTC", and so on. Manual
// triggers get the label of the slot they land in.
func RunLabelFor(t time.Time) string {
	slot := (t.UTC().Hour() / 6) * 6
	return fmt.Sprintf("%02dh UTC", slot)
}

// Run executes one pipeline pass. The returned report is non-nil even on
// failure. A non-nil error marks the aborts that warrant a task-level
// retry: total fetch outage and hot cache write failure.
func (r *Runner) Run(ctx context.Context) (*types.TaskReport, error) {
	start := time.Now()
	runID := uuid.NewString()
	updatedAt := start.UTC().Truncate(time.Second)

	report := &types.TaskReport{
		RunID:            runID,
		RunLabel:         RunLabelFor(updatedAt),
		NCitiesAttempted: len(r.cities),
	}

	ctx, cancel := context.WithTimeout(ctx, TaskDeadline)
	defer cancel()

	locked, err := r.hot.AcquireRunLock(ctx, runID)
	if err != nil {
		// The same store failing in Phase 4 aborts the run properly;
		// don't refuse to start over a lock probe.
		r.logger.Warnf("cannot probe run lock, proceeding without it: %v", err)
	} else if !locked {
		r.logger.Infof("run %s discarded: another run is in progress", report.RunLabel)
		runsTotal.WithLabelValues("skipped").Inc()
		report.Failures = append(report.Failures, types.CityFailure{ErrorKind: types.ErrRunAlreadyInProgress})
		report.DurationS = time.Since(start).Seconds()
		return report, nil
	} else {
		defer r.hot.ReleaseRunLock(context.WithoutCancel(ctx), runID)
	}

	r.logger.Infow("pipeline run starting",
		"run_id", runID, "run_label", report.RunLabel, "n_cities", len(r.cities))

	// Phase 1: fetch.
	phaseStart := time.Now()
	hourly, failures, err := r.fetcher.FetchAll(ctx, r.cities)
	if err != nil {
		report.Failures = failures
		report.DurationS = time.Since(start).Seconds()
		runsTotal.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("fetch phase: %v", err)
	}
	report.Failures = failures
	warnOverBudget(r.logger, "fetch", time.Since(phaseStart), fetchBudget)

	// Phase 2: compute.
	phaseStart = time.Now()
	forecasts, computeFailures := r.computeAll(hourly)
	report.Failures = append(report.Failures, computeFailures...)
	warnOverBudget(r.logger, "compute", time.Since(phaseStart), computeBudget)

	// Phase 3: validate. Diagnostic only.
	model, provider := flattenPairs(forecasts)
	metrics := validation.Compute(model, provider)
	if metrics.Quality == types.QualityBelowExpected {
		r.logger.Warnw("validation quality below expected",
			"r2", metrics.R2, "rmse_mm_day", metrics.RMSEMmDay,
			"bias_mm_day", metrics.BiasMmDay, "n_samples", metrics.NSamples)
	} else {
		r.logger.Infow("validation complete",
			"quality", metrics.Quality, "r2", metrics.R2,
			"rmse_mm_day", metrics.RMSEMmDay, "n_samples", metrics.NSamples)
	}
	report.Quality = metrics.Quality
	report.NCitiesSucceeded = len(forecasts)

	// Phase 4: persist hot. The only persistence failure that aborts.
	meta := types.RunMetadata{
		RunLabel:         report.RunLabel,
		UpdatedAtUTC:     updatedAt,
		NextUpdateUTC:    updatedAt.Add(UpdateInterval),
		NCitiesAttempted: report.NCitiesAttempted,
		NCitiesSucceeded: report.NCitiesSucceeded,
		SuccessRate:      float64(report.NCitiesSucceeded) / float64(report.NCitiesAttempted),
		Version:          constants.Version,
	}
	snapshot := &types.Snapshot{
		Forecasts:  forecasts,
		Validation: metrics,
		Metadata:   meta,
	}
	phaseStart = time.Now()
	if err := r.hot.PutSnapshot(ctx, snapshot); err != nil {
		r.logger.Warnf("hot cache write failed, retrying in %s: %v", cacheRetryDelay, err)
		select {
		case <-time.After(cacheRetryDelay):
		case <-ctx.Done():
		}
		if err := r.hot.PutSnapshot(ctx, snapshot); err != nil {
			report.DurationS = time.Since(start).Seconds()
			runsTotal.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("cache write failed after retry: %v", err)
		}
	}
	warnOverBudget(r.logger, "persist-hot", time.Since(phaseStart), persistBudget)

	// Phase 5: persist audit. Failures are logged and swallowed.
	phaseStart = time.Now()
	report.Success = true
	report.DurationS = time.Since(start).Seconds()
	r.persistAudit(ctx, meta, metrics, report)
	warnOverBudget(r.logger, "persist-audit", time.Since(phaseStart), persistBudget)

	runsTotal.WithLabelValues("success").Inc()
	runDuration.Observe(report.DurationS)
	citiesSucceeded.Set(float64(report.NCitiesSucceeded))
	runQuality.Set(qualityValue(metrics.Quality))

	r.logger.Infow("pipeline run complete",
		"run_id", runID,
		"run_label", report.RunLabel,
		"duration_s", report.DurationS,
		"n_cities_attempted", report.NCitiesAttempted,
		"n_cities_succeeded", report.NCitiesSucceeded,
		"quality", report.Quality,
		"n_failures", len(report.Failures))
	return report, nil
}

// RunWithRetry wraps Run with the task-level retry policy: up to three
// attempts separated by five minutes, re-attempting only on abort
// errors.
func (r *Runner) RunWithRetry(ctx context.Context) (*types.TaskReport, error) {
	var report *types.TaskReport
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		report, err = r.Run(ctx)
		if err == nil {
			return report, nil
		}
		if attempt == retryAttempts {
			break
		}
		r.logger.Warnf("run attempt %d/%d failed, next attempt in %s: %v",
			attempt, retryAttempts, retryDelay, err)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return report, ctx.Err()
		}
	}
	return report, err
}

func warnOverBudget(logger *zap.SugaredLogger, phase string, elapsed, budget time.Duration) {
	if elapsed > budget {
		logger.Warnf("%s phase took %s, budget is %s", phase, elapsed, budget)
	}
}
