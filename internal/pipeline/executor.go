// Package pipeline runs the ordered stage sequence for one tenant's pending
// metadata, threading a workflow state between stages and handing the
// resulting whispers to the delivery engine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/internal/agents"
	"github.com/nightjarhq/murmur/internal/config"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/pkg/models"
)

const previewLimit = 500

// Deliverer is the slice of the delivery engine the executor needs. The
// engine owns whisper status updates; a returned error means the whisper
// ended failed after the fallback attempt, or its outcome could not be
// recorded, and lands in the session errors either way.
type Deliverer interface {
	Deliver(ctx context.Context, w *models.Whisper) error
}

// State is the transient workflow state threaded through one run. It exists
// only for the duration of the run; its terminal artifacts (whispers, the
// session record) outlive it.
type State struct {
	SessionID uuid.UUID
	TenantID  uuid.UUID
	Metadata  []*models.MetadataRecord
	Outputs   map[string]any
	Errors    []string
	Whispers  []*models.Whisper
	StageLogs []models.StageLog
}

// Result summarizes a finished run. Backlog reports pending metadata left
// behind after the run, typically records that arrived after the run's
// snapshot; the queue worker schedules a follow-up run for them.
type Result struct {
	SessionID    uuid.UUID
	Status       string
	WhisperCount int
	Backlog      bool
}

// Executor runs analysis pipelines. Stages within a run execute strictly
// sequentially; concurrency across tenants comes from the queue worker pool.
type Executor struct {
	store    store.Store
	provider models.AIProvider
	registry *agents.Registry
	delivery Deliverer
	cfg      config.PipelineConfig
	logger   *slog.Logger
}

// New creates an Executor.
func New(st store.Store, provider models.AIProvider, registry *agents.Registry, delivery Deliverer, cfg config.PipelineConfig, logger *slog.Logger) *Executor {
	return &Executor{
		store:    st,
		provider: provider,
		registry: registry,
		delivery: delivery,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one analysis cycle over the tenant's pending metadata.
// Re-execution after a crash is safe: records already flipped to processed
// are not picked up again.
func (e *Executor) Run(ctx context.Context, tenantID uuid.UUID) (*Result, error) {
	records, err := e.store.ListPendingMetadata(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list pending metadata: %w", err)
	}
	return e.run(ctx, tenantID, records)
}

// RunBatch executes a run over an explicit metadata batch, bypassing the
// trigger coordinator. Used by the administrative force-run endpoint.
func (e *Executor) RunBatch(ctx context.Context, tenantID uuid.UUID, records []*models.MetadataRecord) (*Result, error) {
	return e.run(ctx, tenantID, records)
}

func (e *Executor) run(ctx context.Context, tenantID uuid.UUID, records []*models.MetadataRecord) (result *Result, err error) {
	now := time.Now().UTC()
	session := &models.AgentSession{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Status:    models.SessionStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	state := &State{
		SessionID: session.ID,
		TenantID:  tenantID,
		Metadata:  records,
		Outputs:   make(map[string]any),
	}

	// A failure outside a stage boundary aborts the remaining sequence but
	// must still finalize the session and keep whatever whispers were
	// already persisted.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in pipeline run",
				"session_id", state.SessionID, "tenant_id", tenantID, "error", r)
			e.finalize(ctx, state, models.SessionStatusFailed)
			result = nil
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	e.logger.Info("pipeline run started",
		"session_id", state.SessionID, "tenant_id", tenantID, "records", len(records))

	plan := e.registry.Sequence(availableTypes(records))

	// Skipped stages still populate their output key so downstream stages
	// read a well-formed empty result instead of nil.
	for _, stage := range plan.Skipped {
		state.Outputs[stage.OutputKey] = stage.Fallback()
		state.StageLogs = append(state.StageLogs, models.StageLog{
			StageID: stage.ID,
			Status:  "skipped",
		})
	}

	for _, stage := range plan.Run {
		e.runStage(ctx, state, stage)
		if err := e.store.UpdateSessionProgress(ctx, state.SessionID, state.StageLogs, state.Errors); err != nil {
			e.logger.Warn("session progress update failed",
				"session_id", state.SessionID, "error", err)
		}
	}

	if err := e.persistWhispers(ctx, state); err != nil {
		e.finalize(ctx, state, models.SessionStatusFailed)
		return nil, err
	}

	if err := e.markProcessed(ctx, state); err != nil {
		// Whispers exist and are deliverable; losing the status flip only
		// risks a duplicate analysis, which the next run tolerates.
		state.Errors = append(state.Errors, fmt.Sprintf("mark metadata processed: %v", err))
	}

	e.deliver(ctx, state)

	status := models.SessionStatusCompleted
	if len(state.Errors) > 0 {
		status = models.SessionStatusCompletedWithErrors
	}
	e.finalize(ctx, state, status)

	e.logger.Info("pipeline run finished",
		"session_id", state.SessionID,
		"tenant_id", tenantID,
		"status", status,
		"whispers", len(state.Whispers),
		"errors", len(state.Errors),
	)

	return &Result{
		SessionID:    state.SessionID,
		Status:       status,
		WhisperCount: len(state.Whispers),
		Backlog:      e.backlogRemains(ctx, tenantID),
	}, nil
}

// backlogRemains reports whether the tenant accumulated pending metadata this
// run did not cover. Records arriving after the run's snapshot find the
// tenant's job already running and get no job of their own, so the caller
// must schedule the follow-up. A failed check reports no backlog; the trigger
// path reschedules on the next arrival.
func (e *Executor) backlogRemains(ctx context.Context, tenantID uuid.UUID) bool {
	types, err := e.store.PendingMetadataTypes(ctx, tenantID)
	if err != nil {
		e.logger.Warn("backlog check failed", "tenant_id", tenantID, "error", err)
		return false
	}
	return len(types) > 0
}

// runStage executes one stage with local error recovery: a failed call or a
// malformed response substitutes the stage fallback and records the error,
// never aborting the run.
func (e *Executor) runStage(ctx context.Context, state *State, stage agents.Descriptor) {
	start := time.Now()
	subset := filterRecords(state.Metadata, stage)

	if len(subset) < e.cfg.MinStageRecords {
		state.Outputs[stage.OutputKey] = stage.Fallback()
		state.StageLogs = append(state.StageLogs, models.StageLog{
			StageID:    stage.ID,
			Status:     "fallback",
			DurationMs: time.Since(start).Milliseconds(),
			Preview:    fmt.Sprintf("below minimum volume: %d of %d records", len(subset), e.cfg.MinStageRecords),
		})
		return
	}

	raw, err := e.callProvider(ctx, state, stage, subset)
	if err != nil {
		e.recordStageFailure(state, stage, start, fmt.Sprintf("analysis call: %v", err))
		return
	}

	out, err := stage.Parse(raw)
	if err != nil {
		e.recordStageFailure(state, stage, start, fmt.Sprintf("response parse: %v", err))
		return
	}

	state.Outputs[stage.OutputKey] = out
	state.StageLogs = append(state.StageLogs, models.StageLog{
		StageID:    stage.ID,
		Status:     "completed",
		DurationMs: time.Since(start).Milliseconds(),
		Preview:    truncateString(raw, previewLimit),
	})
}

func (e *Executor) recordStageFailure(state *State, stage agents.Descriptor, start time.Time, msg string) {
	state.Outputs[stage.OutputKey] = stage.Fallback()
	state.Errors = append(state.Errors, fmt.Sprintf("%s: %s", stage.ID, msg))
	state.StageLogs = append(state.StageLogs, models.StageLog{
		StageID:    stage.ID,
		Status:     "fallback",
		DurationMs: time.Since(start).Milliseconds(),
		Error:      truncateString(msg, previewLimit),
	})
	e.logger.Warn("stage recovered with fallback",
		"session_id", state.SessionID, "stage", stage.ID, "error", msg)
}

// stageInput is the serialized request body sent to the analysis provider.
type stageInput struct {
	Metadata []*models.MetadataRecord `json:"metadata"`
	Findings map[string]any           `json:"findings,omitempty"`
}

func (e *Executor) callProvider(ctx context.Context, state *State, stage agents.Descriptor, subset []*models.MetadataRecord) (string, error) {
	findings := make(map[string]any, len(stage.DependsOn))
	for _, dep := range stage.DependsOn {
		if desc, ok := e.registry.Get(dep); ok {
			if out, ok := state.Outputs[desc.OutputKey]; ok {
				findings[desc.OutputKey] = out
			}
		}
	}

	inputs, err := json.Marshal(stageInput{Metadata: subset, Findings: findings})
	if err != nil {
		return "", fmt.Errorf("serialize inputs: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.InferenceTimeout)
	defer cancel()

	return e.provider.Complete(callCtx, models.CompletionRequest{
		SystemInstructions: stage.SystemPrompt,
		TaskInstructions:   stage.TaskPrompt,
		SerializedInputs:   string(inputs),
	})
}

// persistWhispers stores the terminal stage's candidates before the delivery
// phase, so a delivery failure never loses analysis output.
func (e *Executor) persistWhispers(ctx context.Context, state *State) error {
	out, ok := state.Outputs[agents.OutputWhispers].(agents.WhispersResult)
	if !ok {
		return nil
	}

	now := time.Now().UTC()
	for _, cand := range out.Whispers {
		w := &models.Whisper{
			ID:        uuid.New(),
			TenantID:  state.TenantID,
			SessionID: state.SessionID,
			Title:     cand.Title,
			Category:  cand.Category,
			Priority:  cand.Priority,
			Content: models.WhisperContent{
				Message:          cand.Message,
				SuggestedActions: cand.SuggestedActions,
				Rationale:        cand.Rationale,
			},
			Status:      models.WhisperStatusPending,
			GeneratedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if cand.ScopeInfo != "" {
			scope := cand.ScopeInfo
			w.ScopeInfo = &scope
		}
		if err := e.store.CreateWhisper(ctx, w); err != nil {
			return fmt.Errorf("persist whisper: %w", err)
		}
		state.Whispers = append(state.Whispers, w)
	}
	return nil
}

func (e *Executor) markProcessed(ctx context.Context, state *State) error {
	ids := make([]uuid.UUID, 0, len(state.Metadata))
	for _, rec := range state.Metadata {
		ids = append(ids, rec.ID)
	}
	_, err := e.store.MarkMetadataProcessed(ctx, state.TenantID, ids)
	return err
}

// deliver hands each persisted whisper to the delivery engine. Failures are
// recorded on the whisper and in the session errors; they never fail the run.
func (e *Executor) deliver(ctx context.Context, state *State) {
	for _, w := range state.Whispers {
		if err := e.delivery.Deliver(ctx, w); err != nil {
			state.Errors = append(state.Errors, fmt.Sprintf("delivery %s: %v", w.ID, err))
		}
	}
}

func (e *Executor) finalize(ctx context.Context, state *State, status string) {
	if err := e.store.FinalizeSession(ctx, state.SessionID, status, state.StageLogs, state.Errors, len(state.Whispers)); err != nil {
		e.logger.Error("session finalize failed",
			"session_id", state.SessionID, "status", status, "error", err)
	}
}

// filterRecords returns the records matching the stage's declared metadata
// types. A stage that declares none (the terminal stage works from findings)
// sees the full batch.
func filterRecords(records []*models.MetadataRecord, stage agents.Descriptor) []*models.MetadataRecord {
	types := stage.MetadataTypes()
	if len(types) == 0 {
		return records
	}
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var subset []*models.MetadataRecord
	for _, rec := range records {
		if wanted[rec.MetadataType] {
			subset = append(subset, rec)
		}
	}
	return subset
}

func availableTypes(records []*models.MetadataRecord) []string {
	seen := make(map[string]bool)
	var types []string
	for _, rec := range records {
		if !seen[rec.MetadataType] {
			seen[rec.MetadataType] = true
			types = append(types, rec.MetadataType)
		}
	}
	return types
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
