// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/showrunner/core/internal/agent"
	"github.com/showrunner/core/internal/contextassembler"
	"github.com/showrunner/core/internal/coreerr"
	"github.com/showrunner/core/internal/logger"
	"github.com/showrunner/core/internal/modelconfig"
)

// ModelProvider is the injected text-generation collaborator consulted by
// the LLM_GENERATE handler.
type ModelProvider interface {
	Generate(ctx context.Context, model, systemPrompt, userPrompt string, temperature float64) (string, error)
}

// HandlerFunc executes a single non-logic, non-human step in place,
// mutating r's payload.
type HandlerFunc func(ctx context.Context, e *Engine, r *run, step Step) error

// RunPersister is called once a run reaches a terminal state, mirroring
// the teacher's "persist completed/failed runs as an entity" behavior.
type RunPersister func(ctx context.Context, snap RunSnapshot) error

// Engine owns pipeline definitions and live runs, and dispatches steps to
// registered handlers. One run = one goroutine; human pauses block on a
// per-run channel kept in resumeSignals, exactly as the concurrency model
// requires.
type Engine struct {
	defMu       sync.Mutex
	definitions map[string]*Definition

	runsMu sync.Mutex
	runs   map[string]*run

	snapshots     sync.Map // runID -> *RunSnapshot
	resumeSignals sync.Map // runID -> chan struct{}

	handlers map[StepType]HandlerFunc

	Assembler  *contextassembler.Assembler
	Registry   *modelconfig.Registry
	Dispatcher *agent.Dispatcher
	Model      ModelProvider
	HTTP       HTTPDoer
	Persist    RunPersister
}

// New builds an Engine; any collaborator may be nil, in which case the
// handlers that need it degrade gracefully (matching the teacher's
// optional class-level collaborators pattern).
func New() *Engine {
	e := &Engine{
		definitions: make(map[string]*Definition),
		runs:        make(map[string]*run),
	}
	e.handlers = defaultHandlers()
	return e
}

// RegisterHandler overrides or adds a handler for a step type.
func (e *Engine) RegisterHandler(t StepType, h HandlerFunc) {
	e.handlers[t] = h
}

// --- definition registry -------------------------------------------------

func (e *Engine) SaveDefinition(def *Definition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if seen[s.ID] {
			return coreerr.NewValidationError("pipeline_definition", fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
	}
	for _, edge := range def.Edges {
		if !seen[edge.Source] || !seen[edge.Target] {
			return coreerr.NewValidationError("pipeline_definition", fmt.Sprintf("edge references unknown step: %s -> %s", edge.Source, edge.Target))
		}
	}
	e.defMu.Lock()
	defer e.defMu.Unlock()
	e.definitions[def.ID] = def
	return nil
}

func (e *Engine) GetDefinition(id string) (*Definition, bool) {
	e.defMu.Lock()
	defer e.defMu.Unlock()
	d, ok := e.definitions[id]
	return d, ok
}

func (e *Engine) ListDefinitions() []*Definition {
	e.defMu.Lock()
	defer e.defMu.Unlock()
	out := make([]*Definition, 0, len(e.definitions))
	for _, d := range e.definitions {
		out = append(out, d)
	}
	return out
}

func (e *Engine) DeleteDefinition(id string) bool {
	e.defMu.Lock()
	defer e.defMu.Unlock()
	if _, ok := e.definitions[id]; !ok {
		return false
	}
	delete(e.definitions, id)
	return true
}

// --- control surface -------------------------------------------------

// StartPipeline initializes a run and launches it concurrently, returning
// its id immediately. Without a definitionID it runs the simple legacy
// scripted sequence kept for backward compatibility (spec §4.9.6).
func (e *Engine) StartPipeline(ctx context.Context, payload map[string]any, definitionID string) (string, error) {
	runID := uuid.NewString()

	var def *Definition
	if definitionID != "" {
		d, ok := e.GetDefinition(definitionID)
		if !ok {
			return "", coreerr.NewNotFoundError("pipeline_def", definitionID)
		}
		def = d
	}

	r := newRun(runID, definitionID, def, payload)
	e.runsMu.Lock()
	e.runs[runID] = r
	e.runsMu.Unlock()
	e.resumeSignals.Store(runID, make(chan struct{}))
	e.publishSnapshot(r)

	if def != nil {
		go e.runComposable(context.WithoutCancel(ctx), r, def)
	} else {
		go e.runLegacy(context.WithoutCancel(ctx), r)
	}
	return runID, nil
}

// ResumePipeline merges patchPayload into the run's payload and releases
// its wait; legal only while the run is PAUSED_FOR_USER.
func (e *Engine) ResumePipeline(runID string, patchPayload map[string]any) error {
	e.runsMu.Lock()
	r, ok := e.runs[runID]
	e.runsMu.Unlock()
	if !ok {
		return coreerr.NewNotFoundError("pipeline_run", runID)
	}

	r.mu.Lock()
	if r.currentState != StatePausedForUser {
		state := r.currentState
		r.mu.Unlock()
		return coreerr.NewValidationError("pipeline_run", fmt.Sprintf("run %s is not paused (currently %s)", runID, state))
	}
	for k, v := range patchPayload {
		r.payload[k] = v
	}
	r.mu.Unlock()

	chAny, ok := e.resumeSignals.Load(runID)
	if !ok {
		return coreerr.NewNotFoundError("pipeline_run_resume_signal", runID)
	}
	ch := chAny.(chan struct{})
	select {
	case <-ch:
		// already closed/consumed — nothing to do
	default:
		close(ch)
	}
	return nil
}

// SetStepModelOverride records a runtime model override consulted by
// LLM_GENERATE on its next execution.
func (e *Engine) SetStepModelOverride(runID, stepID, model string) error {
	e.runsMu.Lock()
	r, ok := e.runs[runID]
	e.runsMu.Unlock()
	if !ok {
		return coreerr.NewNotFoundError("pipeline_run", runID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stepOverrides[stepID] == nil {
		r.stepOverrides[stepID] = make(map[string]string)
	}
	r.stepOverrides[stepID]["model"] = model
	return nil
}

// Stream produces a channel emitting a fresh snapshot whenever state or
// current step changes, terminating after a COMPLETED or FAILED snapshot.
// It polls the atomically-published snapshot rather than the run's mutable
// state directly.
func (e *Engine) Stream(ctx context.Context, runID string) <-chan RunSnapshot {
	out := make(chan RunSnapshot, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		var lastState RunState
		var lastStep string
		first := true

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			snapAny, ok := e.snapshots.Load(runID)
			if !ok {
				return
			}
			snap := snapAny.(*RunSnapshot)

			if first || snap.State != lastState || snap.CurrentStepID != lastStep {
				first = false
				lastState = snap.State
				lastStep = snap.CurrentStepID
				select {
				case out <- *snap:
				case <-ctx.Done():
					return
				}
				if snap.State.Terminal() {
					return
				}
			}
		}
	}()
	return out
}

func (e *Engine) publishSnapshot(r *run) {
	snap := r.snapshot()
	e.snapshots.Store(r.id, &snap)
}

// --- traversal -------------------------------------------------------

func (e *Engine) runComposable(ctx context.Context, r *run, def *Definition) {
	log := logger.GetPipelineLogger()
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.currentState = StateFailed
			r.errMsg = fmt.Sprintf("panic: %v", rec)
			r.mu.Unlock()
			e.publishSnapshot(r)
		}
		e.resumeSignals.Delete(r.id)
		e.finalize(ctx, r)
	}()

	stepMap := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		stepMap[s.ID] = s
	}

	edgeTargets := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		edgeTargets[s.ID] = nil
	}
	for _, edge := range def.Edges {
		edgeTargets[edge.Source] = append(edgeTargets[edge.Source], edge.Target)
	}

	order := topologicalOrder(def)
	defaultNext := make(map[string]string, len(def.Steps))
	for _, s := range order {
		if targets := edgeTargets[s.ID]; len(targets) > 0 {
			defaultNext[s.ID] = targets[0]
		} else {
			defaultNext[s.ID] = ""
		}
	}

	loopCounters := make(map[string]int)

	var currentStepID string
	if len(order) > 0 {
		currentStepID = order[0].ID
	}

	for currentStepID != "" {
		step, ok := stepMap[currentStepID]
		if !ok {
			log.Error().Str("step_id", currentStepID).Msg("step not found in definition")
			break
		}

		r.mu.Lock()
		r.currentStepID = step.ID
		r.currentStepTyp = step.StepType
		r.currentLabel = step.Label
		if agentID, ok := step.Config["agent_id"].(string); ok {
			r.currentAgentID = agentID
		}
		r.mu.Unlock()

		switch categoryOf(step.StepType) {
		case CategoryHuman:
			next, err := e.executeHumanStep(ctx, r, step, stepMap, defaultNext)
			if err != nil {
				e.fail(r, err)
				return
			}
			currentStepID = next

		case CategoryLogic:
			r.mu.Lock()
			r.currentState = StateExecuting
			r.mu.Unlock()
			next, err := e.executeLogicStep(r, step, loopCounters, defaultNext)
			if err != nil {
				e.fail(r, err)
				return
			}
			r.mu.Lock()
			r.stepsCompleted = append(r.stepsCompleted, step.ID)
			r.mu.Unlock()
			e.publishSnapshot(r)
			currentStepID = next

		default:
			r.mu.Lock()
			r.currentState = StateExecuting
			r.mu.Unlock()
			e.publishSnapshot(r)
			if err := e.executeStep(ctx, r, step); err != nil {
				e.fail(r, err)
				return
			}
			r.mu.Lock()
			r.stepsCompleted = append(r.stepsCompleted, step.ID)
			r.mu.Unlock()
			currentStepID = defaultNext[step.ID]
		}
	}

	r.mu.Lock()
	r.currentState = StateCompleted
	r.currentStepID = ""
	r.mu.Unlock()
	e.publishSnapshot(r)
}

func (e *Engine) fail(r *run, err error) {
	r.mu.Lock()
	r.currentState = StateFailed
	r.errMsg = err.Error()
	r.mu.Unlock()
	e.publishSnapshot(r)
	logger.GetPipelineLogger().Error().Str("run_id", r.id).Err(err).Msg("pipeline run failed")
}

// executeHumanStep checks auto-approval, otherwise pauses until resumed,
// then interprets refine/regenerate requests as a loop-back to the nearest
// preceding LLM_GENERATE step (spec §4.9.3).
func (e *Engine) executeHumanStep(ctx context.Context, r *run, step Step, stepMap map[string]Step, defaultNext map[string]string) (string, error) {
	r.mu.Lock()
	confidence, _ := asFloat(r.payload["confidence_score"])
	errs, _ := r.payload["continuity_errors"].([]any)
	autoApprove := step.StepType == StepApproveOutput && confidence > 90 && len(errs) == 0
	r.mu.Unlock()

	if autoApprove {
		r.mu.Lock()
		entry := map[string]any{
			"step_id":           step.ID,
			"step_name":         step.Label,
			"prompt_text":       r.payload["prompt_text"],
			"model":             r.payload["resolved_model"],
			"confidence_score":  confidence,
			"continuity_errors": errs,
			"generated_text":    r.payload["generated_text"],
		}
		list, _ := r.payload["auto_approved_steps"].([]map[string]any)
		r.payload["auto_approved_steps"] = append(list, entry)
		r.stepsCompleted = append(r.stepsCompleted, step.ID)
		r.mu.Unlock()
		e.publishSnapshot(r)
		return defaultNext[step.ID], nil
	}

	r.mu.Lock()
	r.currentState = StatePausedForUser
	r.payload["step_name"] = step.Label
	r.payload["step_type"] = string(step.StepType)
	r.payload["step_config"] = step.Config
	r.mu.Unlock()
	e.publishSnapshot(r)

	chAny, _ := e.resumeSignals.Load(r.id)
	ch, _ := chAny.(chan struct{})
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		e.resumeSignals.Store(r.id, make(chan struct{}))
	}

	r.mu.Lock()
	r.currentState = StateExecuting
	refineText, _ := r.payload["refine_instructions"].(string)
	regenerate, _ := r.payload["regenerate"].(bool)
	if refineText != "" {
		current, _ := r.payload["prompt_text"].(string)
		r.payload["prompt_text"] = fmt.Sprintf("%s\n\n[Refined Instructions: %s]", current, refineText)
		delete(r.payload, "refine_instructions")
	}
	needsLoopBack := refineText != "" || regenerate
	var lastLLMStep string
	if needsLoopBack {
		for i := len(r.stepsCompleted) - 1; i >= 0; i-- {
			if s, ok := stepMap[r.stepsCompleted[i]]; ok && s.StepType == StepLLMGenerate {
				lastLLMStep = s.ID
				break
			}
		}
	}
	r.mu.Unlock()

	if needsLoopBack && lastLLMStep != "" {
		return lastLLMStep, nil
	}

	r.mu.Lock()
	r.stepsCompleted = append(r.stepsCompleted, step.ID)
	r.mu.Unlock()
	e.publishSnapshot(r)
	return defaultNext[step.ID], nil
}

func (e *Engine) executeLogicStep(r *run, step Step, loopCounters map[string]int, defaultNext map[string]string) (string, error) {
	switch step.StepType {
	case StepIfElse:
		return e.handleIfElse(r, step, defaultNext)
	case StepLoop:
		return e.handleLoop(r, step, loopCounters, defaultNext)
	case StepMergeOutputs:
		return e.handleMergeOutputs(r, step, defaultNext)
	default:
		return defaultNext[step.ID], nil
	}
}

func (e *Engine) handleIfElse(r *run, step Step, defaultNext map[string]string) (string, error) {
	condition, _ := step.Config["condition"].(string)
	trueTarget, _ := step.Config["true_target"].(string)
	falseTarget, _ := step.Config["false_target"].(string)

	r.mu.Lock()
	result, err := evaluateCondition(condition, r.payload)
	if err != nil {
		result = false
	}
	logicMeta, _ := r.payload["_logic"].(map[string]any)
	if logicMeta == nil {
		logicMeta = map[string]any{}
	}
	logicMeta[step.ID] = map[string]any{"condition": condition, "result": result}
	r.payload["_logic"] = logicMeta
	r.mu.Unlock()

	if result {
		if trueTarget != "" {
			return trueTarget, nil
		}
		return defaultNext[step.ID], nil
	}
	if falseTarget != "" {
		return falseTarget, nil
	}
	return defaultNext[step.ID], nil
}

func (e *Engine) handleLoop(r *run, step Step, loopCounters map[string]int, defaultNext map[string]string) (string, error) {
	condition, _ := step.Config["condition"].(string)
	loopBackTo, _ := step.Config["loop_back_to"].(string)
	maxIterations := 10
	if v, ok := asFloat(step.Config["max_iterations"]); ok {
		maxIterations = int(v)
	}

	loopCounters[step.ID]++
	iteration := loopCounters[step.ID]

	r.mu.Lock()
	exitMet, err := evaluateCondition(condition, r.payload)
	if err != nil {
		exitMet = true // bail out defensively on a bad expression
	}
	logicMeta, _ := r.payload["_logic"].(map[string]any)
	if logicMeta == nil {
		logicMeta = map[string]any{}
	}
	logicMeta[step.ID] = map[string]any{
		"condition":      condition,
		"exit_met":       exitMet,
		"iteration":      iteration,
		"max_iterations": maxIterations,
	}
	r.payload["_logic"] = logicMeta
	r.mu.Unlock()

	if exitMet || iteration >= maxIterations {
		return defaultNext[step.ID], nil
	}
	if loopBackTo != "" {
		return loopBackTo, nil
	}
	return defaultNext[step.ID], nil
}

func (e *Engine) handleMergeOutputs(r *run, step Step, defaultNext map[string]string) (string, error) {
	sourceKeysRaw, _ := step.Config["source_keys"].([]any)
	strategy, _ := step.Config["merge_strategy"].(string)

	merged := map[string]any{}
	r.mu.Lock()
	for _, keyAny := range sourceKeysRaw {
		key, ok := keyAny.(string)
		if !ok {
			continue
		}
		value := r.payload[key]
		if m, ok := value.(map[string]any); ok {
			if strategy == "deep" {
				merged = deepMerge(merged, m)
			} else {
				for k, v := range m {
					merged[k] = v
				}
			}
		} else if value != nil {
			merged[key] = value
		}
	}
	r.payload["merged"] = merged
	r.mu.Unlock()

	return defaultNext[step.ID], nil
}

func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if bm, ok := result[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				result[k] = deepMerge(bm, om)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// executeStep applies runtime model overrides then dispatches to the
// registered handler for step.StepType.
func (e *Engine) executeStep(ctx context.Context, r *run, step Step) error {
	r.mu.Lock()
	if override, ok := r.stepOverrides[step.ID]; ok {
		if model, ok := override["model"]; ok {
			if step.Config == nil {
				step.Config = map[string]any{}
			}
			step.Config["target_model"] = model
		}
	}
	r.mu.Unlock()

	handler, ok := e.handlers[step.StepType]
	if !ok {
		logger.GetPipelineLogger().Warn().Str("step_type", string(step.StepType)).Msg("no handler registered, skipping")
		return nil
	}
	return handler(ctx, e, r, step)
}

func (e *Engine) finalize(ctx context.Context, r *run) {
	snap := r.snapshot()
	if snap.State.Terminal() && e.Persist != nil {
		if err := e.Persist(ctx, snap); err != nil {
			logger.GetPipelineLogger().Warn().Err(err).Str("run_id", r.id).Msg("failed to persist completed run")
		}
	}
}

// runLegacy reproduces the hardcoded four-phase pipeline kept for clients
// that start a run without a definition id.
func (e *Engine) runLegacy(ctx context.Context, r *run) {
	defer func() {
		e.resumeSignals.Delete(r.id)
		e.finalize(ctx, r)
	}()

	r.mu.Lock()
	r.currentLabel = "Gathering Context"
	r.currentAgentID = "pipeline_director"
	r.mu.Unlock()
	e.publishSnapshot(r)

	r.mu.Lock()
	r.currentState = StatePromptAssembly
	r.currentLabel = "Assembling Prompt"
	r.payload["prompt_text"] = fmt.Sprintf(
		"[Assembled prompt for pipeline run %s]\n\nYou are a creative writing assistant.\n\n"+
			"## Gathered Context\n- Context has been compiled.\n\n## Instructions\nReview and edit this prompt before AI execution begins.", r.id)
	r.payload["step_name"] = "Prompt Assembly"
	r.mu.Unlock()
	e.publishSnapshot(r)

	r.mu.Lock()
	r.currentState = StatePausedForUser
	r.mu.Unlock()
	e.publishSnapshot(r)

	chAny, _ := e.resumeSignals.Load(r.id)
	if ch, ok := chAny.(chan struct{}); ok {
		select {
		case <-ch:
		case <-ctx.Done():
			e.fail(r, ctx.Err())
			return
		}
	}

	r.mu.Lock()
	r.currentState = StateExecuting
	r.currentLabel = "Executing AI"
	r.mu.Unlock()
	e.publishSnapshot(r)

	r.mu.Lock()
	r.currentState = StateCompleted
	r.mu.Unlock()
	e.publishSnapshot(r)
}

// topologicalOrder computes a Kahn's-algorithm ordering of def.Steps; nodes
// left over because of a cycle (loop-back edges are legal per spec §3.3)
// are appended in declaration order so a deterministic start step is always
// available.
func topologicalOrder(def *Definition) []Step {
	indegree := make(map[string]int, len(def.Steps))
	for _, s := range def.Steps {
		indegree[s.ID] = 0
	}
	for _, e := range def.Edges {
		if _, ok := indegree[e.Target]; ok {
			indegree[e.Target]++
		}
	}

	stepMap := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		stepMap[s.ID] = s
	}

	adjacency := make(map[string][]string, len(def.Steps))
	for _, e := range def.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	var queue []string
	for _, s := range def.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := make(map[string]bool, len(def.Steps))
	var order []Step
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, stepMap[id])
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) < len(def.Steps) {
		for _, s := range def.Steps {
			if !visited[s.ID] {
				order = append(order, s)
				visited[s.ID] = true
			}
		}
	}
	return order
}
