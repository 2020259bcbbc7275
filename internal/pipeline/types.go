// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline implements the Pipeline Engine (C9): a DAG-shaped
// step sequencer executed as a state machine over a mutable payload,
// with human-in-the-loop checkpoints and branching/looping logic nodes.
package pipeline

import (
	"sync"
	"time"
)

// StepType enumerates every step kind the engine knows how to traverse or
// dispatch.
type StepType string

const (
	StepGatherBuckets        StepType = "GATHER_BUCKETS"
	StepSemanticSearch       StepType = "SEMANTIC_SEARCH"
	StepPromptTemplate       StepType = "PROMPT_TEMPLATE"
	StepMultiVariant         StepType = "MULTI_VARIANT"
	StepReviewPrompt         StepType = "REVIEW_PROMPT"
	StepApproveOutput        StepType = "APPROVE_OUTPUT"
	StepApproveImage         StepType = "APPROVE_IMAGE"
	StepLLMGenerate          StepType = "LLM_GENERATE"
	StepImageGenerate        StepType = "IMAGE_GENERATE"
	StepSaveToBucket         StepType = "SAVE_TO_BUCKET"
	StepHTTPRequest          StepType = "HTTP_REQUEST"
	StepResearchDeepDive     StepType = "RESEARCH_DEEP_DIVE"
	StepStyleEnforceDialogue StepType = "STYLE_ENFORCE_DIALOGUE"
	StepIfElse               StepType = "IF_ELSE"
	StepLoop                 StepType = "LOOP"
	StepMergeOutputs         StepType = "MERGE_OUTPUTS"
)

// StepCategory groups step types for traversal purposes.
type StepCategory string

const (
	CategoryContext   StepCategory = "CONTEXT"
	CategoryTransform StepCategory = "TRANSFORM"
	CategoryHuman     StepCategory = "HUMAN"
	CategoryExecute   StepCategory = "EXECUTE"
	CategoryLogic     StepCategory = "LOGIC"
)

var stepCategories = map[StepType]StepCategory{
	StepGatherBuckets:        CategoryContext,
	StepSemanticSearch:       CategoryContext,
	StepPromptTemplate:       CategoryTransform,
	StepMultiVariant:         CategoryTransform,
	StepReviewPrompt:         CategoryHuman,
	StepApproveOutput:        CategoryHuman,
	StepApproveImage:         CategoryHuman,
	StepLLMGenerate:          CategoryExecute,
	StepImageGenerate:        CategoryExecute,
	StepSaveToBucket:         CategoryExecute,
	StepHTTPRequest:          CategoryExecute,
	StepResearchDeepDive:     CategoryExecute,
	StepStyleEnforceDialogue: CategoryExecute,
	StepIfElse:               CategoryLogic,
	StepLoop:                 CategoryLogic,
	StepMergeOutputs:         CategoryLogic,
}

func categoryOf(t StepType) StepCategory {
	if c, ok := stepCategories[t]; ok {
		return c
	}
	return CategoryExecute
}

// validStepType reports whether t is one of the enumerated step types
// (the NL-to-DAG generator replaces any other step kind with LLM_GENERATE).
func validStepType(t string) bool {
	_, ok := stepCategories[StepType(t)]
	return ok
}

// Step is one node of a PipelineDefinition.
type Step struct {
	ID       string         `json:"id"`
	StepType StepType       `json:"step_type"`
	Label    string         `json:"label"`
	Config   map[string]any `json:"config"`
	Position map[string]any `json:"position,omitempty"`
}

// Edge is a directed connection between two step ids.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Definition is a reusable, named DAG of steps. Engine keeps saved
// definitions in an in-process map only; they are not written to the
// entity store and do not survive a restart.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
	Edges       []Edge `json:"edges"`
}

// RunState is the pipeline run state machine per spec §4.9.2:
// CONTEXT_GATHERING → PROMPT_ASSEMBLY → EXECUTING ⇄ PAUSED_FOR_USER →
// COMPLETED | FAILED.
type RunState string

const (
	StateContextGathering RunState = "CONTEXT_GATHERING"
	StatePromptAssembly   RunState = "PROMPT_ASSEMBLY"
	StateExecuting        RunState = "EXECUTING"
	StatePausedForUser    RunState = "PAUSED_FOR_USER"
	StateCompleted        RunState = "COMPLETED"
	StateFailed           RunState = "FAILED"
)

func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RunSnapshot is the read-only, atomically-published view of a run's
// progress consumed by Stream; it never aliases run-owned mutable state.
type RunSnapshot struct {
	RunID            string                       `json:"run_id"`
	DefinitionID     string                       `json:"definition_id,omitempty"`
	State            RunState                     `json:"current_state"`
	CurrentStepID    string                       `json:"current_step_id"`
	CurrentStepType  string                       `json:"current_step_type"`
	CurrentStepLabel string                       `json:"current_step_label"`
	CurrentAgentID   string                       `json:"current_agent_id,omitempty"`
	StepsCompleted   []string                     `json:"steps_completed"`
	StepOverrides    map[string]map[string]string `json:"step_overrides,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	Error            string                       `json:"error,omitempty"`
	Payload          map[string]any               `json:"payload,omitempty"`
}

// run is the mutable, in-process state of one pipeline execution. Only the
// run's own goroutine and ResumePipeline (while paused) touch payload, and
// both do so under mu.
type run struct {
	id           string
	definitionID string
	definition   *Definition
	createdAt    time.Time

	mu             sync.Mutex
	payload        map[string]any
	currentState   RunState
	currentStepID  string
	currentStepTyp StepType
	currentLabel   string
	currentAgentID string
	stepsCompleted []string
	stepOverrides  map[string]map[string]string
	errMsg         string
}

func newRun(id, definitionID string, def *Definition, initialPayload map[string]any) *run {
	payload := make(map[string]any, len(initialPayload))
	for k, v := range initialPayload {
		payload[k] = v
	}
	return &run{
		id:            id,
		definitionID:  definitionID,
		definition:    def,
		createdAt:     timeNow(),
		payload:       payload,
		currentState:  StateContextGathering,
		stepOverrides: make(map[string]map[string]string),
	}
}

func timeNow() time.Time { return time.Now() }

func (r *run) snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	payloadCopy := make(map[string]any, len(r.payload))
	for k, v := range r.payload {
		payloadCopy[k] = v
	}
	completed := make([]string, len(r.stepsCompleted))
	copy(completed, r.stepsCompleted)
	overridesCopy := make(map[string]map[string]string, len(r.stepOverrides))
	for stepID, kv := range r.stepOverrides {
		inner := make(map[string]string, len(kv))
		for k, v := range kv {
			inner[k] = v
		}
		overridesCopy[stepID] = inner
	}
	return RunSnapshot{
		RunID:            r.id,
		DefinitionID:     r.definitionID,
		State:            r.currentState,
		CurrentStepID:    r.currentStepID,
		CurrentStepType:  string(r.currentStepTyp),
		CurrentStepLabel: r.currentLabel,
		CurrentAgentID:   r.currentAgentID,
		StepsCompleted:   completed,
		StepOverrides:    overridesCopy,
		CreatedAt:        r.createdAt,
		Error:            r.errMsg,
		Payload:          payloadCopy,
	}
}
