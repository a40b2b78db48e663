package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nightjarhq/murmur/pkg/models"
)

// Stage IDs and output keys.
const (
	StageCommunicationPatterns = "communication_patterns"
	StageDevelopmentInsights   = "development_insights"
	StageCorrelation           = "correlation"
	StageWhisperGeneration     = "whisper_generation"

	OutputCommunicationPatterns = "communicationPatterns"
	OutputDevelopmentInsights   = "developmentInsights"
	OutputCorrelation           = "correlationAnomalies"
	OutputWhispers              = "whispers"
)

// PatternsResult is the communication stage's output schema.
type PatternsResult struct {
	Patterns []Pattern `json:"patterns"`
}

type Pattern struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// InsightsResult is the development stage's output schema.
type InsightsResult struct {
	Insights []Insight `json:"insights"`
}

type Insight struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// AnomaliesResult is the correlation stage's output schema.
type AnomaliesResult struct {
	Anomalies []Anomaly `json:"anomalies"`
}

type Anomaly struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// WhispersResult is the terminal stage's output schema.
type WhispersResult struct {
	Whispers []WhisperCandidate `json:"whispers"`
}

// WhisperCandidate is one insight proposed by the terminal stage, before it
// is persisted as a models.Whisper.
type WhisperCandidate struct {
	Title            string   `json:"title"`
	Category         string   `json:"category"`
	Priority         int      `json:"priority"`
	Message          string   `json:"message"`
	SuggestedActions []string `json:"suggested_actions"`
	Rationale        string   `json:"rationale"`
	ScopeInfo        string   `json:"scope_info,omitempty"`
}

const systemPrompt = `You analyze privacy-scrubbed activity metadata for a team.
You never see message or code content, only structural signals: timing, counts,
event types. Respond with JSON only, matching the requested schema exactly.
Do not invent data that the metadata cannot support.`

// Default returns the production stage registry. Declaration order is
// execution order for non-terminal stages.
func Default() *Registry {
	r, err := NewRegistry(
		Descriptor{
			ID:           StageCommunicationPatterns,
			Requires:     []string{models.MetadataTypeCommunication},
			OutputKey:    OutputCommunicationPatterns,
			SystemPrompt: systemPrompt,
			TaskPrompt: `Identify recurring communication patterns: response latency trends,
after-hours activity, meeting load, thread depth. Schema: {"patterns": [{"name", "description", "confidence"}]}.`,
			Fallback: func() any { return PatternsResult{Patterns: []Pattern{}} },
			Parse:    parseInto[PatternsResult],
		},
		Descriptor{
			ID:           StageDevelopmentInsights,
			Requires:     []string{models.MetadataTypeDevelopment},
			OutputKey:    OutputDevelopmentInsights,
			SystemPrompt: systemPrompt,
			TaskPrompt: `Identify development workflow signals: review turnaround, commit cadence,
branch churn, deployment rhythm. Schema: {"insights": [{"name", "description", "confidence"}]}.`,
			Fallback: func() any { return InsightsResult{Insights: []Insight{}} },
			Parse:    parseInto[InsightsResult],
		},
		Descriptor{
			ID: StageCorrelation,
			Optional: []string{
				models.MetadataTypeCommunication,
				models.MetadataTypeDevelopment,
			},
			DependsOn:    []string{StageCommunicationPatterns, StageDevelopmentInsights},
			OutputKey:    OutputCorrelation,
			SystemPrompt: systemPrompt,
			TaskPrompt: `Cross-reference the earlier findings and flag anomalies where communication
and development signals diverge. Schema: {"anomalies": [{"description", "severity"}]}.`,
			Fallback: func() any { return AnomaliesResult{Anomalies: []Anomaly{}} },
			Parse:    parseInto[AnomaliesResult],
		},
		Descriptor{
			ID: StageWhisperGeneration,
			DependsOn: []string{
				StageCommunicationPatterns,
				StageDevelopmentInsights,
				StageCorrelation,
			},
			OutputKey:    OutputWhispers,
			Terminal:     true,
			SystemPrompt: systemPrompt,
			TaskPrompt: `Turn the accumulated findings into at most three short, actionable insights
for a team lead. Priority runs 1 (urgent) to 5 (informational). Schema:
{"whispers": [{"title", "category", "priority", "message", "suggested_actions", "rationale"}]}.`,
			Fallback: func() any { return WhispersResult{Whispers: []WhisperCandidate{}} },
			Parse:    parseWhispers,
		},
	)
	if err != nil {
		// The default registry is static configuration; failing to build it
		// is a programming error.
		panic(fmt.Sprintf("agents: invalid default registry: %v", err))
	}
	return r
}

// parseInto decodes raw model output into T after stripping code fences.
func parseInto[T any](raw string) (any, error) {
	var out T
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return nil, fmt.Errorf("parse stage response: %w", err)
	}
	return out, nil
}

func parseWhispers(raw string) (any, error) {
	var out WhispersResult
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return nil, fmt.Errorf("parse whisper response: %w", err)
	}
	for i := range out.Whispers {
		w := &out.Whispers[i]
		if w.Title == "" {
			return nil, fmt.Errorf("whisper %d has no title", i)
		}
		if w.Priority < 1 {
			w.Priority = 1
		}
		if w.Priority > 5 {
			w.Priority = 5
		}
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence, which some models
// insist on despite instructions.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
