// Package classifier is the Classifier (C5): maps an Item to one of its
// owner's active Projects, or marks it Unclassified. It decides project
// membership only — it never embeds or searches.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"aisync/internal/config"
	"aisync/internal/domain"
	"aisync/internal/logging"
)

// confidenceThreshold is the cutoff below which a Result is Unclassified,
// per §4.5.
const confidenceThreshold = 0.5

const defaultModel = "claude-3-5-sonnet-latest"

// Result is the Classifier's decision for one Item.
type Result struct {
	ProjectID    string
	Confidence   float64
	MatchedTags  []string
	InferredTags []string
	Rationale    string
	Unclassified bool

	// Transient is set when Unclassified is the product of a ModelError
	// rather than a genuine low-confidence decision. The Pipeline stores
	// such an item as unclassified like any other and schedules no retry of
	// the classification.
	Transient bool
}

// chatClient is the narrow chat-completion surface the Classifier needs.
// The production implementation wraps the Anthropic SDK; tests supply a
// fake, mirroring the providers package's RemoteMailClient pattern.
type chatClient interface {
	CreateMessage(ctx context.Context, prompt string) (string, error)
}

// Classifier formulates a single chat-completion call per Item, per §4.5.
type Classifier struct {
	chat chatClient
}

// New builds a Classifier backed by the Anthropic SDK.
func New(cfg config.AnthropicConfig) *Classifier {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	return &Classifier{chat: &anthropicChat{sdk: anthropic.NewClient(opts...), model: model}}
}

// newWithChat is used by this package's tests to inject a fake chatClient.
func newWithChat(chat chatClient) *Classifier { return &Classifier{chat: chat} }

// NewForTest builds a Classifier around a caller-supplied chat-completion
// implementation, for other packages' tests (e.g. the Pipeline's).
func NewForTest(chat interface {
	CreateMessage(ctx context.Context, prompt string) (string, error)
}) *Classifier {
	return &Classifier{chat: chat}
}

type anthropicChat struct {
	sdk   anthropic.Client
	model string
}

func (a *anthropicChat) CreateMessage(ctx context.Context, prompt string) (string, error) {
	resp, err := a.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 512,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}

// modelResponse is the JSON shape the classification prompt demands.
type modelResponse struct {
	ProjectID    string   `json:"project_id"`
	Confidence   float64  `json:"confidence"`
	MatchedTags  []string `json:"matched_tags"`
	InferredTags []string `json:"inferred_tags"`
	Rationale    string   `json:"rationale"`
}

// Classify decides which of projects (if any) item belongs to. On model
// error the result is Unclassified with Transient=true, returned alongside
// the error. The Pipeline then stores the item as unclassified and returns
// no error; nothing re-runs the classification at a later poll.
func (c *Classifier) Classify(ctx context.Context, item domain.Item, projects []domain.Project) (Result, error) {
	log := logging.ForComponent(ctx, "classifier")
	if len(projects) == 0 {
		return Result{Unclassified: true, Rationale: "no active projects"}, nil
	}

	raw, err := c.chat.CreateMessage(ctx, buildPrompt(item, projects))
	if err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("classify_model_error")
		return Result{Unclassified: true, Transient: true}, fmt.Errorf("%w: classify item %s: %w", domain.ErrModel, item.ID, err)
	}

	parsed, err := parseModelResponse(raw)
	if err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("classify_parse_error")
		return Result{Unclassified: true, Transient: true}, fmt.Errorf("%w: parse classifier response for item %s: %w", domain.ErrModel, item.ID, err)
	}

	if !projectExists(projects, parsed.ProjectID) || parsed.Confidence < confidenceThreshold {
		return Result{
			Unclassified: true,
			Confidence:   parsed.Confidence,
			Rationale:    parsed.Rationale,
		}, nil
	}

	return Result{
		ProjectID:    parsed.ProjectID,
		Confidence:   parsed.Confidence,
		MatchedTags:  parsed.MatchedTags,
		InferredTags: parsed.InferredTags,
		Rationale:    parsed.Rationale,
	}, nil
}

// buildPrompt enumerates every project's classification profile verbatim,
// per §4.5's requirement that the prompt list tags/keywords/entity
// patterns/notes exactly as stored.
func buildPrompt(item domain.Item, projects []domain.Project) string {
	var sb strings.Builder
	sb.WriteString("You are assigning an ingested item to exactly one project, or rejecting all of them.\n\n")
	sb.WriteString("Item:\n")
	sb.WriteString("  source: " + string(item.Source) + "\n")
	sb.WriteString("  title: " + item.Title + "\n")
	sb.WriteString("  author: " + item.Author + "\n")
	if hint, ok := item.Metadata["project_hint"]; ok && hint != "" {
		sb.WriteString("  hint: this item may relate to project " + hint + "; decide independently\n")
	}
	sb.WriteString("  body:\n" + truncate(item.Body, 4000) + "\n\n")

	sb.WriteString("Candidate projects:\n")
	for _, p := range projects {
		sb.WriteString("- id: " + p.ID + "\n")
		sb.WriteString("  tags: " + strings.Join(p.Profile.Tags, ", ") + "\n")
		sb.WriteString("  keywords: " + strings.Join(p.Profile.Keywords, ", ") + "\n")
		sb.WriteString("  entity_patterns: " + strings.Join(p.Profile.EntityPatterns, ", ") + "\n")
		sb.WriteString("  notes: " + p.Profile.Notes + "\n")
	}

	sb.WriteString("\nRespond with a single JSON object and nothing else, of the form:\n")
	sb.WriteString(`{"project_id": "<id or empty string>", "confidence": <0..1>, "matched_tags": [...], "inferred_tags": [...], "rationale": "<one sentence>"}`)
	sb.WriteString("\nIf no project fits, set project_id to the empty string and confidence to 0.\n")
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func projectExists(projects []domain.Project, id string) bool {
	if id == "" {
		return false
	}
	for _, p := range projects {
		if p.ID == id {
			return true
		}
	}
	return false
}

// parseModelResponse extracts the JSON object from raw, tolerating a
// ```json fenced code block around it (a common model habit this prompt
// doesn't prohibit explicitly).
func parseModelResponse(raw string) (modelResponse, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return modelResponse{}, fmt.Errorf("no JSON object found in classifier response")
	}
	var out modelResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return modelResponse{}, err
	}
	return out, nil
}
