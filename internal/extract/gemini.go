package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/taskline/taskline/internal/config"
	"github.com/taskline/taskline/internal/database"
)

const extractionSystemInstruction = `You analyze a single chat message from a group conversation and decide whether it contains an actionable task.

Classify the intent as one of: task_creation, task_completion, task_assignment, status_inquiry, unknown.
Set success=false only when the message cannot be meaningfully classified at all.
Set confidence between 0 and 1.
Put a concise normalized restatement of the actionable content into parsed_content.
When the message creates, completes, or assigns a task, fill the task object: a short imperative title, the assignee name if one is stated (empty otherwise), and due_at as an RFC 3339 timestamp if a deadline is stated (empty otherwise). Omit the task object for status_inquiry and unknown.`

var outcomeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"success":        {Type: genai.TypeBoolean, Description: "Whether the message could be classified."},
		"intent":         {Type: genai.TypeString, Enum: []string{IntentTaskCreation, IntentTaskCompletion, IntentTaskAssignment, IntentStatusInquiry, IntentUnknown}},
		"confidence":     {Type: genai.TypeNumber, Description: "Classification confidence in [0,1]."},
		"parsed_content": {Type: genai.TypeString, Description: "Normalized restatement of the actionable content. Empty if none."},
		"task": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"title":    {Type: genai.TypeString, Description: "Short imperative task title."},
				"assignee": {Type: genai.TypeString, Description: "Assignee name. Empty if unstated."},
				"due_at":   {Type: genai.TypeString, Description: "RFC 3339 deadline. Empty if unstated."},
			},
			Required: []string{"title"},
		},
	},
	Required: []string{"success", "intent", "confidence", "parsed_content"},
}

type geminiExtractor struct {
	genaiClient   *genai.Client
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
	timeout       time.Duration
}

// NewGeminiExtractor creates the Gemini-backed Extractor.
func NewGeminiExtractor(ctx context.Context, cfg config.ExtractConfig, log *slog.Logger) (Extractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temperature := cfg.Temperature
	contentConfig := &genai.GenerateContentConfig{
		Temperature:       &temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: extractionSystemInstruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    outcomeSchema,
	}

	logger := log.With("component", "gemini_extractor")
	logger.Info("Gemini extractor initialized", "model", cfg.Model)
	return &geminiExtractor{
		genaiClient:   gi,
		log:           logger,
		contentConfig: contentConfig,
		modelName:     cfg.Model,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
		timeout:       cfg.Timeout,
	}, nil
}

func (e *geminiExtractor) Extract(ctx context.Context, msg *database.Message, group *database.Group) (*Outcome, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Group: %s\n", group.Name))
	if msg.UserID.Valid {
		sb.WriteString(fmt.Sprintf("Sender: %s\n", msg.UserID.String))
	}
	sb.WriteString(fmt.Sprintf("Sent at: %s\n", msg.Timestamp.Format(time.RFC3339)))
	sb.WriteString("Message:\n")
	sb.WriteString(msg.Content)

	contents := []*genai.Content{genai.NewContentFromText(sb.String(), genai.RoleUser)}

	resp, err := e.generateContentWithRetries(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("extraction call failed for message %d: %w", msg.ID, err)
	}

	jsonText, err := e.extractTextFromResponse(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("failed to extract outcome for message %d: %w", msg.ID, err)
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(jsonText), &outcome); err != nil {
		e.log.ErrorContext(ctx, "Failed to parse outcome JSON", "message_id", msg.ID, "error", err, "response_text", jsonText)
		return nil, fmt.Errorf("invalid outcome JSON for message %d: %w", msg.ID, err)
	}

	normalizeOutcome(&outcome)
	return &outcome, nil
}

// normalizeOutcome defends against model drift: unexpected intents collapse
// to unknown, confidence is clamped into [0,1], and a task without a title
// is dropped.
func normalizeOutcome(o *Outcome) {
	switch o.Intent {
	case IntentTaskCreation, IntentTaskCompletion, IntentTaskAssignment, IntentStatusInquiry, IntentUnknown:
	default:
		o.Intent = IntentUnknown
	}
	if o.Confidence < 0 {
		o.Confidence = 0
	}
	if o.Confidence > 1 {
		o.Confidence = 1
	}
	if o.Task != nil && strings.TrimSpace(o.Task.Title) == "" {
		o.Task = nil
	}
}

func (e *geminiExtractor) generateContentWithRetries(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= e.maxRetries; i++ {
		resp, err = e.genaiClient.Models.GenerateContent(ctx, e.modelName, contents, e.contentConfig)
		if err == nil {
			return resp, nil
		}

		e.log.WarnContext(ctx, "Gemini API call failed, checking for retry", "attempt", i+1, "max_retries", e.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < e.maxRetries {
				e.log.InfoContext(ctx, "Retrying Gemini API call", "delay", e.retryDelay, "code", apiErr.Code)
				time.Sleep(e.retryDelay)
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", e.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

func (e *geminiExtractor) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		e.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("extraction blocked by safety filter: %s", reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		return "", fmt.Errorf("extraction returned no content, finish reason: %s", finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("extraction returned empty text")
	}
	return text, nil
}
