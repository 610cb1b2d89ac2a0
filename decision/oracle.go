package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"pilot/market"
)

// Oracle wraps the structured-output decision model. It is
// non-deterministic and never assumed idempotent: two calls with the
// same snapshot may disagree.
type Oracle struct {
	model        string
	temperature  float64
	systemPrompt string
	log          *logrus.Entry

	// chat is swappable for tests
	chat func(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// OracleOptions configures the decision model endpoint.
type OracleOptions struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
}

// NewOracle creates an oracle against any OpenAI-compatible endpoint.
func NewOracle(opts OracleOptions, instruments []market.Instrument, policy PromptPolicy, log *logrus.Logger) *Oracle {
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.Timeout))
	}
	client := openai.NewClient(clientOpts...)

	o := &Oracle{
		model:        opts.Model,
		temperature:  opts.Temperature,
		systemPrompt: buildSystemPrompt(instruments, policy),
		log:          log.WithField("component", "oracle"),
	}
	o.chat = func(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
		completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:       o.model,
			Messages:    messages,
			Temperature: openai.Float(o.temperature),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: lo.ToPtr(shared.NewResponseFormatJSONObjectParam()),
			},
		})
		if err != nil {
			return "", err
		}
		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("completion returned no choices")
		}
		return completion.Choices[0].Message.Content, nil
	}
	return o
}

type oracleResponse struct {
	Decisions []TradingDecision `json:"decisions"`
}

// Decide asks the model for one decision per instrument in the
// snapshot batch. Malformed output gets exactly one structured
// re-prompt carrying the parse error; a second failure fails the
// batch with a DecisionError.
func (o *Oracle) Decide(ctx context.Context, snapshots map[market.Instrument]market.Snapshot, account AccountContext) ([]TradingDecision, error) {
	if len(snapshots) == 0 {
		return nil, nil
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(o.systemPrompt),
		openai.UserMessage(buildUserPrompt(snapshots, account)),
	}

	raw, err := o.chat(ctx, messages)
	if err != nil {
		return nil, &DecisionError{Reason: "oracle call failed", Err: err}
	}

	decisions, parseErr := parseDecisions(raw, snapshots)
	if parseErr == nil {
		return decisions, nil
	}

	o.log.WithError(parseErr).Warn("oracle output rejected, re-prompting once")
	messages = append(messages,
		openai.AssistantMessage(raw),
		openai.UserMessage(fmt.Sprintf(
			"Your previous response was rejected: %v. Respond again with only the JSON object, exactly matching the required schema.", parseErr)),
	)

	raw, err = o.chat(ctx, messages)
	if err != nil {
		return nil, &DecisionError{Reason: "oracle re-prompt failed", Err: err}
	}
	decisions, parseErr = parseDecisions(raw, snapshots)
	if parseErr != nil {
		return nil, &DecisionError{Reason: "oracle output failed schema validation twice", Err: parseErr}
	}
	return decisions, nil
}

// parseDecisions repairs near-JSON output, unmarshals it, and applies
// schema validation. A violating batch is rejected whole, never
// partially accepted.
func parseDecisions(raw string, snapshots map[market.Instrument]market.Snapshot) ([]TradingDecision, error) {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to repair JSON: %w", err)
	}

	var resp oracleResponse
	if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Decisions) == 0 {
		return nil, fmt.Errorf("response carries no decisions")
	}

	seen := make(map[market.Instrument]bool, len(resp.Decisions))
	out := make([]TradingDecision, 0, len(resp.Decisions))
	for i, d := range resp.Decisions {
		if _, known := snapshots[d.Instrument]; !known {
			return nil, fmt.Errorf("decision[%d]: unknown instrument '%s'", i, d.Instrument)
		}
		if seen[d.Instrument] {
			return nil, fmt.Errorf("decision[%d]: duplicate decision for %s", i, d.Instrument)
		}
		seen[d.Instrument] = true

		if !d.Signal.valid() {
			return nil, fmt.Errorf("decision[%d]: invalid signal '%s'", i, d.Signal)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return nil, fmt.Errorf("decision[%d]: confidence %.3f outside [0,1]", i, d.Confidence)
		}
		if d.Signal.IsEntering() && d.Quantity <= 0 {
			return nil, fmt.Errorf("decision[%d]: entering signal with non-positive quantity", i)
		}

		// hold/close carry no order parameters
		if !d.Signal.IsEntering() {
			d.Quantity = 0
			d.Leverage = 1
			d.ProfitTarget = 0
			d.StopLoss = 0
		}
		out = append(out, d)
	}
	return out, nil
}
