package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type PricingMode string

const (
	PerRequest PricingMode = "per_request"
	PerToken   PricingMode = "per_token"
)

// PricingRule prices one model. Model is an exact name or "*". Amounts
// are in units (1 USD = 100 000 units).
type PricingRule struct {
	Model string      `json:"model"`
	Mode  PricingMode `json:"mode"`

	// per_request
	PerRequest uint64 `json:"per_request,omitempty"`

	// per_token, units per million tokens
	InputPerMillion  uint64 `json:"input_per_million,omitempty"`
	OutputPerMillion uint64 `json:"output_per_million,omitempty"`
}

// Usage is the token accounting an upstream reports for one completion.
type Usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
}

const (
	defaultMaxOutputTokens = 4096
	minEstimatedTokens     = 10
	imagePartTokens        = 800
	messageTokenOverhead   = 4
)

// ResolveRule finds the rule for a model: exact match first, then the
// wildcard with its Model field set to the requested name so error
// responses echo what the caller asked for. Nil when neither exists.
func ResolveRule(model string, rules []PricingRule) *PricingRule {
	for _, rule := range rules {
		if rule.Model == model {
			r := rule
			return &r
		}
	}
	for _, rule := range rules {
		if rule.Model == "*" {
			r := rule
			r.Model = model
			return &r
		}
	}
	return nil
}

// PriceHeader renders a rule as the JSON value of the X-Cashu-Price
// header: mode, the requested model, the accounting unit, and the
// mode-specific price fields.
func PriceHeader(rule *PricingRule) string {
	entry := map[string]any{
		"mode":  string(rule.Mode),
		"model": rule.Model,
		"unit":  "usd",
	}
	switch rule.Mode {
	case PerRequest:
		entry["per_request"] = rule.PerRequest
	case PerToken:
		entry["input_per_million"] = rule.InputPerMillion
		entry["output_per_million"] = rule.OutputPerMillion
	}
	value, _ := json.Marshal(entry)
	return string(value)
}

// EstimateMaxCost returns the worst-case charge for a per_token rule:
// the input estimate plus a full maxOut completion, rounded up.
func EstimateMaxCost(rule *PricingRule, inputTokens uint64, maxOut uint64) (uint64, error) {
	if rule.Mode != PerToken {
		return 0, fmt.Errorf("estimate is only defined for per_token rules, got %q", rule.Mode)
	}
	if maxOut == 0 {
		maxOut = defaultMaxOutputTokens
	}
	cost := float64(inputTokens)/1e6*float64(rule.InputPerMillion) +
		float64(maxOut)/1e6*float64(rule.OutputPerMillion)
	return uint64(math.Ceil(cost)), nil
}

// ActualCost prices the usage an upstream reported, rounded up.
func ActualCost(rule *PricingRule, usage Usage) (uint64, error) {
	if rule.Mode != PerToken {
		return 0, fmt.Errorf("actual cost is only defined for per_token rules, got %q", rule.Mode)
	}
	cost := float64(usage.PromptTokens)/1e6*float64(rule.InputPerMillion) +
		float64(usage.CompletionTokens)/1e6*float64(rule.OutputPerMillion)
	return uint64(math.Ceil(cost)), nil
}

// AmountCheck is the outcome of comparing a stamp against a rule.
type AmountCheck struct {
	OK       bool
	Required uint64
	Provided uint64
}

// ValidateAmount decides whether the stamp covers the rule's price.
// per_request rules charge their flat price; per_token rules charge the
// worst-case estimate for the request body.
func ValidateAmount(stamp *Stamp, rule *PricingRule, chat *ChatRequest) (AmountCheck, error) {
	var required uint64
	switch rule.Mode {
	case PerRequest:
		required = rule.PerRequest
	case PerToken:
		inputTokens := uint64(0)
		maxOut := uint64(0)
		if chat != nil {
			inputTokens = EstimateInputTokens(chat.Messages)
			maxOut = chat.MaxTokens
		}
		var err error
		required, err = EstimateMaxCost(rule, inputTokens, maxOut)
		if err != nil {
			return AmountCheck{}, err
		}
	default:
		return AmountCheck{}, fmt.Errorf("pricing rule for %q has unknown mode %q", rule.Model, rule.Mode)
	}

	return AmountCheck{
		OK:       stamp.Amount >= required,
		Required: required,
		Provided: stamp.Amount,
	}, nil
}

// EstimateInputTokens approximates prompt size at 4 chars per token.
// Each message carries a flat role overhead; image parts count a fixed
// amount; the total gets a 10% margin and a floor of 10.
func EstimateInputTokens(messages []ChatMessage) uint64 {
	total := uint64(0)
	for _, message := range messages {
		total += messageTokenOverhead

		var text string
		if err := json.Unmarshal(message.Content, &text); err == nil {
			total += uint64(math.Ceil(float64(len(text)) / 4))
			continue
		}

		var parts []chatContentPart
		if err := json.Unmarshal(message.Content, &parts); err == nil {
			for _, part := range parts {
				if part.Type == "image_url" {
					total += imagePartTokens
				} else {
					total += uint64(math.Ceil(float64(len(part.Text)) / 4))
				}
			}
		}
	}

	total = uint64(math.Ceil(float64(total) * 1.10))
	if total < minEstimatedTokens {
		return minEstimatedTokens
	}
	return total
}

// defaultPricingRules covers the common OpenAI models per-token plus a
// wildcard so OpenRouter passthrough models are always priced.
func defaultPricingRules() []PricingRule {
	return []PricingRule{
		{Model: "gpt-4o", Mode: PerToken, InputPerMillion: 250_000, OutputPerMillion: 1_000_000},
		{Model: "gpt-4o-mini", Mode: PerToken, InputPerMillion: 15_000, OutputPerMillion: 60_000},
		{Model: "gpt-4.1", Mode: PerToken, InputPerMillion: 200_000, OutputPerMillion: 800_000},
		{Model: "gpt-4.1-mini", Mode: PerToken, InputPerMillion: 40_000, OutputPerMillion: 160_000},
		{Model: "o1", Mode: PerToken, InputPerMillion: 1_500_000, OutputPerMillion: 6_000_000},
		{Model: "o3-mini", Mode: PerToken, InputPerMillion: 110_000, OutputPerMillion: 440_000},
		{Model: "*", Mode: PerToken, InputPerMillion: 300_000, OutputPerMillion: 1_200_000},
	}
}

const openRouterModelsURL = "https://openrouter.ai/api/v1/models"

// PricingCache keeps OpenRouter's model price list warm. One global
// entry with a 1 hour TTL; a failed refresh serves the stale list and
// logs, so pricing reads never fail once primed.
type PricingCache struct {
	mu        sync.Mutex
	rules     []PricingRule
	fetchedAt time.Time
	ttl       time.Duration
	client    *http.Client
	logger    *slog.Logger
}

func NewPricingCache(logger *slog.Logger) *PricingCache {
	return &PricingCache{
		ttl:    time.Hour,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

type openRouterModel struct {
	Id      string `json:"id"`
	Pricing struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

type openRouterModelsResponse struct {
	Data []openRouterModel `json:"data"`
}

// Rules returns the cached OpenRouter rules, refreshing when the entry
// is older than the TTL. On refresh failure within a primed cache the
// stale rules are returned.
func (c *PricingCache) Rules(ctx context.Context) []PricingRule {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.rules) > 0 && time.Since(c.fetchedAt) < c.ttl {
		return c.rules
	}

	rules, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warn("openrouter pricing refresh failed, serving stale", "error", err.Error())
		return c.rules
	}
	c.rules = rules
	c.fetchedAt = time.Now()
	return c.rules
}

func (c *PricingCache) fetch(ctx context.Context) ([]PricingRule, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openRouterModelsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %v", resp.StatusCode)
	}

	var models openRouterModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, err
	}

	rules := make([]PricingRule, 0, len(models.Data))
	for _, model := range models.Data {
		prompt, err1 := strconv.ParseFloat(model.Pricing.Prompt, 64)
		completion, err2 := strconv.ParseFloat(model.Pricing.Completion, 64)
		if err1 != nil || err2 != nil || (prompt == 0 && completion == 0) {
			continue
		}
		// OpenRouter quotes USD per token; convert to units per million
		rules = append(rules, PricingRule{
			Model:            model.Id,
			Mode:             PerToken,
			InputPerMillion:  uint64(math.Ceil(prompt * 1e6 * UnitsPerUSD)),
			OutputPerMillion: uint64(math.Ceil(completion * 1e6 * UnitsPerUSD)),
		})
	}
	return rules, nil
}
