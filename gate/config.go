package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ecashlabs/nutgate/wallet"
)

type Config struct {
	Port string

	// mints whose tokens the gate accepts
	TrustedMints []string
	// mint the treasury operates against (melt, withdraw, cleanup)
	MintURL string

	// payout address for on-chain melts. Required.
	WalletAddress string
	// chain tag sent on on-chain melt quotes
	OnchainChain string

	AdminToken     string
	AllowedOrigins []string
	IPHashSalt     string

	// optional JSON override for the built-in pricing rules
	PricingJSON string

	Upstreams []UpstreamRule

	// requests per client IP per minute on the payment route; 0 disables
	RateLimitPerMinute int

	MintTimeout time.Duration

	Name        string
	Description string

	Debug bool
}

const (
	defaultPort         = "8787"
	defaultMintTimeout  = 10 * time.Second
	defaultOnchainChain = "base"
	defaultRateLimit    = 60

	defaultOpenAIBaseURL     = "https://api.openai.com"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api"
)

// ConfigFromEnv reads the gate configuration from the environment.
// A missing wallet address is fatal: without a payout target the
// treasury cannot operate and accepting funds would strand them.
func ConfigFromEnv() (Config, error) {
	config := Config{
		Port:               envOr("NUTGATE_PORT", defaultPort),
		MintURL:            wallet.NormalizeMintURL(os.Getenv("NUTGATE_MINT_URL")),
		WalletAddress:      os.Getenv("NUTGATE_WALLET_ADDRESS"),
		OnchainChain:       envOr("NUTGATE_ONCHAIN_CHAIN", defaultOnchainChain),
		AdminToken:         os.Getenv("NUTGATE_ADMIN_TOKEN"),
		IPHashSalt:         os.Getenv("NUTGATE_IP_HASH_SALT"),
		PricingJSON:        os.Getenv("NUTGATE_PRICING_JSON"),
		Name:               envOr("NUTGATE_NAME", "nutgate"),
		Description:        envOr("NUTGATE_DESCRIPTION", "payment-metered LLM gateway"),
		MintTimeout:        defaultMintTimeout,
		RateLimitPerMinute: defaultRateLimit,
	}

	if config.WalletAddress == "" {
		return Config{}, errors.New("NUTGATE_WALLET_ADDRESS not set")
	}

	for _, mint := range strings.Split(os.Getenv("NUTGATE_TRUSTED_MINTS"), ",") {
		mint = strings.TrimSpace(mint)
		if mint != "" {
			config.TrustedMints = append(config.TrustedMints, wallet.NormalizeMintURL(mint))
		}
	}
	if len(config.TrustedMints) == 0 && config.MintURL != "" {
		config.TrustedMints = []string{config.MintURL}
	}
	if config.MintURL == "" && len(config.TrustedMints) > 0 {
		config.MintURL = config.TrustedMints[0]
	}

	for _, origin := range strings.Split(envOr("NUTGATE_ALLOWED_ORIGINS", "*"), ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			config.AllowedOrigins = append(config.AllowedOrigins, origin)
		}
	}

	if v := os.Getenv("NUTGATE_MINT_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NUTGATE_MINT_TIMEOUT_SECONDS: %v", err)
		}
		config.MintTimeout = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("NUTGATE_RATE_LIMIT_PER_MINUTE"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NUTGATE_RATE_LIMIT_PER_MINUTE: %v", err)
		}
		config.RateLimitPerMinute = limit
	}

	config.Debug, _ = strconv.ParseBool(os.Getenv("NUTGATE_DEBUG"))

	upstreams, err := upstreamsFromEnv()
	if err != nil {
		return Config{}, err
	}
	config.Upstreams = upstreams

	return config, nil
}

// upstreamsFromEnv builds the upstream routing table. An explicit JSON
// table wins; otherwise entries are derived from the provider API keys
// present: OpenAI matched on its model prefixes, OpenRouter as the
// wildcard fallback.
func upstreamsFromEnv() ([]UpstreamRule, error) {
	if raw := os.Getenv("NUTGATE_UPSTREAMS"); raw != "" {
		var upstreams []UpstreamRule
		if err := json.Unmarshal([]byte(raw), &upstreams); err != nil {
			return nil, fmt.Errorf("invalid NUTGATE_UPSTREAMS: %v", err)
		}
		return upstreams, nil
	}

	var upstreams []UpstreamRule
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		base := envOr("OPENAI_BASE_URL", defaultOpenAIBaseURL)
		upstreams = append(upstreams,
			UpstreamRule{Match: "gpt-*", BaseURL: base, APIKey: key},
			UpstreamRule{Match: "o*", BaseURL: base, APIKey: key},
		)
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		upstreams = append(upstreams, UpstreamRule{
			Match:   "*",
			BaseURL: envOr("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL),
			APIKey:  key,
		})
	}
	return upstreams, nil
}

// PricingRules returns the configured rules, falling back to the
// built-in defaults when the override is absent or malformed.
func (c Config) PricingRules(logger *slog.Logger) []PricingRule {
	if c.PricingJSON == "" {
		return defaultPricingRules()
	}

	var rules []PricingRule
	if err := json.Unmarshal([]byte(c.PricingJSON), &rules); err != nil {
		logger.Warn("malformed pricing config, using built-in defaults", "error", err.Error())
		return defaultPricingRules()
	}
	for _, rule := range rules {
		if rule.Mode != PerRequest && rule.Mode != PerToken {
			logger.Warn("pricing config with unknown mode, using built-in defaults", "mode", string(rule.Mode))
			return defaultPricingRules()
		}
	}
	return rules
}

// TrustsMint reports whether the mint is in the trusted list.
// Trailing slashes and case differences in host are ignored.
func (c Config) TrustsMint(mintURL string) bool {
	normalized := wallet.NormalizeMintURL(mintURL)
	for _, trusted := range c.TrustedMints {
		if wallet.NormalizeMintURL(trusted) == normalized {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
