package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RateLimit is the per-(service, model, key) limit for one provider.
type RateLimit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// Default provider limit when a service has no specific entry.
const (
	DefaultRPM = 10000
	DefaultTPM = 1000000
)

// RateLimits maps a service name to its default limit. Queues registered
// without explicit limits inherit from here.
type RateLimits map[string]RateLimit

// DefaultRateLimits returns the shipped per-provider defaults.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		"openai":    {RPM: DefaultRPM, TPM: DefaultTPM},
		"anthropic": {RPM: DefaultRPM, TPM: DefaultTPM},
		"google":    {RPM: DefaultRPM, TPM: DefaultTPM},
		"groq":      {RPM: DefaultRPM, TPM: DefaultTPM},
		"mistral":   {RPM: DefaultRPM, TPM: DefaultTPM},
		"deepseek":  {RPM: DefaultRPM, TPM: DefaultTPM},
	}
}

// For returns the limit for service, falling back to the global default.
func (r RateLimits) For(service string) RateLimit {
	if l, ok := r[service]; ok {
		return l
	}
	return RateLimit{RPM: DefaultRPM, TPM: DefaultTPM}
}

// LoadRateLimits merges YAML overrides from path over the shipped
// defaults. An empty path returns the defaults unchanged.
func LoadRateLimits(path string) (RateLimits, error) {
	limits := DefaultRateLimits()
	if path == "" {
		return limits, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRateLimits: %w", err)
	}
	var overrides RateLimits
	if err := yaml.Unmarshal(b, &overrides); err != nil {
		return nil, fmt.Errorf("op=config.LoadRateLimits: %w", err)
	}
	for service, l := range overrides {
		limits[service] = l
	}
	return limits, nil
}
