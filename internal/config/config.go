package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"trustline/internal/domain"
)

// Setting keys stored in the database. The YAML file is only a seed; the
// settings table is the live, audited store.
const (
	KeyPromotionThresholds = "role_promotion_thresholds"
	KeyClaimTimeoutDays    = "claim_timeout_days"
	KeyReviewerMinScore    = "reviewer_min_trust_score"
	KeyReviewerMaxActive   = "reviewer_max_active_reviews"
	KeyMinFeedbackLength   = "min_feedback_length"
	KeyMaxRevisions        = "max_revisions"
	KeyMinProofLength      = "min_proof_length"
)

// Config models trustline.yml, the seed for the settings store.
type Config struct {
	Promotion struct {
		// Thresholds maps a role to the minimum trust score that earns it.
		Thresholds map[domain.Role]int `yaml:"thresholds"`
	} `yaml:"promotion"`
	Review struct {
		MinReviewerScore  int `yaml:"min_reviewer_score"`
		MaxActiveReviews  int `yaml:"max_active_reviews"`
		MinFeedbackLength int `yaml:"min_feedback_length"`
		MaxRevisions      int `yaml:"max_revisions"`
		ClaimTimeoutDays  int `yaml:"claim_timeout_days"`
	} `yaml:"review"`
	Proof struct {
		MinTextLength int `yaml:"min_text_length"`
	} `yaml:"proof"`
	Notify struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
}

// WebhookConfig subscribes an external URL to ledger events. An empty Events
// list means every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Promotion.Thresholds) == 0 {
		return fmt.Errorf("config.promotion.thresholds is required")
	}
	for role, threshold := range c.Promotion.Thresholds {
		if !role.Valid() || role == domain.RoleExplorer {
			return fmt.Errorf("threshold for unknown or base role %q", role)
		}
		if threshold <= 0 {
			return fmt.Errorf("threshold for %s must be positive", role)
		}
	}
	prev := 0
	for _, role := range domain.RoleOrder[1:] {
		t, ok := c.Promotion.Thresholds[role]
		if !ok {
			return fmt.Errorf("missing threshold for role %s", role)
		}
		if t <= prev {
			return fmt.Errorf("threshold for %s must exceed the previous role's", role)
		}
		prev = t
	}
	if c.Review.MinReviewerScore < 0 {
		return fmt.Errorf("review.min_reviewer_score must not be negative")
	}
	if c.Review.MaxActiveReviews <= 0 {
		return fmt.Errorf("review.max_active_reviews must be positive")
	}
	if c.Review.MinFeedbackLength <= 0 {
		return fmt.Errorf("review.min_feedback_length must be positive")
	}
	if c.Review.MaxRevisions < 0 {
		return fmt.Errorf("review.max_revisions must not be negative")
	}
	if c.Review.ClaimTimeoutDays <= 0 {
		return fmt.Errorf("review.claim_timeout_days must be positive")
	}
	if c.Proof.MinTextLength <= 0 {
		return fmt.Errorf("proof.min_text_length must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trustline.yml")
}

// Default returns the compiled-in default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or the defaults if no file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `promotion:
  thresholds:
    contributor: 100
    steward: 250
    guardian: 500

review:
  min_reviewer_score: 250
  max_active_reviews: 3
  min_feedback_length: 20
  max_revisions: 2
  claim_timeout_days: 7

proof:
  min_text_length: 10
`
