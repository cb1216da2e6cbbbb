// Package config loads and validates the bridge configuration. The rule
// tables, escalation groups, priority map and template strings defined here
// are a stable operator-facing surface; changing their schema is a
// compatibility-breaking event.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/escalation"
	"github.com/trackdesk-io/trackdesk/internal/rules"
)

// Config is the top-level trackdesk configuration.
type Config struct {
	Bridge     BridgeConfig               `json:"bridge"`
	Tracker    TrackerConfig              `json:"tracker"`
	Desk       DeskConfig                 `json:"desk"`
	Rules      RulesConfig                `json:"rules"`
	Escalation []escalation.Config        `json:"escalation,omitempty"`
	Templates  TemplatesConfig            `json:"templates"`
	Notify     NotifyConfig               `json:"notify,omitempty"`
	Webhooks   map[string]WebhookEndpoint `json:"webhooks,omitempty"`
	API        APIConfig                  `json:"api"`
}

// BridgeConfig holds engine-level settings.
type BridgeConfig struct {
	DataDir            string            `json:"data_dir"`
	SyncSchedule       string            `json:"sync_schedule,omitempty"` // cron expression, default @every 2m
	Workers            int               `json:"workers,omitempty"`       // default 4
	LeaseTTLSeconds    int               `json:"lease_ttl_seconds,omitempty"`
	LeaseRetries       int               `json:"lease_retries,omitempty"`
	LeaseBackoffMillis int               `json:"lease_backoff_millis,omitempty"`
	SolvedStatuses     []string          `json:"solved_statuses"`
	PriorityMap        map[string]string `json:"priority_map"`
	FallbackPriority   string            `json:"fallback_priority"`
	ReferenceField     string            `json:"reference_field,omitempty"`
	SupportGroup       string            `json:"support_group"`
	TicketForm         string            `json:"ticket_form,omitempty"`
	InitialFields      []FieldMapping    `json:"initial_fields,omitempty"`
	SignatureDelimiter string            `json:"signature_delimiter,omitempty"`
}

// FieldMapping assigns a value to a desk custom field, addressed by id or by
// name (resolved against the desk's field definitions at startup).
type FieldMapping struct {
	ID    int64  `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

// TrackerConfig holds issue-tracker API settings.
type TrackerConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Query    string `json:"query"` // static filter for the polling pass
}

// DeskConfig holds support-desk API settings.
type DeskConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// RulesConfig holds the two ordered rule tables, one per trigger direction.
type RulesConfig struct {
	IssueTriggered  rules.Table `json:"issue_triggered"`
	TicketTriggered rules.Table `json:"ticket_triggered"`
}

// TemplatesConfig holds the template strings for generated ticket text.
type TemplatesConfig struct {
	Subject         string `json:"subject"`
	InitialComment  string `json:"initial_comment"`
	FollowupComment string `json:"followup_comment"`
	OutgoingComment string `json:"outgoing_comment"` // issue comment mirrored to the desk
	IncomingComment string `json:"incoming_comment"` // desk comment mirrored to the tracker
}

// NotifyConfig holds optional operator notification sinks.
type NotifyConfig struct {
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// SlackConfig holds Slack notifier settings.
type SlackConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// TelegramConfig holds Telegram notifier settings.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// WebhookEndpoint holds per-endpoint inbound webhook auth.
type WebhookEndpoint struct {
	Secret      string `json:"secret,omitempty"`       // HMAC-SHA256
	BearerToken string `json:"bearer_token,omitempty"` // used if Secret is empty
}

// APIConfig holds status API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file, applies environment overrides
// for credentials, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets credentials live outside the config file.
func (c *Config) applyEnvOverrides() {
	setFromEnv(&c.Tracker.Username, "TRACKDESK_TRACKER_USERNAME")
	setFromEnv(&c.Tracker.Password, "TRACKDESK_TRACKER_PASSWORD")
	setFromEnv(&c.Desk.Username, "TRACKDESK_DESK_USERNAME")
	setFromEnv(&c.Desk.Password, "TRACKDESK_DESK_PASSWORD")
	setFromEnv(&c.API.Key, "TRACKDESK_API_KEY")
	if c.Notify.Slack != nil {
		setFromEnv(&c.Notify.Slack.Token, "TRACKDESK_SLACK_TOKEN")
	}
	if c.Notify.Telegram != nil {
		setFromEnv(&c.Notify.Telegram.Token, "TRACKDESK_TELEGRAM_TOKEN")
	}
}

func (c *Config) applyDefaults() {
	if c.Bridge.SyncSchedule == "" {
		c.Bridge.SyncSchedule = "@every 2m"
	}
	if c.Bridge.Workers <= 0 {
		c.Bridge.Workers = 4
	}
	if c.Bridge.LeaseTTLSeconds <= 0 {
		c.Bridge.LeaseTTLSeconds = 30
	}
	if c.Bridge.LeaseRetries <= 0 {
		c.Bridge.LeaseRetries = 3
	}
	if c.Bridge.LeaseBackoffMillis <= 0 {
		c.Bridge.LeaseBackoffMillis = 250
	}
	if c.Templates.FollowupComment == "" {
		c.Templates.FollowupComment = c.Templates.InitialComment
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// LeaseTTL returns the per-entity lease duration.
func (c *BridgeConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// LeaseBackoff returns the wait between lease acquisition attempts.
func (c *BridgeConfig) LeaseBackoff() time.Duration {
	return time.Duration(c.LeaseBackoffMillis) * time.Millisecond
}

// Validate checks for required fields, collecting every problem.
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.DataDir == "" {
		errs = append(errs, "bridge.data_dir is required")
	}
	if len(c.Bridge.PriorityMap) > 0 && c.Bridge.FallbackPriority == "" {
		errs = append(errs, "bridge.fallback_priority is required when priority_map is set")
	}
	if c.Bridge.SupportGroup == "" {
		errs = append(errs, "bridge.support_group is required")
	}

	if c.Tracker.URL == "" {
		errs = append(errs, "tracker.url is required")
	}
	if c.Tracker.Username == "" {
		errs = append(errs, "tracker.username is required")
	}
	if c.Tracker.Password == "" {
		errs = append(errs, "tracker.password is required")
	}
	if c.Tracker.Query == "" {
		errs = append(errs, "tracker.query is required")
	}

	if c.Desk.URL == "" {
		errs = append(errs, "desk.url is required")
	}
	if c.Desk.Username == "" {
		errs = append(errs, "desk.username is required")
	}
	if c.Desk.Password == "" {
		errs = append(errs, "desk.password is required")
	}

	if err := c.Rules.IssueTriggered.Validate("rules.issue_triggered"); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Rules.TicketTriggered.Validate("rules.ticket_triggered"); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Templates.Subject == "" {
		errs = append(errs, "templates.subject is required")
	}
	if c.Templates.InitialComment == "" {
		errs = append(errs, "templates.initial_comment is required")
	}
	if c.Templates.OutgoingComment == "" {
		errs = append(errs, "templates.outgoing_comment is required")
	}
	if c.Templates.IncomingComment == "" {
		errs = append(errs, "templates.incoming_comment is required")
	}

	for i, fm := range c.Bridge.InitialFields {
		if fm.ID == 0 && fm.Name == "" {
			errs = append(errs, fmt.Sprintf("bridge.initial_fields[%d] needs an id or a name", i))
		}
	}

	if c.Notify.Slack != nil && (c.Notify.Slack.Token == "" || c.Notify.Slack.Channel == "") {
		errs = append(errs, "notify.slack requires token and channel")
	}
	if c.Notify.Telegram != nil && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		errs = append(errs, "notify.telegram requires token and chat_id")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
