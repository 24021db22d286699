// Package bridge connects DingTalk robot endpoints to agent sessions: it
// owns bot connection lifecycle, inbound filtering, peer-to-session routing,
// and the streamed-reply collector.
package bridge

import (
	"github.com/lihuazhang/aicowork/pkg/dingtalk"
	"github.com/lihuazhang/aicowork/pkg/domain"
)

// BotConfig is the immutable-per-connection snapshot of one bot's
// credentials and policy. Reconnecting with a changed config replaces the
// bot instance wholesale.
type BotConfig struct {
	ClientID     string `yaml:"client_id" json:"clientId"`
	ClientSecret string `yaml:"client_secret" json:"clientSecret"`
	RobotCode    string `yaml:"robot_code" json:"robotCode"`

	// DMPolicy gates direct messages; AllowFrom lists permitted sender ids.
	DMPolicy  domain.AccessPolicy `yaml:"dm_policy" json:"dmPolicy"`
	AllowFrom []string            `yaml:"allow_from" json:"allowFrom"`

	// GroupPolicy gates group mentions; AllowGroups lists conversation ids.
	GroupPolicy domain.AccessPolicy `yaml:"group_policy" json:"groupPolicy"`
	AllowGroups []string            `yaml:"allow_groups" json:"allowGroups"`

	// ReplyMode selects streamed cards or one-shot markdown replies.
	ReplyMode domain.ReplyMode `yaml:"reply_mode" json:"replyMode"`
	// CardTemplateID is the AI card template; card mode needs one.
	CardTemplateID string `yaml:"card_template_id" json:"cardTemplateId"`
}

// Normalize fills policy defaults: unset policies are open, unset reply
// mode is markdown.
func (c BotConfig) Normalize() BotConfig {
	if c.DMPolicy == "" {
		c.DMPolicy = domain.PolicyOpen
	}
	if c.GroupPolicy == "" {
		c.GroupPolicy = domain.PolicyOpen
	}
	if c.ReplyMode == "" {
		c.ReplyMode = domain.ReplyMarkdown
	}
	return c
}

// Credential returns the platform credential for this bot.
func (c BotConfig) Credential() dingtalk.Credential {
	return dingtalk.Credential{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RobotCode:    c.RobotCode,
	}
}

// cardMode reports whether streamed card replies are active for this bot.
func (c BotConfig) cardMode() bool {
	return c.ReplyMode == domain.ReplyCard && c.CardTemplateID != ""
}

// NamedBotConfig pairs a bot name with its config, as loaded from the
// config store.
type NamedBotConfig struct {
	Name    string    `yaml:"name" json:"name"`
	Enabled bool      `yaml:"enabled" json:"enabled"`
	Config  BotConfig `yaml:",inline" json:"config"`
}

// ConfigSource yields the persisted bot configs for auto-connect.
// Constructor-injected so the bridge's dependency graph stays explicit.
type ConfigSource interface {
	LoadBots() ([]NamedBotConfig, error)
}

// Error is a typed error for the bridge.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrMissingCredentials Error = "bot config missing clientId or clientSecret"
	ErrUnknownBot         Error = "bot is not connected"
)
