package bridge

import (
	"strings"

	"github.com/lihuazhang/aicowork/pkg/domain"
)

// isAllowed evaluates a message against the bot's access policy: direct
// messages against DMPolicy/AllowFrom keyed by sender id, group messages
// against GroupPolicy/AllowGroups keyed by conversation id. Matching is
// case-insensitive. Pure function, no side effects.
func isAllowed(msg *InboundMessage, cfg BotConfig) bool {
	if msg.IsGroup() {
		return policyPermits(cfg.GroupPolicy, cfg.AllowGroups, msg.ConversationID)
	}
	return policyPermits(cfg.DMPolicy, cfg.AllowFrom, msg.PeerID())
}

func policyPermits(policy domain.AccessPolicy, allowlist []string, id string) bool {
	if policy != domain.PolicyAllowlist {
		return true
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(allowed, id) {
			return true
		}
	}
	return false
}
