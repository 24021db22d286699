package dingtalk

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/retry"
)

type robotDMRequest struct {
	RobotCode string   `json:"robotCode"`
	UserIDs   []string `json:"userIds"`
	MsgKey    string   `json:"msgKey"`
	MsgParam  string   `json:"msgParam"`
}

type robotGroupRequest struct {
	RobotCode          string `json:"robotCode"`
	OpenConversationID string `json:"openConversationId"`
	MsgKey             string `json:"msgKey"`
	MsgParam           string `json:"msgParam"`
}

// looksLikeMarkdown is the heuristic picking the message key: content that
// opens with markdown punctuation, contains emphasis/code/link markers, or
// spans multiple lines renders as markdown; everything else as plain text.
func looksLikeMarkdown(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	switch trimmed[0] {
	case '#', '*', '>', '-':
		return true
	}
	for _, marker := range []string{"**", "```", "`", "]("} {
		if strings.Contains(trimmed, marker) {
			return true
		}
	}
	return strings.Contains(trimmed, "\n")
}

// SendMarkdown delivers a complete reply as a one-shot robot message,
// choosing the markdown or plain-text message key heuristically.
func (c *Client) SendMarkdown(ctx context.Context, cred Credential, target CardTarget, text string) error {
	token, err := c.Token(ctx, cred)
	if err != nil {
		return err
	}

	var msgKey, msgParam string
	if looksLikeMarkdown(text) {
		msgKey = "sampleMarkdown"
		param, _ := json.Marshal(map[string]string{"title": "AI 回复", "text": text})
		msgParam = string(param)
	} else {
		msgKey = "sampleText"
		param, _ := json.Marshal(map[string]string{"content": text})
		msgParam = string(param)
	}

	if target.ConversationType == domain.ConversationGroup {
		req := robotGroupRequest{
			RobotCode:          cred.RobotCode,
			OpenConversationID: target.OpenConversationID,
			MsgKey:             msgKey,
			MsgParam:           msgParam,
		}
		return retry.Do(ctx, "message.group", func(ctx context.Context) error {
			return c.post(
				c.http.R().
					SetContext(ctx).
					SetHeader("x-acs-dingtalk-access-token", token).
					SetBody(req),
				"/v1.0/robot/groupMessages/send",
			)
		})
	}

	req := robotDMRequest{
		RobotCode: cred.RobotCode,
		UserIDs:   []string{target.UserID},
		MsgKey:    msgKey,
		MsgParam:  msgParam,
	}
	return retry.Do(ctx, "message.dm", func(ctx context.Context) error {
		return c.post(
			c.http.R().
				SetContext(ctx).
				SetHeader("x-acs-dingtalk-access-token", token).
				SetBody(req),
			"/v1.0/robot/oToMessages/batchSend",
		)
	})
}
