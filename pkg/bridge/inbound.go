package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lihuazhang/aicowork/pkg/dingtalk"
	"github.com/lihuazhang/aicowork/pkg/domain"
)

// conversationTypeGroup is the platform's wire value for group chats;
// direct chats are "1".
const conversationTypeGroup = "2"

// InboundMessage is the chatbot callback payload pushed over the stream
// connection. Optional sections are pointers so absence is distinguishable.
type InboundMessage struct {
	MsgID             string `json:"msgId"`
	MsgType           string `json:"msgtype"`
	ConversationID    string `json:"conversationId"`
	ConversationType  string `json:"conversationType"`
	ConversationTitle string `json:"conversationTitle"`
	SenderID          string `json:"senderId"`
	SenderStaffID     string `json:"senderStaffId"`
	SenderNick        string `json:"senderNick"`
	RobotCode         string `json:"robotCode"`
	CreateAt          int64  `json:"createAt"`

	Text *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`

	// Content carries non-text payloads: richText items, audio recognition.
	Content *richContent `json:"content,omitempty"`
}

type richContent struct {
	RichText    []richTextItem `json:"richText,omitempty"`
	Recognition string         `json:"recognition,omitempty"`
}

type richTextItem struct {
	Text   string `json:"text,omitempty"`
	Type   string `json:"type,omitempty"`
	AtName string `json:"atName,omitempty"`
}

// decodeInbound parses a raw callback payload.
func decodeInbound(data string) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("decode inbound message: %w", err)
	}
	return &msg, nil
}

// IsGroup reports whether the message came from a group conversation.
func (m *InboundMessage) IsGroup() bool {
	return m.ConversationType == conversationTypeGroup
}

// Conversation returns the domain conversation type.
func (m *InboundMessage) Conversation() domain.ConversationType {
	if m.IsGroup() {
		return domain.ConversationGroup
	}
	return domain.ConversationDirect
}

// PeerID identifies the conversation counterpart: the sender for direct
// messages, the conversation for group chats.
func (m *InboundMessage) PeerID() string {
	if m.IsGroup() {
		return m.ConversationID
	}
	if m.SenderStaffID != "" {
		return m.SenderStaffID
	}
	return m.SenderID
}

// Target returns the delivery address for replies to this message.
func (m *InboundMessage) Target() dingtalk.CardTarget {
	return dingtalk.CardTarget{
		ConversationType:   m.Conversation(),
		OpenConversationID: m.ConversationID,
		UserID:             m.SenderStaffID,
	}
}

// ExtractText pulls display text from the payload: plain text, rich-text
// concatenation with @-mentions inlined, audio transcription, or a
// placeholder naming the unsupported type. Empty after trimming means the
// message carries nothing routable.
func (m *InboundMessage) ExtractText() string {
	switch m.MsgType {
	case "text":
		if m.Text != nil {
			return strings.TrimSpace(m.Text.Content)
		}
		return ""
	case "richText":
		if m.Content == nil {
			return ""
		}
		var b strings.Builder
		for _, item := range m.Content.RichText {
			switch {
			case item.Text != "":
				b.WriteString(item.Text)
			case item.Type == "at" && item.AtName != "":
				b.WriteString("@")
				b.WriteString(item.AtName)
				b.WriteString(" ")
			}
		}
		return strings.TrimSpace(b.String())
	case "audio":
		if m.Content != nil && m.Content.Recognition != "" {
			return strings.TrimSpace(m.Content.Recognition)
		}
		return ""
	default:
		if m.MsgType == "" {
			return ""
		}
		return fmt.Sprintf("[%smessage]", m.MsgType)
	}
}
