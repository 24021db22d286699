package dingtalk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/logger"
	"github.com/lihuazhang/aicowork/pkg/retry"
)

// CardStatus tracks the lifecycle of a streaming AI card.
type CardStatus string

const (
	CardProcessing CardStatus = "PROCESSING" // created, placeholder shown
	CardInputing   CardStatus = "INPUTING"   // at least one stream push landed
	CardFinished   CardStatus = "FINISHED"   // finalized
	CardFailed     CardStatus = "FAILED"     // terminal; triggers markdown fallback
)

// cardTokenMaxAge is how long a card may reuse its token snapshot before the
// next streaming push forces a refresh. Cards can outlive a platform token.
const cardTokenMaxAge = 90 * time.Minute

// initialCardContent is the placeholder shown while the agent is thinking.
const initialCardContent = "思考中..."

// streamContentKey is the card template variable receiving streamed text.
const streamContentKey = "content"

// CardTarget addresses where a card (or plain message) is delivered.
type CardTarget struct {
	ConversationType domain.ConversationType
	// OpenConversationID addresses a group chat.
	OpenConversationID string
	// UserID is the staff id of the direct-message counterpart.
	UserID string
}

// openSpaceID derives the platform space identifier from the target.
func (t CardTarget) openSpaceID() string {
	if t.ConversationType == domain.ConversationGroup {
		return fmt.Sprintf("dtv1.card//IM_GROUP.%s", t.OpenConversationID)
	}
	return fmt.Sprintf("dtv1.card//IM_ROBOT.%s", t.UserID)
}

// CardInstance is one in-flight streaming reply card.
type CardInstance struct {
	OutTrackID string
	TemplateID string
	Target     CardTarget
	CreatedAt  time.Time

	mu     sync.Mutex
	status CardStatus
	token  string // snapshot; re-fetched when the card outlives cardTokenMaxAge
	cred   Credential
}

// Status returns the card's current lifecycle state.
func (ci *CardInstance) Status() CardStatus {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.status
}

func (ci *CardInstance) setStatus(s CardStatus) {
	ci.mu.Lock()
	ci.status = s
	ci.mu.Unlock()
}

type createCardRequest struct {
	CardTemplateID          string         `json:"cardTemplateId"`
	OutTrackID              string         `json:"outTrackId"`
	OpenSpaceID             string         `json:"openSpaceId"`
	CardData                cardData       `json:"cardData"`
	IMGroupOpenSpaceModel   *spaceModel    `json:"imGroupOpenSpaceModel,omitempty"`
	IMGroupOpenDeliverModel *deliverModel  `json:"imGroupOpenDeliverModel,omitempty"`
	IMRobotOpenSpaceModel   *spaceModel    `json:"imRobotOpenSpaceModel,omitempty"`
	IMRobotOpenDeliverModel *robotDeliver  `json:"imRobotOpenDeliverModel,omitempty"`
}

type cardData struct {
	CardParamMap map[string]string `json:"cardParamMap"`
}

type spaceModel struct {
	SupportForward bool `json:"supportForward"`
}

type deliverModel struct {
	RobotCode string `json:"robotCode"`
}

type robotDeliver struct {
	SpaceType string `json:"spaceType"`
	RobotCode string `json:"robotCode"`
}

type streamCardRequest struct {
	OutTrackID string `json:"outTrackId"`
	GUID       string `json:"guid"`
	Key        string `json:"key"`
	Content    string `json:"content"`
	IsFull     bool   `json:"isFull"`
	IsFinalize bool   `json:"isFinalize"`
	IsError    bool   `json:"isError"`
}

// CreateCard creates and delivers a streaming card with a thinking
// placeholder, then pushes the initial content frame. The returned instance
// holds a token snapshot for subsequent pushes.
func (c *Client) CreateCard(ctx context.Context, cred Credential, templateID string, target CardTarget) (*CardInstance, error) {
	token, err := c.Token(ctx, cred)
	if err != nil {
		return nil, err
	}

	card := &CardInstance{
		OutTrackID: uuid.NewString(),
		TemplateID: templateID,
		Target:     target,
		CreatedAt:  time.Now(),
		status:     CardProcessing,
		token:      token,
		cred:       cred,
	}

	req := createCardRequest{
		CardTemplateID: templateID,
		OutTrackID:     card.OutTrackID,
		OpenSpaceID:    target.openSpaceID(),
		CardData:       cardData{CardParamMap: map[string]string{streamContentKey: initialCardContent}},
	}
	if target.ConversationType == domain.ConversationGroup {
		req.IMGroupOpenSpaceModel = &spaceModel{SupportForward: true}
		req.IMGroupOpenDeliverModel = &deliverModel{RobotCode: cred.RobotCode}
	} else {
		req.IMRobotOpenSpaceModel = &spaceModel{SupportForward: true}
		req.IMRobotOpenDeliverModel = &robotDeliver{SpaceType: "IM_ROBOT", RobotCode: cred.RobotCode}
	}

	err = retry.Do(ctx, "card.create", func(ctx context.Context) error {
		return c.post(
			c.http.R().
				SetContext(ctx).
				SetHeader("x-acs-dingtalk-access-token", card.token).
				SetBody(req),
			"/v1.0/card/instances/createAndDeliver",
		)
	})
	if err != nil {
		card.setStatus(CardFailed)
		return nil, err
	}

	// Initial frame so the placeholder renders as streaming content.
	if err := c.StreamCard(ctx, card, initialCardContent, false); err != nil {
		card.setStatus(CardFailed)
		return nil, err
	}

	logger.DebugCF("dingtalk", "Card created", map[string]any{
		"out_track_id": card.OutTrackID,
		"space":        req.OpenSpaceID,
	})
	return card, nil
}

// StreamCard pushes the full accumulated content to a card. finalize marks
// the terminal frame. A push failure flips the card to FAILED; FAILED is
// terminal and the caller must fall back to a plain message.
func (c *Client) StreamCard(ctx context.Context, card *CardInstance, content string, finalize bool) error {
	// A card can outlive the token it was created with. The age check lives
	// here at the call site, not inside the token cache.
	if time.Since(card.CreatedAt) > cardTokenMaxAge {
		token, err := c.RefreshToken(ctx, card.cred)
		if err != nil {
			card.setStatus(CardFailed)
			return err
		}
		card.mu.Lock()
		card.token = token
		card.mu.Unlock()
	}

	card.mu.Lock()
	token := card.token
	card.mu.Unlock()

	req := streamCardRequest{
		OutTrackID: card.OutTrackID,
		GUID:       uuid.NewString(),
		Key:        streamContentKey,
		Content:    content,
		IsFull:     true,
		IsFinalize: finalize,
	}

	err := retry.Do(ctx, "card.stream", func(ctx context.Context) error {
		return c.put(
			c.http.R().
				SetContext(ctx).
				SetHeader("x-acs-dingtalk-access-token", token).
				SetBody(req),
			"/v1.0/card/streaming",
		)
	})
	if err != nil {
		card.setStatus(CardFailed)
		return err
	}

	if finalize {
		card.setStatus(CardFinished)
	} else {
		card.setStatus(CardInputing)
	}
	return nil
}

// SendCardOneShot delivers a complete card in a single call, for replies
// that finished before any streaming started. Any failure falls back to a
// plain markdown send.
func (c *Client) SendCardOneShot(ctx context.Context, cred Credential, templateID string, target CardTarget, content string) error {
	card, err := c.CreateCard(ctx, cred, templateID, target)
	if err == nil {
		err = c.StreamCard(ctx, card, content, true)
	}
	if err != nil {
		logger.WarnCF("dingtalk", "One-shot card failed, falling back to markdown", map[string]any{
			"error": err.Error(),
		})
		return c.SendMarkdown(ctx, cred, target, content)
	}
	return nil
}
