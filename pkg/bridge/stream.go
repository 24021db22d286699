package bridge

import (
	"context"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/payload"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/utils"
)

// StreamConn is the slice of the DingTalk stream client the bridge uses.
// Tests inject fakes through StreamFactory.
type StreamConn interface {
	// Start opens the stream connection and registers subscriptions.
	Start(ctx context.Context) error
	// Close tears the connection down. Errors are not reported; a failed
	// close of a dying connection is not actionable.
	Close()
}

// StreamCallbacks are the hooks a bot instance hands to its stream
// connection.
type StreamCallbacks struct {
	// OnChatMessage receives the raw JSON payload of each bot callback
	// frame. The frame is acknowledged regardless of the outcome.
	OnChatMessage func(ctx context.Context, raw string)
	// OnEvent receives the raw payload of generic event frames.
	OnEvent func(raw string)
	// OnConnectionLost is invoked when the connection drops mid-life.
	OnConnectionLost func(err error)
}

// StreamFactory builds a stream connection for a bot. The default factory
// talks to DingTalk; tests substitute their own.
type StreamFactory func(cfg BotConfig, cb StreamCallbacks) StreamConn

type sdkStreamConn struct {
	cli *client.StreamClient
}

func (s *sdkStreamConn) Start(ctx context.Context) error { return s.cli.Start(ctx) }
func (s *sdkStreamConn) Close()                          { s.cli.Close() }

// dingtalkStreamFactory is the production StreamFactory.
func dingtalkStreamFactory(cfg BotConfig, cb StreamCallbacks) StreamConn {
	cli := client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(cfg.ClientID, cfg.ClientSecret)),
		client.WithUserAgent(client.NewDingtalkGoSDKUserAgent()),
		// Reconnection is handled one layer up with its own backoff; the
		// SDK must not race it with a second reconnect loop.
		client.WithAutoReconnect(false),
		client.WithSubscription(utils.SubscriptionTypeKCallback, payload.BotMessageCallbackTopic,
			func(ctx context.Context, df *payload.DataFrame) (*payload.DataFrameResponse, error) {
				if cb.OnChatMessage != nil {
					cb.OnChatMessage(ctx, df.Data)
				}
				return payload.NewSuccessDataFrameResponse(), nil
			}),
		client.WithSubscription(utils.SubscriptionTypeKEvent, "*",
			func(ctx context.Context, df *payload.DataFrame) (*payload.DataFrameResponse, error) {
				if cb.OnEvent != nil {
					cb.OnEvent(df.Data)
				}
				return payload.NewSuccessDataFrameResponse(), nil
			}),
	)
	return &sdkStreamConn{cli: cli}
}
