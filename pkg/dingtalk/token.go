package dingtalk

import (
	"context"
	"sync"
	"time"

	"github.com/lihuazhang/aicowork/pkg/logger"
	"github.com/lihuazhang/aicowork/pkg/retry"
)

// tokenRefreshBuffer is subtracted from the server-reported expiry so a
// token is refreshed before it actually lapses mid-call.
const tokenRefreshBuffer = 60 * time.Second

type tokenEntry struct {
	accessToken string
	expiry      time.Time
}

// tokenCache caches platform access tokens per clientId. Bots sharing
// credentials share tokens; there is no eviction beyond natural overwrite.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	now     func() time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{
		entries: make(map[string]tokenEntry),
		now:     time.Now,
	}
}

type tokenRequest struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"`
}

// Token returns a cached access token for the credential, fetching a fresh
// one through the retry wrapper when none is cached or the cached token is
// within the refresh buffer of its expiry.
func (c *Client) Token(ctx context.Context, cred Credential) (string, error) {
	c.tokens.mu.Lock()
	entry, ok := c.tokens.entries[cred.ClientID]
	now := c.tokens.now()
	c.tokens.mu.Unlock()

	if ok && now.Before(entry.expiry.Add(-tokenRefreshBuffer)) {
		return entry.accessToken, nil
	}
	return c.RefreshToken(ctx, cred)
}

// RefreshToken fetches a new access token unconditionally and overwrites the
// cache entry. Call sites that hold a token snapshot past its useful life
// (long-lived streaming cards) use this to re-arm before the next push.
func (c *Client) RefreshToken(ctx context.Context, cred Credential) (string, error) {
	var out tokenResponse
	err := retry.Do(ctx, "token.issue", func(ctx context.Context) error {
		out = tokenResponse{}
		return c.post(
			c.http.R().
				SetContext(ctx).
				SetBody(tokenRequest{AppKey: cred.ClientID, AppSecret: cred.ClientSecret}).
				SetResult(&out),
			"/v1.0/oauth2/accessToken",
		)
	})
	if err != nil {
		return "", err
	}

	c.tokens.mu.Lock()
	c.tokens.entries[cred.ClientID] = tokenEntry{
		accessToken: out.AccessToken,
		expiry:      c.tokens.now().Add(time.Duration(out.ExpireIn) * time.Second),
	}
	c.tokens.mu.Unlock()

	logger.DebugCF("dingtalk", "Access token refreshed", map[string]any{
		"client_id": cred.ClientID,
		"expire_in": out.ExpireIn,
	})
	return out.AccessToken, nil
}
