package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPMembershipClient adapts the externally-owned membership service
// (spec.md §1/§3: ChannelMembership is read-only from the core's
// perspective) to MembershipClient over a small REST contract. This is
// a thin boundary adapter, not a domain concern, so it is built on
// net/http rather than a third-party client.
type HTTPMembershipClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPMembershipClient(baseURL string, timeout time.Duration) *HTTPMembershipClient {
	return &HTTPMembershipClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

var _ MembershipClient = (*HTTPMembershipClient)(nil)

func (c *HTTPMembershipClient) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var out struct {
		IsMember bool `json:"isMember"`
	}
	url := fmt.Sprintf("%s/channels/%s/members/%s", c.baseURL, channelID, userID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return false, err
	}
	return out.IsMember, nil
}

func (c *HTTPMembershipClient) Members(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	var out struct {
		UserIDs []uuid.UUID `json:"userIds"`
	}
	url := fmt.Sprintf("%s/channels/%s/members", c.baseURL, channelID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

func (c *HTTPMembershipClient) TenantForChannel(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error) {
	var out struct {
		TenantID uuid.UUID `json:"tenantId"`
	}
	url := fmt.Sprintf("%s/channels/%s/tenant", c.baseURL, channelID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return uuid.Nil, err
	}
	return out.TenantID, nil
}

func (c *HTTPMembershipClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("membership request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("membership request %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
