package turn

import (
	"context"
	"fmt"
	"time"

	req "github.com/imroc/req/v3"
)

// Client fetches a credential token from the relay, once at startup.
type Client struct {
	http *req.Client
}

func NewClient(baseURL string) *Client {
	c := req.C().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	return &Client{http: c}
}

func (c *Client) Fetch(ctx context.Context) (Token, error) {
	var tok Token
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&tok).
		Get("/api/turn-token")
	if err != nil {
		return Token{}, fmt.Errorf("fetch turn token: %w", err)
	}
	if !resp.IsSuccessState() {
		return Token{}, fmt.Errorf("fetch turn token: %s", resp.Status)
	}
	return tok, nil
}
