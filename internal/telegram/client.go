// Package telegram is a minimal Bot API client used to check tenant bot tokens.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"
)

// ErrInvalidToken is returned when Telegram rejects the bot token.
var ErrInvalidToken = errors.New("telegram: bot token rejected")

// BotInfo is the subset of getMe the platform uses.
type BotInfo struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type apiResponse struct {
	OK          bool    `json:"ok"`
	ErrorCode   int     `json:"error_code"`
	Description string  `json:"description"`
	Result      BotInfo `json:"result"`
}

// Client calls the Telegram Bot API.
type Client struct {
	http    *req.Client
	baseURL string
}

// New constructs a client for the API base URL (normally https://api.telegram.org).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    req.C().SetTimeout(timeout).SetUserAgent("hostingtele"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// GetMe resolves the bot behind token.
func (c *Client) GetMe(ctx context.Context, token string) (BotInfo, error) {
	var out apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("token", token).
		SetSuccessResult(&out).
		SetErrorResult(&out).
		Get(c.baseURL + "/bot{token}/getMe")
	if err != nil {
		return BotInfo{}, fmt.Errorf("telegram getMe: %w", err)
	}
	if resp.IsErrorState() || !out.OK {
		if out.ErrorCode == 401 || out.ErrorCode == 404 || resp.StatusCode == 401 || resp.StatusCode == 404 {
			return BotInfo{}, ErrInvalidToken
		}
		return BotInfo{}, fmt.Errorf("telegram getMe: status %d: %s", resp.StatusCode, out.Description)
	}
	if !out.Result.IsBot {
		return BotInfo{}, ErrInvalidToken
	}
	return out.Result, nil
}
