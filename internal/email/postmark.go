package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// Client sends operational mail through Postmark.
type Client struct {
	serverToken string
	fromEmail   string
	to          []string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient creates a client that mails every message to the to recipients.
func NewClient(serverToken, fromEmail string, to []string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		to:          to,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if a token, sender and at least one recipient are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.fromEmail != "" && len(c.to) > 0
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendDigest mails a plain-text digest to the configured recipients.
func (c *Client) SendDigest(ctx context.Context, subject, textBody string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing token, sender or recipients")
	}

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       strings.Join(c.to, ","),
		Subject:  subject,
		HtmlBody: "<pre>" + html.EscapeString(textBody) + "</pre>",
		TextBody: textBody,
		Tag:      "attendance-digest",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
