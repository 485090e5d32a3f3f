package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v20.0"
	defaultTimeout    = 10 * time.Second
)

type textMessageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendResult is the gateway's reply to a send. Raw is always valid JSON.
type SendResult struct {
	Raw       json.RawMessage
	MessageID string
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends text messages through the WhatsApp Cloud API.
type Client struct {
	baseURL       string
	apiVersion    string
	phoneNumberID string
	token         string
	timeout       time.Duration
	httpClient    *http.Client
	rc            *resty.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		c.apiVersion = strings.TrimSpace(version)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the given business phone number id.
func NewClient(phoneNumberID, token string, opts ...Option) (*Client, error) {
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("whatsapp: token must not be empty")
	}
	c := &Client{
		baseURL:       defaultBaseURL,
		apiVersion:    defaultAPIVersion,
		phoneNumberID: phoneNumberID,
		token:         token,
		timeout:       defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.apiVersion == "" {
		c.apiVersion = defaultAPIVersion
	}

	if c.httpClient != nil {
		c.rc = resty.NewWithClient(c.httpClient)
	} else {
		c.rc = resty.New()
	}
	c.rc.SetBaseURL(strings.TrimRight(c.baseURL, "/")).
		SetAuthToken(c.token).
		SetHeader("Content-Type", "application/json").
		SetTimeout(c.timeout)
	return c, nil
}

func (c *Client) messagesPath() string {
	return "/" + c.apiVersion + "/" + c.phoneNumberID + "/messages"
}

// SendText sends a plain text message to the participant id to.
func (c *Client) SendText(ctx context.Context, to, text string) (SendResult, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return SendResult{}, errors.New("whatsapp: recipient must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return SendResult{}, errors.New("whatsapp: text must not be empty")
	}

	path := c.messagesPath()
	res, err := c.rc.R().
		SetContext(ctx).
		SetBody(textMessageRequest{
			MessagingProduct: "whatsapp",
			To:               to,
			Type:             "text",
			Text:             textBody{Body: text},
		}).
		Post(path)
	if err != nil {
		return SendResult{}, fmt.Errorf("whatsapp: send request failed: %w", err)
	}

	body := res.Body()
	if res.IsError() || res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return SendResult{}, &HTTPStatusError{
			StatusCode: res.StatusCode(),
			URL:        c.baseURL + path,
			Body:       truncate(string(body), 4096),
		}
	}

	out := SendResult{Raw: rawJSON(body)}
	var parsed sendResponse
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Messages) > 0 {
		out.MessageID = parsed.Messages[0].ID
	}
	return out, nil
}

// rawJSON returns body unchanged when it is JSON and wraps it as {"raw": "..."}
// otherwise.
func rawJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
	return wrapped
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
