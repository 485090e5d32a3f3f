// Package capi posts server-side conversion events to the Meta Conversions API.
package capi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v20.0"
	defaultTimeout    = 10 * time.Second
)

// Event is one conversion event. Phone is the raw participant id; it is hashed
// before it is put on the wire.
type Event struct {
	Name         string
	ID           string
	Time         time.Time
	ActionSource string
	Phone        string
	CustomData   *CustomData
}

type CustomData struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

type eventsRequest struct {
	Data          []eventPayload `json:"data"`
	TestEventCode string         `json:"test_event_code,omitempty"`
}

type eventPayload struct {
	EventName    string      `json:"event_name"`
	EventTime    int64       `json:"event_time"`
	EventID      string      `json:"event_id"`
	ActionSource string      `json:"action_source"`
	UserData     userData    `json:"user_data"`
	CustomData   *CustomData `json:"custom_data,omitempty"`
}

type userData struct {
	Phones []string `json:"ph,omitempty"`
}

// Response is the API's acknowledgement.
type Response struct {
	EventsReceived int    `json:"events_received"`
	FBTraceID      string `json:"fbtrace_id"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("capi: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL       string
	apiVersion    string
	pixelID       string
	accessToken   string
	testEventCode string
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

// WithTestEventCode routes events to the Events Manager "Test Events" view.
func WithTestEventCode(code string) Option {
	return func(c *Client) {
		c.testEventCode = strings.TrimSpace(code)
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

func NewClient(pixelID, accessToken string, opts ...Option) (*Client, error) {
	pixelID = strings.TrimSpace(pixelID)
	accessToken = strings.TrimSpace(accessToken)
	if pixelID == "" || accessToken == "" {
		return nil, errors.New("capi: pixel id and access token must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		apiVersion:  defaultAPIVersion,
		pixelID:     pixelID,
		accessToken: accessToken,
		timeout:     defaultTimeout,
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
		SetHeader("Content-Type", "application/json").
		SetTimeout(c.timeout)
	return c, nil
}

// HashPhone normalizes an identifier (trim, lower-case) and returns its
// hex-encoded SHA-256.
func HashPhone(v string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(v))))
	return hex.EncodeToString(sum[:])
}

func (c *Client) buildRequest(ev Event) eventsRequest {
	actionSource := ev.ActionSource
	if actionSource == "" {
		actionSource = "chat"
	}
	p := eventPayload{
		EventName:    ev.Name,
		EventTime:    ev.Time.Unix(),
		EventID:      ev.ID,
		ActionSource: actionSource,
		CustomData:   ev.CustomData,
	}
	if strings.TrimSpace(ev.Phone) != "" {
		p.UserData.Phones = []string{HashPhone(ev.Phone)}
	}
	return eventsRequest{Data: []eventPayload{p}, TestEventCode: c.testEventCode}
}

// Send posts one event.
func (c *Client) Send(ctx context.Context, ev Event) (Response, error) {
	if ev.Name == "" || ev.ID == "" {
		return Response{}, errors.New("capi: event name and id are required")
	}

	var out Response
	res, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(c.accessToken).
		SetBody(c.buildRequest(ev)).
		SetResult(&out).
		Post("/" + c.apiVersion + "/" + c.pixelID + "/events")
	if err != nil {
		return Response{}, fmt.Errorf("capi: request failed: %w", stripURL(err))
	}
	if res.IsError() || res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return Response{}, &HTTPStatusError{StatusCode: res.StatusCode(), Body: truncate(res.String(), 4096)}
	}
	return out, nil
}

// stripURL drops the request URL that *url.Error prints, keeping the cause.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
