package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"wa-relay/internal/domain"
	"wa-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "X-Hub-Signature-256"
	signaturePrefix   = "sha256="
)

type WebhookIngester interface {
	HandleWebhook(ctx context.Context, raw []byte) usecase.WebhookResult
}

type MessageSender interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
}

type OutcomeReporter interface {
	Report(ctx context.Context, in usecase.OutcomeInput) (usecase.OutcomeOutput, error)
}

// Config holds the shared secrets the handler checks requests against.
type Config struct {
	// VerifyToken is compared with hub.verify_token during subscription.
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks on webhook POSTs when set.
	AppSecret string
}

type Handler struct {
	webhook  WebhookIngester
	sender   MessageSender
	outcomes OutcomeReporter
	cfg      Config
	logger   *slog.Logger
}

type webhookResponse struct {
	OK    bool   `json:"ok"`
	Note  string `json:"note,omitempty"`
	Where string `json:"where,omitempty"`
}

type sendRequest struct {
	WaID string `json:"wa_id"`
	Text string `json:"text"`
}

type sendResponse struct {
	OK           bool            `json:"ok"`
	WA           json.RawMessage `json:"wa"`
	MessageRowID *string         `json:"message_row_id"`
}

type outcomeRequest struct {
	ConversationID string  `json:"conversation_id"`
	Outcome        string  `json:"outcome"`
	Value          *amount `json:"value"`
	Currency       *string `json:"currency"`
}

// amount accepts a JSON number or a numeric string such as "100".
type amount float64

func (a *amount) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("value must be a number: %w", err)
		}
		n = json.Number(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("value %q is not a number", n)
	}
	*a = amount(f)
	return nil
}

func (a *amount) float() *float64 {
	if a == nil {
		return nil
	}
	f := float64(*a)
	return &f
}

type outcomeResponse struct {
	OK      bool           `json:"ok"`
	Outcome domain.Outcome `json:"outcome"`
	CAPI    string         `json:"capi"`
}

type errorResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(webhook WebhookIngester, sender MessageSender, outcomes OutcomeReporter, cfg Config, logger *slog.Logger) (*Handler, error) {
	if webhook == nil {
		return nil, errors.New("handler: webhook ingester must not be nil")
	}
	if sender == nil {
		return nil, errors.New("handler: message sender must not be nil")
	}
	if outcomes == nil {
		return nil, errors.New("handler: outcome reporter must not be nil")
	}
	if strings.TrimSpace(cfg.VerifyToken) == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	if logger == nil {
		return nil, errors.New("handler: logger must not be nil")
	}
	return &Handler{webhook: webhook, sender: sender, outcomes: outcomes, cfg: cfg, logger: logger}, nil
}

// Handle routes an API Gateway proxy request by method and path suffix.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = newUUID()
	}
	logger := h.logger.With("correlation_id", corrID)

	resp := h.route(ctx, logger, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID

	logger.Info("request handled",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	path := strings.TrimRight(req.Path, "/")
	method := strings.ToUpper(req.HTTPMethod)

	switch {
	case strings.HasSuffix(path, "/webhook"):
		switch method {
		case http.MethodGet:
			return h.verify(req)
		case http.MethodPost:
			return h.receive(ctx, logger, req)
		}
		return methodNotAllowed("GET, POST")
	case strings.HasSuffix(path, "/send"):
		if method != http.MethodPost {
			return methodNotAllowed("POST")
		}
		return h.send(ctx, req)
	case strings.HasSuffix(path, "/outcomes"):
		if method != http.MethodPost {
			return methodNotAllowed("POST")
		}
		return h.reportOutcome(ctx, req)
	case strings.HasSuffix(path, "/health"):
		if method != http.MethodGet {
			return methodNotAllowed("GET")
		}
		return jsonResponse(http.StatusOK, map[string]bool{"ok": true})
	}
	return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
}

// verify answers the gateway's subscription handshake.
func (h *Handler) verify(req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	mode := firstParam(q, "hub.mode", "mode")
	token := firstParam(q, "hub.verify_token", "verify_token")
	challenge := firstParam(q, "hub.challenge", "challenge")

	if mode != "subscribe" || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.VerifyToken)) != 1 {
		return textResponse(http.StatusForbidden, "Forbidden")
	}
	return textResponse(http.StatusOK, challenge)
}

func (h *Handler) receive(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		logger.Warn("webhook body not decodable", "err", err)
		return jsonResponse(http.StatusOK, webhookResponse{OK: true, Note: "invalid body"})
	}
	if h.cfg.AppSecret != "" && !validSignature(h.cfg.AppSecret, body, headerValue(req.Headers, signatureHeader)) {
		logger.Warn("webhook signature mismatch")
		return jsonResponse(http.StatusForbidden, errorResponse{Error: "INVALID_SIGNATURE"})
	}

	res := h.webhook.HandleWebhook(ctx, body)
	return jsonResponse(http.StatusOK, webhookResponse(res))
}

func (h *Handler) send(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in sendRequest
	if err := decodeJSON(req, &in); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}
	out, err := h.sender.Send(ctx, usecase.SendInput{WaID: in.WaID, Text: in.Text})
	if err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusOK, sendResponse{OK: true, WA: out.Gateway, MessageRowID: out.MessageRowID})
}

func (h *Handler) reportOutcome(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in outcomeRequest
	if err := decodeJSON(req, &in); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}
	out, err := h.outcomes.Report(ctx, usecase.OutcomeInput{
		ConversationID: in.ConversationID,
		Outcome:        in.Outcome,
		Value:          in.Value.float(),
		Currency:       in.Currency,
	})
	if err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusOK, outcomeResponse{OK: true, Outcome: out.Outcome, CAPI: out.Dispatch})
}

func (h *Handler) errorResponse(err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	case usecase.ErrorUpstreamTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	}
	return jsonResponse(status, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

// validSignature checks an X-Hub-Signature-256 value against the body.
func validSignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func decodeJSON(req events.APIGatewayProxyRequest, dst any) error {
	body, err := requestBody(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstParam(q map[string]string, names ...string) string {
	for _, n := range names {
		if v := q[n]; v != "" {
			return v
		}
	}
	return ""
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"ok":false,"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func textResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       body,
	}
}

func methodNotAllowed(allow string) events.APIGatewayProxyResponse {
	resp := jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
	resp.Headers["Allow"] = allow
	return resp
}

var newUUID = func() string {
	return uuid.NewString()
}
