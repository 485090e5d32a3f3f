// Command devserver runs the Lambda handler behind a local gin server with an
// in-memory store. Secrets come from the environment or a .env file.
package main

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"wa-relay/handler"
	"wa-relay/internal/audit"
	"wa-relay/internal/conversion"
	"wa-relay/internal/integrations/capi"
	"wa-relay/internal/integrations/whatsapp"
	"wa-relay/internal/repository"
	"wa-relay/internal/usecase"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to read .env", "err", err)
	}

	addr := envOr("DEV_ADDR", ":8080")
	graphURL := os.Getenv("GRAPH_BASE_URL")

	waOpts := []whatsapp.Option{}
	capiOpts := []capi.Option{capi.WithTestEventCode(os.Getenv("CAPI_TEST_EVENT_CODE"))}
	if graphURL != "" {
		waOpts = append(waOpts, whatsapp.WithBaseURL(graphURL))
		capiOpts = append(capiOpts, capi.WithBaseURL(graphURL))
	}

	store := repository.NewMemory()
	gateway, err := whatsapp.NewClient(mustEnv(logger, "WHATSAPP_PHONE_NUMBER_ID"), mustEnv(logger, "WHATSAPP_TOKEN"), waOpts...)
	if err != nil {
		fatal(logger, "failed to create WhatsApp client", err)
	}
	capiClient, err := capi.NewClient(mustEnv(logger, "CAPI_PIXEL_ID"), mustEnv(logger, "CAPI_TOKEN"), capiOpts...)
	if err != nil {
		fatal(logger, "failed to create conversions client", err)
	}

	var mirror audit.Mirrorer = audit.Nop{}
	if id, creds := os.Getenv("SHEETS_SPREADSHEET_ID"), os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"); id != "" && creds != "" {
		raw, err := os.ReadFile(creds)
		if err != nil {
			fatal(logger, "failed to read service account file", err)
		}
		appender, err := audit.NewSheetsAppender(context.Background(), id, raw)
		if err != nil {
			fatal(logger, "failed to create sheets appender", err)
		}
		if mirror, err = audit.NewSink(appender, logger, 0); err != nil {
			fatal(logger, "failed to create audit sink", err)
		}
	}

	dispatcher, err := conversion.NewDispatcher(capiClient, store, logger, 0)
	if err != nil {
		fatal(logger, "failed to create conversion dispatcher", err)
	}
	ingest, err := usecase.NewIngestService(store, mirror, logger)
	if err != nil {
		fatal(logger, "failed to create ingest service", err)
	}
	send, err := usecase.NewSendService(store, gateway, mirror, logger, 0)
	if err != nil {
		fatal(logger, "failed to create send service", err)
	}
	outcomes, err := usecase.NewOutcomeService(store, dispatcher, logger)
	if err != nil {
		fatal(logger, "failed to create outcome service", err)
	}
	h, err := handler.NewHandler(ingest, send, outcomes, handler.Config{
		VerifyToken: mustEnv(logger, "VERIFY_TOKEN"),
		AppSecret:   os.Getenv("WHATSAPP_APP_SECRET"),
	}, logger)
	if err != nil {
		fatal(logger, "failed to create handler", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Any("/*path", proxy(h))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("dev server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(logger, "server stopped", err)
	}
}

// proxy converts a gin request into an API Gateway proxy event and writes the
// handler's response back.
func proxy(h *handler.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		req := toProxyRequest(c.Request, body)

		resp, err := h.Handle(c.Request.Context(), req)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		for k, v := range resp.Headers {
			c.Header(k, v)
		}
		out := []byte(resp.Body)
		if resp.IsBase64Encoded {
			if out, err = base64.StdEncoding.DecodeString(resp.Body); err != nil {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
		}
		c.Data(resp.StatusCode, resp.Headers["Content-Type"], out)
	}
}

func toProxyRequest(r *http.Request, body []byte) events.APIGatewayProxyRequest {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ",")
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	req := events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               headers,
		QueryStringParameters: query,
	}
	if utf8.Valid(body) {
		req.Body = string(body)
	} else {
		req.Body = base64.StdEncoding.EncodeToString(body)
		req.IsBase64Encoded = true
	}
	return req
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

func mustEnv(logger *slog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
