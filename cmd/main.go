package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"wa-relay/handler"
	"wa-relay/internal/audit"
	"wa-relay/internal/conversion"
	"wa-relay/internal/integrations/capi"
	"wa-relay/internal/integrations/paramstore"
	"wa-relay/internal/integrations/whatsapp"
	"wa-relay/internal/repository"
	"wa-relay/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// ---- Configuration (read only here) ----
	stateTable := mustEnv(logger, "STATE_TABLE")
	paramPrefix := mustEnv(logger, "PARAM_PREFIX")
	graphVersion := os.Getenv("GRAPH_API_VERSION")
	spreadsheetID := os.Getenv("SHEETS_SPREADSHEET_ID")
	gatewayTimeout := envDuration("GATEWAY_TIMEOUT", 10*time.Second)
	conversionTimeout := envDuration("CONVERSION_TIMEOUT", 10*time.Second)
	auditTimeout := envDuration("AUDIT_TIMEOUT", 5*time.Second)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal(logger, "failed to load AWS config", err)
	}

	// ---- Secrets ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		fatal(logger, "failed to create SSM client", err)
	}
	secrets, err := paramstore.LoadSecrets(ctx, ssmClient, paramPrefix)
	if err != nil {
		fatal(logger, "failed to load secrets", err)
	}

	// ---- Clients ----
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		fatal(logger, "failed to create state client", err)
	}

	waOpts := []whatsapp.Option{whatsapp.WithTimeout(gatewayTimeout)}
	capiOpts := []capi.Option{capi.WithTimeout(conversionTimeout), capi.WithTestEventCode(secrets.TestEventCode)}
	if graphVersion != "" {
		waOpts = append(waOpts, whatsapp.WithAPIVersion(graphVersion))
		capiOpts = append(capiOpts, capi.WithAPIVersion(graphVersion))
	}
	gateway, err := whatsapp.NewClient(secrets.PhoneNumberID, secrets.WhatsAppToken, waOpts...)
	if err != nil {
		fatal(logger, "failed to create WhatsApp client", err)
	}
	capiClient, err := capi.NewClient(secrets.PixelID, secrets.CAPIToken, capiOpts...)
	if err != nil {
		fatal(logger, "failed to create conversions client", err)
	}

	var mirror audit.Mirrorer = audit.Nop{}
	if spreadsheetID != "" && len(secrets.ServiceAccountJSON) > 0 {
		appender, err := audit.NewSheetsAppender(ctx, spreadsheetID, secrets.ServiceAccountJSON)
		if err != nil {
			fatal(logger, "failed to create sheets appender", err)
		}
		sink, err := audit.NewSink(appender, logger, auditTimeout)
		if err != nil {
			fatal(logger, "failed to create audit sink", err)
		}
		mirror = sink
	} else {
		logger.Info("audit log disabled", "spreadsheet_configured", spreadsheetID != "")
	}

	// ---- Services ----
	dispatcher, err := conversion.NewDispatcher(capiClient, store, logger, conversionTimeout)
	if err != nil {
		fatal(logger, "failed to create conversion dispatcher", err)
	}
	ingest, err := usecase.NewIngestService(store, mirror, logger)
	if err != nil {
		fatal(logger, "failed to create ingest service", err)
	}
	send, err := usecase.NewSendService(store, gateway, mirror, logger, gatewayTimeout)
	if err != nil {
		fatal(logger, "failed to create send service", err)
	}
	outcomes, err := usecase.NewOutcomeService(store, dispatcher, logger)
	if err != nil {
		fatal(logger, "failed to create outcome service", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(ingest, send, outcomes, handler.Config{
		VerifyToken: secrets.VerifyToken,
		AppSecret:   secrets.AppSecret,
	}, logger)
	if err != nil {
		fatal(logger, "failed to create handler", err)
	}

	lambda.Start(h.Handle)
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

// envDuration accepts Go durations ("8s") or whole seconds ("8").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
