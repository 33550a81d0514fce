package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/authd/adapter"
	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/authd/port"
	"github.com/taskhive/auth-core/internal/cipher"
	"github.com/taskhive/auth-core/internal/config"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/dynamo"
	"github.com/taskhive/auth-core/internal/redis"
	"github.com/taskhive/auth-core/internal/server"
)

// setup is the authd composition root. It creates infrastructure clients,
// adapters, the auth service, the janitor, and registers the HTTP handlers.
func setup(ctx context.Context, deps server.SetupDeps) (func(context.Context) error, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// 1. Infrastructure clients.
	dynamoClient, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.DynamoDB.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("authd setup: create dynamo client: %w", err)
	}

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
		PoolSize:     cfg.Redis.PoolSize,
	})

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("authd setup: load AWS config: %w", err)
	}

	// 2. Adapters. The code store is write-through: Redis in front,
	// DynamoDB behind it for Redis outages.
	redisCodes := adapter.NewRedisCodeStore(redisClient.RDB, clock)
	dynamoCodes := adapter.NewDynamoCodeStore(dynamoClient.DB, cfg.DynamoDB.OTPFallbackTable, clock)
	codeStore := adapter.NewFailoverCodeStore(redisCodes, dynamoCodes, logger)

	userStore := adapter.NewUserStore(dynamoClient.DB, cfg.DynamoDB.UsersTable)
	refreshStore := adapter.NewRefreshStore(dynamoClient.DB, cfg.DynamoDB.RefreshTable)
	auditStore := adapter.NewAuditStore(dynamoClient.DB, cfg.DynamoDB.AuditTable)
	blacklist := adapter.NewBlacklistStore(redisClient.RDB, dynamoClient.DB,
		cfg.DynamoDB.BlacklistTable, clock, logger)
	rateLimiter := adapter.NewRateLimiter(redisClient.RDB, adapter.RateLimiterLimits{
		SMSPerPhoneHourly: cfg.Limits.SMSPerPhoneHourly,
		SMSPerPhoneDaily:  cfg.Limits.SMSPerPhoneDaily,
		VerifyPerIPHourly: cfg.Limits.VerifyPerIPHourly,
	})

	// 3. Key store + SMS delivery (environment-dependent).
	keyStore, err := createKeyStore(ctx, cfg, awsCfg, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("authd setup: create key store: %w", err)
	}

	sms := createSMSSender(cfg, awsCfg, clock, logger)

	// 4. Auth core.
	codeCipher, err := cipher.New(clock)
	if err != nil {
		return nil, fmt.Errorf("authd setup: create cipher: %w", err)
	}
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:  keyStore,
		AccessTTL: cfg.JWT.AccessTTL,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		Clock:     clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Clock:    clock,
	})

	// 5. Auth service.
	authSvc := app.NewAuthService(app.AuthServiceConfig{
		CodeStore:    codeStore,
		UserStore:    userStore,
		RefreshStore: refreshStore,
		Blacklist:    blacklist,
		RateLimiter:  rateLimiter,
		AuditStore:   auditStore,
		SMS:          sms,
		Cipher:       codeCipher,
		Minter:       minter,
		Validator:    validator,
		Clock:        clock,
		Limits: app.Limits{
			SMSPerPhoneHourly: cfg.Limits.SMSPerPhoneHourly,
			SMSPerPhoneDaily:  cfg.Limits.SMSPerPhoneDaily,
			VerifyPerIPHourly: cfg.Limits.VerifyPerIPHourly,
			ResendCooldown:    cfg.Limits.ResendCooldown,
			MaxVerifyAttempts: cfg.Limits.MaxVerifyAttempts,
			CodeValidity:      cfg.Limits.CodeValidity,
		},
		Logger: logger,
	})

	// 6. Janitor sweeps expired credentials, blacklist entries, fallback
	// code rows, and old audit entries.
	janitor := app.NewJanitor(app.JanitorConfig{
		RefreshStore: refreshStore,
		Blacklist:    blacklist,
		CodePurger:   dynamoCodes,
		AuditStore:   auditStore,
		Clock:        clock,
		Logger:       logger,
	})
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		if runErr := janitor.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("janitor stopped", slog.String("error", runErr.Error()))
		}
	}()

	// 7. HTTP handlers, with deep readiness probes.
	probes := []app.HealthProbe{
		adapter.NewRedisProbe(redisClient.RDB),
		adapter.NewDynamoProbe(dynamoClient.DB, cfg.DynamoDB.UsersTable),
	}
	if probe, ok := sms.(app.HealthProbe); ok {
		probes = append(probes, probe)
	}
	handler := port.NewAuthHandler(authSvc, logger, probes...)
	handler.Register(deps.HTTPMux)

	logger.InfoContext(ctx, "authd service initialized",
		slog.String("sms_provider", sms.Name()))

	cleanup := func(_ context.Context) error {
		<-janitorDone
		return redisClient.Close()
	}
	return cleanup, nil
}

// loadAWSConfig builds the shared AWS config used by the SNS, Secrets
// Manager, and SSM clients. LocalStack endpoints get static test credentials.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("test", "test", ""),
			),
			awsconfig.WithBaseEndpoint(cfg.AWS.Endpoint),
		)
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// createKeyStore returns the signing-key source for the environment.
// Local: an ephemeral RSA key pair (no AWS dependency). A configured PEM
// path wins next; production falls through to Secrets Manager + SSM.
func createKeyStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, clock domain.Clock, logger *slog.Logger) (auth.KeyStore, error) {
	switch {
	case cfg.IsLocal():
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev RSA key: %w", err)
		}
		logger.Info("using ephemeral RSA key for local development",
			slog.String("key_id", cfg.JWT.KeyID))
		return auth.NewStaticKeyStore(key, cfg.JWT.KeyID), nil

	case cfg.JWT.PrivateKeyPath != "":
		return auth.NewFileKeyStore(cfg.JWT.PrivateKeyPath, cfg.JWT.KeyID)

	default:
		return adapter.NewAWSKeyStore(ctx,
			secretsmanager.NewFromConfig(awsCfg), ssm.NewFromConfig(awsCfg), clock)
	}
}

// createSMSSender returns the delivery chain for the environment.
// Local: logs masked deliveries instead of sending real SMS. Otherwise the
// configured primary provider fronts the other behind the failover wrapper.
func createSMSSender(cfg *config.Config, awsCfg aws.Config, clock domain.Clock, logger *slog.Logger) app.SMSSender {
	if cfg.IsLocal() {
		logger.Info("using log-only SMS delivery for local development")
		return adapter.NewLogProvider(logger)
	}

	snsProvider := adapter.NewSNSProvider(sns.NewFromConfig(awsCfg), cfg.SMS.SenderID)
	twilioProvider := adapter.NewTwilioProvider(adapter.TwilioConfig{
		AccountSID: cfg.SMS.Twilio.AccountSID,
		AuthToken:  cfg.SMS.Twilio.AuthToken,
		From:       cfg.SMS.Twilio.From,
		HTTPClient: &http.Client{Timeout: domain.SMSTimeout},
	})

	primary, backup := app.SMSSender(snsProvider), app.SMSSender(twilioProvider)
	if cfg.SMS.Primary == "twilio" {
		primary, backup = twilioProvider, snsProvider
	}
	return adapter.NewFailoverSMS(adapter.FailoverSMSConfig{
		Primary:  primary,
		Backup:   backup,
		Clock:    clock,
		Logger:   logger,
		Cooldown: cfg.SMS.FailoverCooldown,
	})
}
