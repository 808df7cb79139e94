// Package app wires the chat service from configuration. It is shared by the
// Lambda and standalone server binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"kitty-chat/internal/config"
	"kitty-chat/internal/integrations/openai"
	"kitty-chat/internal/integrations/paramstore"
	"kitty-chat/internal/repository"
	"kitty-chat/internal/usecase"
)

// awsConfigLoader is swapped in tests.
var awsConfigLoader = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// NewChatService builds the provider client, the optional history cache and
// the chat service described by cfg.
func NewChatService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*usecase.ChatService, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		loaded, err := awsConfigLoader(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = loaded
	}

	var (
		getter  openai.Getter = config.Env{}
		keyName               = config.EnvAPIKey
	)
	if cfg.UsesSSM() {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("app: create SSM client: %w", err)
		}
		getter = ssmClient
		keyName = paramstore.APIKeyName(cfg.ParamPrefix)
		logger.Info("reading API key from parameter store", "name", keyName)
	}

	var opts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	client, err := openai.NewClient(getter, keyName, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}

	var cache usecase.HistoryCache
	if cfg.HistoryCacheTable != "" {
		hc, err := repository.NewHistoryCache(awsdynamodb.NewFromConfig(awsCfg), cfg.HistoryCacheTable, cfg.HistoryCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("app: create history cache: %w", err)
		}
		cache = hc
		logger.Info("history cache enabled", "table", cfg.HistoryCacheTable, "ttl", cfg.HistoryCacheTTL)
	}

	svc, err := usecase.NewChatService(client, cache, cfg.FetchConcurrency, logger)
	if err != nil {
		return nil, fmt.Errorf("app: create chat service: %w", err)
	}
	return svc, nil
}
