package main

import (
	"context"
	"flag"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"metergate/internal/config"
	"metergate/internal/logger"
)

// Creates the quota-exhausted topic, its dead-letter topic and the consumer
// subscription on the local Pub/Sub emulator.
func main() {
	pushEndpoint := flag.String("push", "", "Push endpoint for the consumer subscription; empty creates a pull subscription")
	flag.Parse()

	logger := logger.New()
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Failed to load config: %v", err)
	}
	if cfg.GCPProjectID == "" {
		logger.Fatal().Msg("GCP_PROJECT_ID is not set")
	}
	if cfg.PubSubEmulatorHost == "" {
		logger.Fatal().Msg("PUBSUB_EMULATOR_HOST must be set; this tool only targets the emulator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID,
		option.WithEndpoint(cfg.PubSubEmulatorHost),
		option.WithoutAuthentication(),
	)
	if err != nil {
		logger.Fatal().Msgf("Failed to create Pub/Sub client: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close pubsub client")
		}
	}()

	topicID := cfg.PubSubNotifyTopic
	retention := 7 * 24 * time.Hour

	dlq := ensureTopic(ctx, client, logger, topicID+"-dlq", retention)
	topic := ensureTopic(ctx, client, logger, topicID, retention)

	ensureSubscription(ctx, client, logger, topicID+"-sub", pubsub.SubscriptionConfig{
		Topic:       topic,
		PushConfig:  pubsub.PushConfig{Endpoint: *pushEndpoint},
		AckDeadline: 60 * time.Second,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: 10 * time.Second,
			MaximumBackoff: 600 * time.Second,
		},
		DeadLetterPolicy: &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     dlq.String(),
			MaxDeliveryAttempts: 5,
		},
	})
	ensureSubscription(ctx, client, logger, topicID+"-dlq-sub", pubsub.SubscriptionConfig{
		Topic:       dlq,
		AckDeadline: 60 * time.Second,
	})

	logger.Info().Str("topic", topicID).Msg("Pub/Sub setup for local environment complete")
}

func ensureTopic(ctx context.Context, client *pubsub.Client, logger zerolog.Logger, id string, retention time.Duration) *pubsub.Topic {
	topic := client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		logger.Fatal().Msgf("Failed to check topic %s: %v", id, err)
	}
	if exists {
		logger.Info().Str("topic", id).Msg("topic exists")
		return topic
	}
	logger.Info().Str("topic", id).Dur("retention", retention).Msg("creating topic")
	created, err := client.CreateTopicWithConfig(ctx, id, &pubsub.TopicConfig{RetentionDuration: retention})
	if err != nil {
		logger.Fatal().Msgf("Failed to create topic %s: %v", id, err)
	}
	return created
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, logger zerolog.Logger, id string, cfg pubsub.SubscriptionConfig) {
	sub := client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		logger.Fatal().Msgf("Failed to check subscription %s: %v", id, err)
	}
	if !exists {
		logger.Info().Str("subscription", id).Str("push", cfg.PushConfig.Endpoint).Msg("creating subscription")
		if _, err := client.CreateSubscription(ctx, id, cfg); err != nil {
			logger.Fatal().Msgf("Failed to create subscription %s: %v", id, err)
		}
		return
	}

	existing, err := sub.Config(ctx)
	if err != nil {
		logger.Fatal().Msgf("Failed to read subscription %s: %v", id, err)
	}
	if existing.PushConfig.Endpoint == cfg.PushConfig.Endpoint && existing.AckDeadline == cfg.AckDeadline {
		logger.Info().Str("subscription", id).Msg("subscription up to date")
		return
	}
	logger.Info().Str("subscription", id).Msg("updating subscription")
	if _, err := sub.Update(ctx, pubsub.SubscriptionConfigToUpdate{
		PushConfig:  &cfg.PushConfig,
		AckDeadline: cfg.AckDeadline,
		RetryPolicy: cfg.RetryPolicy,
	}); err != nil {
		logger.Fatal().Msgf("Failed to update subscription %s: %v", id, err)
	}
}
