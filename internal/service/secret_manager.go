package service

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"

	"metergate/internal/config"
)

// SecretResolver returns the latest version of a named secret.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

type secretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

func NewSecretManagerService(ctx context.Context, cfg *config.Config) (SecretResolver, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID is required to read secrets")
	}
	var opts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &secretManagerService{client: client, projectID: cfg.GCPProjectID}, nil
}

// Resolve accepts a bare secret name or a full resource path.
func (s *secretManagerService) Resolve(ctx context.Context, name string) (string, error) {
	resourceName := name
	if !strings.HasPrefix(name, "projects/") {
		resourceName = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)
	}
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resourceName})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %w", name, err)
	}
	return strings.TrimSpace(string(result.Payload.Data)), nil
}

// LoadSecrets fills credentials that are configured by secret name.
func LoadSecrets(ctx context.Context, cfg *config.Config, r SecretResolver) error {
	targets := []struct {
		name string
		dst  *string
	}{
		{cfg.OpenAIAPIKeySecret, &cfg.OpenAIAPIKey},
		{cfg.StripeSecretKeySecret, &cfg.StripeSecretKey},
	}
	for _, t := range targets {
		if t.name == "" {
			continue
		}
		v, err := r.Resolve(ctx, t.name)
		if err != nil {
			return err
		}
		*t.dst = v
	}
	return nil
}
