// Package credentials resolves the API token used by the remote source.
//
// The token comes either from configuration (Static) or from AWS Secrets
// Manager (SecretsManager). Secret values are never logged.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

var (
	// ErrNoToken is returned when no token is configured.
	ErrNoToken = errors.New("no api token configured")

	// ErrSecretNotFound is returned when the secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretEmpty is returned when the secret exists but has no usable value.
	ErrSecretEmpty = errors.New("secret value is empty")

	// ErrAccessDenied is returned when the AWS credentials may not read the secret.
	ErrAccessDenied = errors.New("access denied to secret")
)

// AWS error codes that map to the sentinel errors above.
const (
	resourceNotFoundException = "ResourceNotFoundException"
	accessDeniedException     = "AccessDeniedException"
)

// TokenProvider returns the bearer token for the source API.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a token taken from configuration or the environment.
type Static string

// Token implements TokenProvider.
func (s Static) Token(context.Context) (string, error) {
	t := strings.TrimSpace(string(s))
	if t == "" {
		return "", ErrNoToken
	}
	return t, nil
}

// ManagerAPI is the subset of the Secrets Manager client used here.
type ManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager reads the token from an AWS Secrets Manager secret. The
// secret is either the bare token or a JSON object with a "token" field.
type SecretsManager struct {
	api      ManagerAPI
	secretID string
	logger   *slog.Logger
}

// NewSecretsManager wraps an existing client.
func NewSecretsManager(api ManagerAPI, secretID string, logger *slog.Logger) *SecretsManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretsManager{api: api, secretID: secretID, logger: logger}
}

// LoadSecretsManager builds a client from the default AWS configuration.
// region overrides the configured region when non-empty.
func LoadSecretsManager(ctx context.Context, secretID, region string, logger *slog.Logger) (*SecretsManager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretsManager(secretsmanager.NewFromConfig(cfg), secretID, logger), nil
}

// Token implements TokenProvider.
func (s *SecretsManager) Token(ctx context.Context) (string, error) {
	if s.secretID == "" {
		return "", errors.New("secret id cannot be empty")
	}
	s.logger.DebugContext(ctx, "retrieving api token", "secret_id", s.secretID)

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return "", classify(err, s.secretID)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case out.SecretBinary != nil:
		raw = string(out.SecretBinary)
	}
	token := extractToken(raw)
	if token == "" {
		return "", fmt.Errorf("%s: %w", s.secretID, ErrSecretEmpty)
	}
	return token, nil
}

func classify(err error, secretID string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case resourceNotFoundException:
			return fmt.Errorf("%s: %w", secretID, ErrSecretNotFound)
		case accessDeniedException:
			return fmt.Errorf("%s: %w", secretID, ErrAccessDenied)
		}
		return fmt.Errorf("get secret %s: %s: %s", secretID, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("get secret %s: %w", secretID, err)
}

func extractToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw
	}
	var doc struct {
		Token    string `json:"token"`
		APIToken string `json:"api_token"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ""
	}
	if doc.Token != "" {
		return strings.TrimSpace(doc.Token)
	}
	return strings.TrimSpace(doc.APIToken)
}
