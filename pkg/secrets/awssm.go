package secrets

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/architect-io/runflow/pkg/errors"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client used by
// the provider. Satisfied by *secretsmanager.Client.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider resolves credentials from AWS Secrets Manager.
// JSON secret payloads map keys to credential components; plain string
// payloads resolve as a single "secret" component.
type SecretsManagerProvider struct {
	client SecretsManagerAPI
}

// NewSecretsManagerProvider creates a provider using the default AWS
// credential chain.
func NewSecretsManagerProvider(ctx context.Context) (*SecretsManagerProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.CredentialBackendUnavailable("aws-secretsmanager", err)
	}
	return &SecretsManagerProvider{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewSecretsManagerProviderWithClient creates a provider over an existing
// client. Used by tests.
func NewSecretsManagerProviderWithClient(client SecretsManagerAPI) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client}
}

// Name returns "aws-secretsmanager".
func (p *SecretsManagerProvider) Name() string { return "aws-secretsmanager" }

// Get fetches the secret value for id.
func (p *SecretsManagerProvider) Get(ctx context.Context, id string) (*Credential, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if stderrors.As(err, &notFound) {
			return nil, errors.CredentialNotFound(id)
		}
		return nil, err
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case out.SecretBinary != nil:
		payload = string(out.SecretBinary)
	default:
		return nil, errors.CredentialNotFound(id)
	}

	values := map[string]string{}
	var fields map[string]string
	if err := json.Unmarshal([]byte(payload), &fields); err == nil && len(fields) > 0 {
		values = fields
	} else {
		values["secret"] = payload
	}

	return &Credential{ID: id, Kind: inferKind(values), Values: values}, nil
}
