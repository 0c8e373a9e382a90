package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSOptions configures NewAWSResolver.
type AWSOptions struct {
	// Region overrides the SDK's region resolution.
	Region string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string
}

// AWSResolver resolves secret ids against AWS Secrets Manager. The client is
// created on first use so that runs without AWS references never load AWS
// configuration.
type AWSResolver struct {
	opts AWSOptions

	once   sync.Once
	client SecretsManagerAPI
	err    error
}

// NewAWSResolver returns a resolver that loads the default AWS configuration
// lazily.
func NewAWSResolver(opts AWSOptions) *AWSResolver {
	return &AWSResolver{opts: opts}
}

// NewAWSResolverWithClient returns a resolver using client directly.
func NewAWSResolverWithClient(client SecretsManagerAPI) *AWSResolver {
	r := &AWSResolver{client: client}
	r.once.Do(func() {})
	return r
}

func (r *AWSResolver) init(ctx context.Context) (SecretsManagerAPI, error) {
	r.once.Do(func() {
		var loadOpts []func(*config.LoadOptions) error
		if r.opts.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(r.opts.Region))
		}
		if r.opts.Endpoint != "" && r.opts.Region == "" {
			loadOpts = append(loadOpts, config.WithRegion("us-east-1"))
		}

		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			r.err = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}

		r.client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
			if r.opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(r.opts.Endpoint)
			}
		})
	})
	return r.client, r.err
}

// Resolve fetches the current value of the secret with the given id or ARN.
func (r *AWSResolver) Resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", errors.New("secret id cannot be empty")
	}

	client, err := r.init(ctx)
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return "", fmt.Errorf("secret %q: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get secret %q: %w", id, err)
	}

	switch {
	case out.SecretString != nil:
		return strings.TrimSpace(*out.SecretString), nil
	case out.SecretBinary != nil:
		return strings.TrimSpace(string(out.SecretBinary)), nil
	default:
		return "", fmt.Errorf("secret %q has no value", id)
	}
}
