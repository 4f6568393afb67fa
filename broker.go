package mqworker

import (
	"context"

	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// NewEndpoint returns a new endpoint configured for the provider in config.
// Call config.Validate first; NewEndpoint only checks what it needs.
func NewEndpoint(ctx context.Context, config Config) (Endpoint, error) {
	switch config.Provider {
	case ProviderAWS:
		session, err := newAWSSession(config.AWSRegion, config.AWSEndpoint)
		if err != nil {
			return nil, configError("create aws session: %v", err)
		}
		endpoint, err := NewSQSEndpoint(sqs.New(session))
		if err != nil {
			return nil, err
		}
		return endpoint, nil
	case ProviderSNS:
		session, err := newAWSSession(config.AWSRegion, config.AWSEndpoint)
		if err != nil {
			return nil, configError("create aws session: %v", err)
		}
		endpoint, err := NewSNSEndpoint(sns.New(session))
		if err != nil {
			return nil, err
		}
		return endpoint, nil
	case ProviderGCloud:
		endpoint, err := NewPubSubEndpoint(ctx, config.GCloudProject)
		if err != nil {
			return nil, err
		}
		return endpoint, nil
	case ProviderMemory:
		return NewMemoryEndpoint(DefaultMemoryVisibilityTimeout), nil
	default:
		return nil, configError("unrecognized provider %q", config.Provider)
	}
}

// NewSQSAdminFromConfig returns an SQS administrator for config's region.
func NewSQSAdminFromConfig(config Config) (*SQSAdmin, error) {
	session, err := newAWSSession(config.AWSRegion, config.AWSEndpoint)
	if err != nil {
		return nil, configError("create aws session: %v", err)
	}

	return NewSQSAdmin(sns.New(session), sqs.New(session)), nil
}

// NewDeduplicator returns the deduplicator config asks for: Redis when
// RedisAddr is set, nil otherwise.
func NewDeduplicator(ctx context.Context, config Config) (Deduplicator, error) {
	if config.RedisAddr == "" {
		return nil, nil
	}

	dedup, err := NewRedisDeduplicator(ctx, config.RedisAddr, config.DedupTTL)
	if err != nil {
		return nil, err
	}

	return dedup, nil
}
