// Package aws provides an AWS SNS/SQS transport. Each channel id is an SNS
// topic; listeners consume through an SQS queue subscribed to it.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/xigadee/microservice/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// LocalStack accepts any 12 digit account id; this is its documented default.
const localstackAccountID = "000000000000"

// Factories are variables so tests can replace the AWS side.
var (
	DefaultConfigLoader  = awsconfig.LoadDefaultConfig
	TopicResolverFactory = sns.NewGenerateArnTopicResolver

	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// TopicName maps a channel id onto a valid SNS topic name.
func TopicName(channelID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, channelID)
}

// Build creates a transport whose senders publish to SNS and whose listeners
// read from per-topic SQS queues.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	env, err := loadEnvironment(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("aws transport configured", watermill.LogFields{
		"region":   env.region,
		"account":  env.accountID,
		"endpoint": env.endpointString(),
		"custom":   env.endpoint != nil,
	})

	resolver, err := TopicResolverFactory(env.accountID, env.region)
	if err != nil {
		return nil, fmt.Errorf("sns topic resolver for account %q in %q: %w", env.accountID, env.region, err)
	}

	snsOpts, sqsOpts := env.clientOptions()

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     env.aws,
		OptFns:        snsOpts,
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            env.aws,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueForTopic,
		},
		sqs.SubscriberConfig{AWSConfig: env.aws, OptFns: sqsOpts},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	opts := append(transport.ConfigOptions(cfg, transport.AWSCapabilities, logger), transport.WithTopic(TopicName))
	return transport.NewPubSub(TransportName, publisher, subscriber, opts...), nil
}

// environment is the resolved AWS settings shared by publisher and subscriber.
type environment struct {
	aws       aws.Config
	accountID string
	region    string
	endpoint  *url.URL
}

func loadEnvironment(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (environment, error) {
	var (
		env      environment
		loadOpts []func(*awsconfig.LoadOptions) error
	)
	if cfg != nil {
		if region := cfg.GetAWSRegion(); region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(region))
		}
		if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
		}
	}

	loaded, err := DefaultConfigLoader(ctx, loadOpts...)
	if err != nil {
		logger.Error("aws config load failed", err, nil)
		return env, fmt.Errorf("load aws config: %w", err)
	}
	env.aws = loaded

	env.endpoint, err = parseEndpoint(cfg)
	if err != nil {
		return env, err
	}
	if env.endpoint == nil && loaded.BaseEndpoint != nil && *loaded.BaseEndpoint != "" {
		if env.endpoint, err = url.Parse(*loaded.BaseEndpoint); err != nil {
			return env, fmt.Errorf("parse aws base endpoint: %w", err)
		}
	}

	env.accountID, env.region = resolveAccount(cfg, logger, loaded.Region)
	env.aws.Region = env.region
	return env, nil
}

// clientOptions points both SDK clients at a custom endpoint when one is set.
func (e environment) clientOptions() ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if e.endpoint == nil {
		return nil, nil
	}
	target := smithyendpoints.Endpoint{URI: *e.endpoint}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: target}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: target}),
	}
	return snsOpts, sqsOpts
}

func (e environment) endpointString() string {
	if e.endpoint == nil {
		return ""
	}
	return e.endpoint.String()
}

// resolveAccount picks the account id and region. With a custom endpoint an
// empty or malformed account id falls back to the LocalStack default.
func resolveAccount(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	account := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	if cfg.GetAWSEndpoint() != "" && len(account) != len(localstackAccountID) {
		if account != "" {
			logger.Info("ignoring malformed aws account id for custom endpoint", watermill.LogFields{"account": account})
		}
		account = localstackAccountID
	}
	return account, region
}

func parseEndpoint(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("parse aws endpoint: %w", err)
	}
	return u, nil
}

// queueForTopic names the SQS queue after the SNS topic it drains.
func queueForTopic(_ context.Context, arn sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(arn)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

func staticCredentials(key, secret string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret}, nil
	})
}
