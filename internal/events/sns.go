package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSClient is the slice of the SNS API the publisher uses.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// AWSConfig locates the AWS endpoint. Endpoint is for LocalStack.
type AWSConfig struct {
	Region   string
	Endpoint string
}

// SNSPublisher publishes events to a topic. Subscribers can filter on
// the event_type, channel and category message attributes.
type SNSPublisher struct {
	client   SNSClient
	topicARN string
}

// NewSNSPublisher loads AWS config and creates a publisher for topicARN.
func NewSNSPublisher(ctx context.Context, topicARN string, cfg AWSConfig) (*SNSPublisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSNSPublisherWithClient(client, topicARN), nil
}

func NewSNSPublisherWithClient(client SNSClient, topicARN string) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN}
}

func (p *SNSPublisher) Name() string { return "sns" }

// Publish sends e to the topic.
func (p *SNSPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: snsAttributes(e),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

func snsAttributes(e Event) map[string]types.MessageAttributeValue {
	attr := func(v string) types.MessageAttributeValue {
		return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return map[string]types.MessageAttributeValue{
		"event_type": attr(e.Type),
		"channel":    attr(e.Channel),
		"category":   attr(e.Category),
	}
}
