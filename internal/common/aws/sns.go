// internal/common/aws/sns.go
package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"docgen/internal/common/logger"
	"docgen/internal/models"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the part of *sns.Client the publisher calls.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher announces terminal job updates on a topic so other systems
// (billing, mail) can react without polling.
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	logger   logger.Logger
}

func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

func NewSNSPublisher(client SNSAPI, topicARN string, log logger.Logger) *SNSPublisher {
	return &SNSPublisher{
		client:   client,
		topicARN: topicARN,
		logger: log.WithFields(map[string]interface{}{
			"component": "sns-publisher",
			"topic":     topicARN,
		}),
	}
}

// Emit publishes update as JSON with status and error kind attributes for
// subscription filter policies.
func (p *SNSPublisher) Emit(ctx context.Context, update models.JobUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal job update: %w", err)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"status": stringAttr(string(update.Status)),
	}
	if update.ErrorKind != "" {
		attrs["errorKind"] = stringAttr(update.ErrorKind)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          awssdk.String(p.topicARN),
		Message:           awssdk.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("publish job %s: %w", update.JobID, err)
	}

	p.logger.Debug("job event published", map[string]interface{}{
		"jobId":     update.JobID,
		"messageId": awssdk.ToString(out.MessageId),
	})
	return nil
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{
		DataType:    awssdk.String("String"),
		StringValue: awssdk.String(v),
	}
}
