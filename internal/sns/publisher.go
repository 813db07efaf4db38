// Package sns publishes operator alerts for failed reminders to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/ledger"
	"github.com/lalithlochan/renewd/internal/scheduler"
)

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Alert is the message body sent to operators.
type Alert struct {
	EntryID          string `json:"entry_id"`
	UserID           string `json:"user_id"`
	SubscriptionID   string `json:"subscription_id"`
	SubscriptionName string `json:"subscription_name"`
	Channel          string `json:"channel"`
	DaysBefore       int    `json:"days_before"`
	RenewsOn         string `json:"renews_on"`
	Error            string `json:"error"`
	FailedAt         string `json:"failed_at"`
}

// Publisher sends an alert for every failed reminder. Successful outcomes are ignored.
type Publisher struct {
	client   publishAPI
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("operator alert publisher initialized", zap.String("topic_arn", topicARN))
	return newPublisher(sns.NewFromConfig(cfg), topicARN, logger), nil
}

func newPublisher(client publishAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *Publisher) Name() string { return "sns_alerts" }

// RecordOutcome publishes o when it is a failure.
func (p *Publisher) RecordOutcome(ctx context.Context, o scheduler.Outcome) error {
	if o.Status != ledger.StatusFailed {
		return nil
	}

	alert := Alert{
		EntryID:          o.EntryID.String(),
		UserID:           o.UserID.String(),
		SubscriptionID:   o.SubscriptionID.String(),
		SubscriptionName: o.SubscriptionName,
		Channel:          string(o.Channel),
		DaysBefore:       o.DaysBefore,
		RenewsOn:         o.ScheduledAt.Format(time.DateOnly),
		Error:            o.Error,
		FailedAt:         o.At.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(fmt.Sprintf("Reminder failed: %s via %s", o.SubscriptionName, o.Channel)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(o.Channel)),
			},
			"days_before": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(fmt.Sprintf("%d", o.DaysBefore)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("operator alert published",
		zap.String("entry_id", alert.EntryID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
