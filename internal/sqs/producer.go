// Package sqs publishes reminder outcome events to an SQS queue for
// downstream consumers such as billing or analytics.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/scheduler"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

type sendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Event is the payload sent to SQS.
type Event struct {
	Type       string            `json:"type"`
	Outcome    scheduler.Outcome `json:"outcome"`
	EnqueuedAt int64             `json:"enqueued_at"`
}

// EventType is the Type of every event this producer sends.
const EventType = "reminder.outcome"

// Producer sends one event per reminder outcome.
type Producer struct {
	client   sendAPI
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs outcome producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newProducer(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

func newProducer(client sendAPI, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{client: client, queueURL: queueURL, logger: logger, now: time.Now}
}

func (p *Producer) Name() string { return "sqs_outcomes" }

// RecordOutcome enqueues o. The ledger entry id is the deduplication id, so
// FIFO queues drop repeats and standard queues ignore it.
func (p *Producer) RecordOutcome(ctx context.Context, o scheduler.Outcome) error {
	body, err := json.Marshal(Event{
		Type:       EventType,
		Outcome:    o,
		EnqueuedAt: p.now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(o.Status)),
			},
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(o.Channel)),
			},
		},
	}
	if isFIFO(p.queueURL) {
		input.MessageGroupId = aws.String(o.SubscriptionID.String())
		input.MessageDeduplicationId = aws.String(o.EntryID.String())
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send outcome to sqs",
			zap.Error(err),
			zap.String("entry_id", o.EntryID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("outcome enqueued",
		zap.String("entry_id", o.EntryID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
