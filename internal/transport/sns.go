package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/renewd/internal/dispatch"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSMS sends SMS reminders via AWS SNS, throttled to the account's send rate.
type SNSSMS struct {
	client   snsAPI
	limiter  *rate.Limiter
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region string
	// RatePerSecond caps outgoing messages; zero means unlimited.
	RatePerSecond float64
	// SenderID is shown on handsets where the carrier supports it.
	SenderID string
}

// NewSNSSMS creates a new SNS transport for SMS reminders
func NewSNSSMS(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSMS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSMS{
		client:   sns.NewFromConfig(awsCfg),
		limiter:  newLimiter(cfg.RatePerSecond),
		senderID: cfg.SenderID,
		logger:   logger,
	}, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// SendSMS publishes a transactional SMS
func (s *SNSSMS) SendSMS(ctx context.Context, to, body string) (*dispatch.Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("sms rate limiter: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(to),
		Message:           aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		if recipientRejected(err) {
			return nil, dispatch.Reject(fmt.Errorf("sns publish failed: %w", err))
		}
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("phone_number", to),
		zap.String("message_id", messageID),
	)

	return &dispatch.Result{Provider: "sns", MessageID: messageID}, nil
}

// recipientRejected reports whether SNS refused the phone number itself
// rather than failing as a service.
func recipientRejected(err error) bool {
	var invalid *types.InvalidParameterException
	var invalidValue *types.InvalidParameterValueException
	return errors.As(err, &invalid) || errors.As(err, &invalidValue)
}
