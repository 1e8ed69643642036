package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPushSender delivers push notifications to SNS platform endpoints. Push
// tokens are the endpoint ARNs registered by the mobile apps.
type SNSPushSender struct {
	svc snsAPI
}

func NewSNSPushSender(cfg aws.Config) *SNSPushSender {
	return &SNSPushSender{svc: sns.NewFromConfig(cfg)}
}

// Send publishes msg to every endpoint in tokens and returns how many were
// accepted. Per-endpoint failures are joined into the returned error.
func (s *SNSPushSender) Send(ctx context.Context, tokens []string, msg domain.PushMessage) (int, error) {
	body, err := platformMessage(msg)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for _, token := range tokens {
		out, err := s.svc.Publish(ctx, &sns.PublishInput{
			TargetArn:        aws.String(token),
			Message:          aws.String(body),
			MessageStructure: aws.String("json"),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", token, err))
			continue
		}
		delivered++
		log.Debug().Str("message_id", aws.ToString(out.MessageId)).Msg("push published")
	}
	return delivered, errors.Join(errs...)
}

// platformMessage builds the per-platform JSON envelope SNS expects when
// MessageStructure is json.
func platformMessage(msg domain.PushMessage) (string, error) {
	fcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data":         msg.Data,
	})
	if err != nil {
		return "", err
	}
	apns, err := json.Marshal(map[string]any{
		"aps":  map[string]any{"alert": map[string]string{"title": msg.Title, "body": msg.Body}, "sound": "default"},
		"data": msg.Data,
	})
	if err != nil {
		return "", err
	}
	env, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(fcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	return string(env), err
}
