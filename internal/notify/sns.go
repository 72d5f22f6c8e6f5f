package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/pkg/schema"
)

// maxSubject is the SNS limit on email subjects.
const maxSubject = 100

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes to one topic per channel.
type SNS struct {
	client SNSAPI
	topics map[schema.Channel]string
}

// NewSNS maps the success and failure channels to topic ARNs.
func NewSNS(client SNSAPI, successTopic, failureTopic string) *SNS {
	return &SNS{client: client, topics: map[schema.Channel]string{
		schema.ChannelSuccess: successTopic,
		schema.ChannelFailure: failureTopic,
	}}
}

func (s *SNS) Publish(ctx context.Context, channel schema.Channel, subject, message string) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	topic := s.topics[channel]
	if topic == "" {
		return fmt.Errorf("no topic configured for %s notifications", channel)
	}
	if len(subject) > maxSubject {
		subject = subject[:maxSubject]
	}
	in := &sns.PublishInput{
		TopicArn: aws.String(topic),
		Message:  aws.String(message),
	}
	if subject != "" {
		in.Subject = aws.String(subject)
	}
	if _, err := s.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

var _ engine.Notifier = (*SNS)(nil)
