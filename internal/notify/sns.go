package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/model"
)

// SNSAPI is the subset of the SNS client used by SNSPublisher.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetTopicAttributes(ctx context.Context, in *sns.GetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error)
}

// maxSNSSubject is the SNS limit on subject length.
const maxSNSSubject = 100

// SNSPublisher publishes notifications to an SNS topic.
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
}

// NewSNSPublisher creates a publisher for the given topic.
func NewSNSPublisher(client SNSAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN}
}

// Channel returns the topic ARN.
func (p *SNSPublisher) Channel() string { return p.topicARN }

// Publish sends the document as the message body. The execution id travels as
// a message attribute so subscriptions can filter on it.
func (p *SNSPublisher) Publish(ctx context.Context, n model.Notification) (model.PublishReceipt, error) {
	body, err := n.Body.Bytes()
	if err != nil {
		return model.PublishReceipt{}, fmt.Errorf("encode notification: %w", err)
	}

	in := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"execution_id": {DataType: aws.String("String"), StringValue: aws.String(n.ExecutionID)},
		},
	}
	for k, v := range observability.InjectTraceMap(ctx) {
		in.MessageAttributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	if n.Subject != "" {
		subject := n.Subject
		if len(subject) > maxSNSSubject {
			subject = subject[:maxSNSSubject]
		}
		in.Subject = aws.String(subject)
	}

	out, err := p.client.Publish(ctx, in)
	if err != nil {
		return model.PublishReceipt{}, fmt.Errorf("sns publish %s: %w", p.topicARN, err)
	}
	return model.PublishReceipt{
		MessageID:   aws.ToString(out.MessageId),
		Channel:     p.topicARN,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// HealthCheck reads the topic attributes.
func (p *SNSPublisher) HealthCheck(ctx context.Context) error {
	_, err := p.client.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{TopicArn: aws.String(p.topicARN)})
	return err
}
