package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/pitabwire/evalflow/model"
)

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// maxSQSBatch is the SQS limit on messages per ReceiveMessage call.
const maxSQSBatch = 10

// throttlingCodes are SQS error codes that signal backpressure.
var throttlingCodes = map[string]bool{
	"ThrottlingException":                     true,
	"RequestThrottled":                        true,
	"AWS.SimpleQueueService.RequestThrottled": true,
	"KmsThrottled":                            true,
	"OverLimit":                               true,
}

// SQSQueue is a Queue backed by Amazon SQS.
//
// When DeadLetterURL is empty, messages past the receive limit are released
// for redelivery and the queue's own redrive policy is expected to move them.
type SQSQueue struct {
	client        SQSAPI
	opts          Options
	queueURL      string
	deadLetterURL string
}

// NewSQSQueue creates an SQS-backed queue.
func NewSQSQueue(client SQSAPI, queueURL, deadLetterURL string, opts Options) *SQSQueue {
	return &SQSQueue{
		client:        client,
		opts:          opts.withDefaults(),
		queueURL:      queueURL,
		deadLetterURL: deadLetterURL,
	}
}

// Name returns the queue name.
func (q *SQSQueue) Name() string { return q.opts.Name }

// Enqueue sends body as the message body.
func (q *SQSQueue) Enqueue(ctx context.Context, body []byte) (model.Message, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("sqs send message: %w", mapSQSError(err))
	}
	return model.Message{
		ID:         aws.ToString(out.MessageId),
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Receive long-polls for up to max messages.
func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]model.Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > maxSQSBatch {
		max = maxSQSBatch
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(q.opts.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sqs receive message: %w", mapSQSError(err))
	}

	msgs := make([]model.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, fromSQSMessage(m))
	}
	return msgs, nil
}

func fromSQSMessage(m types.Message) model.Message {
	msg := model.Message{
		ID:           aws.ToString(m.MessageId),
		Body:         []byte(aws.ToString(m.Body)),
		ReceiveCount: 1,
		Receipt:      aws.ToString(m.ReceiptHandle),
	}
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			msg.ReceiveCount = n
		}
	}
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
	}
	return msg
}

// Ack deletes the message.
func (q *SQSQueue) Ack(ctx context.Context, msg model.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete message %s: %w", msg.ID, mapSQSError(err))
	}
	return nil
}

// Nack makes the message visible immediately, or sends it to the dead-letter
// queue and deletes it once the receive limit is reached.
func (q *SQSQueue) Nack(ctx context.Context, msg model.Message) (bool, error) {
	if msg.ReceiveCount >= q.opts.MaxReceiveCount && q.deadLetterURL != "" {
		_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(q.deadLetterURL),
			MessageBody: aws.String(string(msg.Body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"SourceMessageId": {DataType: aws.String("String"), StringValue: aws.String(msg.ID)},
				"ReceiveCount":    {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(msg.ReceiveCount))},
			},
		})
		if err != nil {
			return false, fmt.Errorf("sqs dead-letter %s: %w", msg.ID, mapSQSError(err))
		}
		if err := q.Ack(ctx, msg); err != nil {
			return true, err
		}
		return true, nil
	}

	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(msg.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return false, fmt.Errorf("sqs release message %s: %w", msg.ID, mapSQSError(err))
	}
	return false, nil
}

// HealthCheck reads the queue's message count attribute.
func (q *SQSQueue) HealthCheck(ctx context.Context) error {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// Close is a no-op.
func (q *SQSQueue) Close() error { return nil }

func mapSQSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return err
}
