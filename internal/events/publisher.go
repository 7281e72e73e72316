package events

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nats-io/nats.go"
)

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher delivers outbox entries to an SQS queue.
type SQSPublisher struct {
	client   sqsSender
	queueURL string
}

var _ DeliveryHandler = (*SQSPublisher)(nil)

func NewSQSPublisher(client sqsSender, queueURL string) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Handle(ctx context.Context, entry Entry) error {
	env, err := NewEnvelope(entry)
	if err != nil {
		return err
	}
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(env.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: send SQS message: %w", err)
	}
	return nil
}

type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher delivers outbox entries to NATS subjects named
// <prefix>.<event type>.
type NATSPublisher struct {
	conn   natsPublisher
	prefix string
	close  func()
}

var _ DeliveryHandler = (*NATSPublisher)(nil)

// DialNATS connects to url and returns a publisher that owns the connection.
func DialNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("dispatch-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.close = nc.Close
	return p, nil
}

func NewNATSPublisher(conn natsPublisher, prefix string) *NATSPublisher {
	if conn == nil {
		panic("events: nats connection cannot be nil")
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (p *NATSPublisher) Handle(_ context.Context, entry Entry) error {
	env, err := NewEnvelope(entry)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := p.conn.Publish(env.Subject(p.prefix), data); err != nil {
		return fmt.Errorf("events: publish nats: %w", err)
	}
	return nil
}

// Close releases a connection opened by DialNATS.
func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
