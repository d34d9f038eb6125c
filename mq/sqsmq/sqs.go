package sqsmq

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/zlnvch/boardsync/mq"
)

const longPollSeconds = 20

type SQSMessageQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSMessageQueue(ctx context.Context, devMode bool, endpoint string, queueName string) (*SQSMessageQueue, error) {
	client, err := newClient(ctx, devMode, endpoint)
	if err != nil {
		return nil, err
	}

	queueURL, err := findQueue(ctx, client, queueName)
	if err != nil {
		return nil, err
	}

	return &SQSMessageQueue{client: client, queueURL: queueURL}, nil
}

func newClient(ctx context.Context, devMode bool, endpoint string) (*sqs.Client, error) {
	if devMode {
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")),
		)
		if err != nil {
			return nil, err
		}
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg), nil
}

func findQueue(ctx context.Context, client *sqs.Client, queueName string) (string, error) {
	paginator := sqs.NewListQueuesPaginator(client, &sqs.ListQueuesInput{
		QueueNamePrefix: aws.String(queueName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", err
		}
		for _, url := range page.QueueUrls {
			if strings.HasSuffix(url, "/"+queueName) {
				return url, nil
			}
		}
	}
	return "", fmt.Errorf("given queue name '%s' not found in SQS", queueName)
}

func (q *SQSMessageQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	return err
}

func (q *SQSMessageQueue) Receive(ctx context.Context, maxMessages int32, visibilityTimeout int32) ([]mq.Message, error) {
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: min(max(maxMessages, 1), 10),
		WaitTimeSeconds:     longPollSeconds,
		VisibilityTimeout:   visibilityTimeout,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]mq.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		messages = append(messages, mq.Message{
			Id:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		})
	}
	return messages, nil
}

func (q *SQSMessageQueue) Delete(ctx context.Context, msg mq.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	return err
}
