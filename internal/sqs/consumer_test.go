package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type fakeSQS struct {
	receive    *sqs.ReceiveMessageInput
	messages   []types.Message
	receiveErr error
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receive = in
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestConsumer_Receive(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{
		{
			MessageId:     aws.String("m-1"),
			Body:          aws.String(`{"Type":"Notification"}`),
			ReceiptHandle: aws.String("rh-1"),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		},
		{MessageId: aws.String("m-2"), Body: aws.String("{}"), ReceiptHandle: aws.String("rh-2")},
	}}
	c := NewConsumerWithClient(fake, Config{QueueURL: "https://sqs.local/feedback"}, zap.NewNop())

	msgs, err := c.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m-1" || msgs[0].ReceiptHandle != "rh-1" || msgs[0].ReceiveCount != 3 {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].ReceiveCount != 0 {
		t.Errorf("missing attribute should yield 0, got %d", msgs[1].ReceiveCount)
	}

	in := fake.receive
	if aws.ToString(in.QueueUrl) != "https://sqs.local/feedback" || in.MaxNumberOfMessages != 10 || in.WaitTimeSeconds != 20 {
		t.Errorf("receive input = %+v", in)
	}
}

func TestConsumer_ReceiveError(t *testing.T) {
	fake := &fakeSQS{receiveErr: errors.New("throttled")}
	c := NewConsumerWithClient(fake, Config{QueueURL: "q"}, zap.NewNop())
	if _, err := c.Receive(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_DeleteAndVisibility(t *testing.T) {
	fake := &fakeSQS{}
	c := NewConsumerWithClient(fake, Config{QueueURL: "q", MaxMessages: 5, WaitSeconds: 1}, zap.NewNop())

	if err := c.Delete(context.Background(), "rh-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.ChangeVisibility(context.Background(), "rh-2", 30); err != nil {
		t.Fatal(err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "rh-1" {
		t.Errorf("deleted = %v", fake.deleted)
	}
	if fake.visibility["rh-2"] != 30 {
		t.Errorf("visibility = %v", fake.visibility)
	}
}
