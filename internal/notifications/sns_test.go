package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{}, nil
}

func TestSNSNotifier_Send(t *testing.T) {
	fake := &fakeSNS{}
	notifier := NewSNSNotifierWithClient(fake, "arn:aws:sns:us-east-1:123:alerts")

	err := notifier.Send(context.Background(), Notification{
		Type:       NotificationProviderDown,
		ProviderID: "p1",
		Message:    "circuit endpoint:p1 is now open",
		Data:       map[string]interface{}{"circuit_key": "endpoint:p1"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if fake.input == nil {
		t.Fatal("Publish was not called")
	}
	if got := *fake.input.TopicArn; got != "arn:aws:sns:us-east-1:123:alerts" {
		t.Errorf("TopicArn = %q", got)
	}

	var sent Notification
	if err := json.Unmarshal([]byte(*fake.input.Message), &sent); err != nil {
		t.Fatalf("message is not valid JSON: %v", err)
	}
	if sent.Type != NotificationProviderDown {
		t.Errorf("Type = %q, want %q", sent.Type, NotificationProviderDown)
	}
	if sent.ProviderID != "p1" {
		t.Errorf("ProviderID = %q, want p1", sent.ProviderID)
	}

	typeAttr, ok := fake.input.MessageAttributes["Type"]
	if !ok {
		t.Fatal("Type attribute missing")
	}
	if *typeAttr.StringValue != string(NotificationProviderDown) {
		t.Errorf("Type attribute = %q", *typeAttr.StringValue)
	}
	providerAttr, ok := fake.input.MessageAttributes["ProviderID"]
	if !ok {
		t.Fatal("ProviderID attribute missing")
	}
	if *providerAttr.StringValue != "p1" {
		t.Errorf("ProviderID attribute = %q", *providerAttr.StringValue)
	}
}

func TestSNSNotifier_SendOmitsEmptyProviderID(t *testing.T) {
	fake := &fakeSNS{}
	notifier := NewSNSNotifierWithClient(fake, "arn:topic")

	err := notifier.Send(context.Background(), Notification{
		Type:    NotificationProviderDown,
		Message: "circuit group:claude:team-a is now open",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if _, ok := fake.input.MessageAttributes["ProviderID"]; ok {
		t.Error("ProviderID attribute should be omitted when empty")
	}
}

func TestSNSNotifier_PublishError(t *testing.T) {
	fake := &fakeSNS{err: errors.New("throttled")}
	notifier := NewSNSNotifierWithClient(fake, "arn:topic")

	err := notifier.Send(context.Background(), Notification{Type: NotificationCostWarning})
	if err == nil {
		t.Fatal("expected error from failed publish")
	}
}

func TestInMemoryNotifier(t *testing.T) {
	notifier := NewInMemoryNotifier()

	var handled []NotificationType
	notifier.OnNotification(func(n Notification) {
		handled = append(handled, n.Type)
	})

	if err := notifier.Send(context.Background(), Notification{Type: NotificationProviderDown, ProviderID: "p1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := notifier.Send(context.Background(), Notification{Type: NotificationProviderUp, ProviderID: "p1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := notifier.Notifications()
	if len(got) != 2 {
		t.Fatalf("Notifications() len = %d, want 2", len(got))
	}
	if got[0].Type != NotificationProviderDown || got[1].Type != NotificationProviderUp {
		t.Errorf("notification order = %v, %v", got[0].Type, got[1].Type)
	}
	if len(handled) != 2 {
		t.Errorf("handler calls = %d, want 2", len(handled))
	}

	notifier.Clear()
	if len(notifier.Notifications()) != 0 {
		t.Error("Clear() should empty the buffer")
	}
}
