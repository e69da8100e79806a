package ses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mail2slack/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func newTestProvider(mock *mockSESClient) *SESProvider {
	p := NewWithClient(mock)
	p.retryDelay = time.Millisecond
	return p
}

func testRequest() *provider.ForwardRequest {
	return &provider.ForwardRequest{
		To:   "oncall@example.com",
		Raw:  []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nbody\r\n"),
		From: "alice@example.com",
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient(&mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestForward_RawPassthrough(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)
	req := testRequest()

	if err := p.Forward(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != "alice@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "alice@example.com")
	}
	if len(input.Destination.ToAddresses) != 1 || input.Destination.ToAddresses[0] != "oncall@example.com" {
		t.Errorf("ToAddresses: got %v", input.Destination.ToAddresses)
	}
	if input.Content.Raw == nil || string(input.Content.Raw.Data) != string(req.Raw) {
		t.Error("raw message should be sent unchanged")
	}
	if len(input.ReplyToAddresses) != 0 {
		t.Errorf("ReplyToAddresses: got %v, want none", input.ReplyToAddresses)
	}
}

func TestForward_ReplyTo(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)
	req := testRequest()
	req.From = "forwarder@example.com"
	req.ReplyTo = "alice@example.com"

	if err := p.Forward(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mock.lastInput.ReplyToAddresses; len(got) != 1 || got[0] != "alice@example.com" {
		t.Errorf("ReplyToAddresses: got %v", got)
	}
}

func TestForward_RejectionNotRetried(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, &types.MessageRejected{Message: aws.String("Email address is not verified.")}
		},
	}
	p := newTestProvider(mock)

	err := p.Forward(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected rejection error")
	}
	var rejected *types.MessageRejected
	if !errors.As(err, &rejected) {
		t.Errorf("error should wrap MessageRejected, got %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestForward_RetryOnError(t *testing.T) {
	t.Parallel()

	callCount := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			callCount++
			if callCount <= 2 {
				return nil, &types.TooManyRequestsException{Message: aws.String("slow down")}
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	p := newTestProvider(mock)

	if err := p.Forward(context.Background(), testRequest()); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("call count: got %d, want 3", callCount)
	}
}

func TestForward_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	p := newTestProvider(mock)

	err := p.Forward(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("error message: got %q, want to contain 'after 3 retries'", err.Error())
	}
	// 1 initial + 3 retries = 4 total
	if mock.callCount != 4 {
		t.Errorf("call count: got %d, want 4", mock.callCount)
	}
}

func TestForward_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	p := NewWithClient(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	if err := p.Forward(ctx, testRequest()); err == nil {
		t.Fatal("expected error when context cancelled")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	p := NewWithClient(&mockSESClient{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := p.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()
	var _ provider.Forwarder = (*SESProvider)(nil)
}
