package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadGate/internal/store"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeMessageAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessageAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioClient_SendMessageSMS(t *testing.T) {
	api := &fakeMessageAPI{}
	c := newTwilioClient(api, "+15550001111", ChannelSMS)

	if err := c.SendMessage(context.Background(), "+15552223333", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 request, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "+15552223333" || *p.From != "+15550001111" || *p.Body != "hello" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
}

func TestTwilioClient_SendMessageWhatsApp(t *testing.T) {
	api := &fakeMessageAPI{}
	c := newTwilioClient(api, "whatsapp:+15550001111", ChannelWhatsApp)

	if err := c.SendMessage(context.Background(), "+15552223333", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := api.params[0]
	if *p.To != "whatsapp:+15552223333" {
		t.Errorf("expected whatsapp recipient, got %s", *p.To)
	}
	if *p.From != "whatsapp:+15550001111" {
		t.Errorf("expected sender not to be double-prefixed, got %s", *p.From)
	}
}

func TestTwilioClient_SendMessageError(t *testing.T) {
	api := &fakeMessageAPI{err: errors.New("boom")}
	c := newTwilioClient(api, "+15550001111", ChannelSMS)

	if err := c.SendMessage(context.Background(), "+15552223333", "hello"); err == nil {
		t.Fatal("expected error")
	}
}

func TestTwilioClient_CanceledContext(t *testing.T) {
	api := &fakeMessageAPI{}
	c := newTwilioClient(api, "+15550001111", ChannelSMS)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.SendMessage(ctx, "+15552223333", "hello"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(api.params) != 0 {
		t.Error("no request should be made with a canceled context")
	}
}

func TestNewTwilioClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewTwilioClient(); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewTwilioClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Fatal("expected error without from number")
	}
	if _, err := NewTwilioClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFrom("+1555"), WithChannel("pigeon")); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if _, err := NewTwilioClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFrom("+1555")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReviewerAlert_Body(t *testing.T) {
	a := ReviewerAlert{
		InquiryID:   "inq_1",
		SessionID:   "ses_1",
		Reason:      ReasonSessionAbandoned,
		EmailDomain: "acme.com",
		ServiceType: "project",
		BudgetRange: "unsure",
		GateStatus:  "manual",
		Routing:     "manual",
		Flags:       []string{"just_exploring"},
	}
	body := a.Body()
	for _, want := range []string{"inq_1", "abandoned clarification", "acme.com", "ses_1", "just_exploring"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestOutboxSendFunc(t *testing.T) {
	mock := NewMockSender()
	send := OutboxSendFunc(mock)

	payload, err := MarshalAlert(ReviewerAlert{InquiryID: "inq_9", Reason: ReasonManualReview})
	if err != nil {
		t.Fatalf("MarshalAlert: %v", err)
	}
	msg := store.OutboxMessage{ID: "outbox_1", Recipient: "+15559990000", Kind: KindReviewerAlert, PayloadJSON: payload}
	if err := send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := mock.Messages()
	if len(sent) != 1 || sent[0].To != "+15559990000" || !strings.Contains(sent[0].Body, "inq_9") {
		t.Fatalf("unexpected messages: %+v", sent)
	}

	msg.Kind = "other"
	if err := send(context.Background(), msg); err == nil {
		t.Error("expected error for unknown kind")
	}
	msg.Kind = KindReviewerAlert
	msg.PayloadJSON = "{"
	if err := send(context.Background(), msg); err == nil {
		t.Error("expected error for bad payload")
	}
}

func TestMockSender_Err(t *testing.T) {
	mock := NewMockSender()
	mock.Err = errors.New("down")
	if err := mock.SendMessage(context.Background(), "x", "y"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Messages()) != 0 {
		t.Error("failed send should not be recorded")
	}
}
