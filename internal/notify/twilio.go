package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Channel selects how Twilio delivers a message.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

const whatsappPrefix = "whatsapp:"

// messageCreator is the slice of the Twilio API service we use.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	Channel    Channel
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending number, e.g. "+15551234567".
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithChannel selects SMS (default) or WhatsApp delivery.
func WithChannel(ch Channel) Option {
	return func(o *Opts) { o.Channel = ch }
}

// TwilioClient sends reviewer alerts with Twilio's messaging API.
type TwilioClient struct {
	api     messageCreator
	from    string
	channel Channel
}

var _ Sender = (*TwilioClient)(nil)

// NewTwilioClient creates a client. Unset options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioClient(opts ...Option) (*TwilioClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.Channel == "" {
		cfg.Channel = ChannelSMS
	}
	slog.Debug("notify.NewTwilioClient: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.From != "",
		"channel", cfg.Channel)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.Channel != ChannelSMS && cfg.Channel != ChannelWhatsApp {
		return nil, fmt.Errorf("unknown channel %q", cfg.Channel)
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioClient(client.Api, cfg.From, cfg.Channel), nil
}

func newTwilioClient(api messageCreator, from string, ch Channel) *TwilioClient {
	return &TwilioClient{api: api, from: from, channel: ch}
}

func (c *TwilioClient) address(number string) string {
	number = strings.TrimPrefix(strings.TrimSpace(number), whatsappPrefix)
	if c.channel == ChannelWhatsApp {
		return whatsappPrefix + number
	}
	return number
}

// SendMessage sends body to the given phone number.
func (c *TwilioClient) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(c.address(to))
	params.SetFrom(c.address(c.from))
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioClient.SendMessage: create message failed", "channel", c.channel, "error", err)
		return fmt.Errorf("failed to send message via %s: %w", c.channel, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioClient.SendMessage: message sent", "channel", c.channel, "sid", sid)
	return nil
}
