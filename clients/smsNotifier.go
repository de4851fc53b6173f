package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const smsRequestTimeout = 10 * time.Second

// SMSNotifierConfig covers both supported SMS gateways. Which one is used is
// decided by the dispatcher's provider selection, not here.
type SMSNotifierConfig struct {
	From string `default:"Gatehouse"`

	TwilioAccountSID string `split_words:"true"`
	TwilioAuthToken  string `split_words:"true"`
	TwilioEndpoint   string `split_words:"true" default:"https://api.twilio.com/2010-04-01"`

	VonageAPIKey    string `envconfig:"SMS_VONAGE_API_KEY"`
	VonageAPISecret string `envconfig:"SMS_VONAGE_API_SECRET"`
	VonageEndpoint  string `split_words:"true" default:"https://rest.nexmo.com/sms/json"`
}

func smsNotifierConfigProvider() (SMSNotifierConfig, error) {
	var config SMSNotifierConfig
	if err := envconfig.Process("sms", &config); err != nil {
		return SMSNotifierConfig{}, err
	}
	return config, nil
}

// TwilioNotifier sends SMS through the Twilio messages API.
type TwilioNotifier struct {
	config     SMSNotifierConfig
	httpClient *http.Client
}

func NewTwilioNotifier(config SMSNotifierConfig) (*TwilioNotifier, error) {
	return &TwilioNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: smsRequestTimeout},
	}, nil
}

func (c *TwilioNotifier) Name() string { return ProviderTwilio }

func (c *TwilioNotifier) Send(ctx context.Context, target, subject, content string) error {
	if c.config.TwilioAccountSID == "" || c.config.TwilioAuthToken == "" {
		return errors.New("notifier: Twilio credentials are missing")
	}

	form := url.Values{}
	form.Set("To", target)
	form.Set("From", c.config.From)
	form.Set("Body", content)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.config.TwilioEndpoint, c.config.TwilioAccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "notifier: building Twilio request")
	}
	req.SetBasicAuth(c.config.TwilioAccountSID, c.config.TwilioAuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "notifier: Twilio send failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("notifier: Twilio send failed with status %d", resp.StatusCode)
	}
	return nil
}

// VonageNotifier sends SMS through the Vonage (Nexmo) SMS API.
type VonageNotifier struct {
	config     SMSNotifierConfig
	httpClient *http.Client
}

func NewVonageNotifier(config SMSNotifierConfig) (*VonageNotifier, error) {
	return &VonageNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: smsRequestTimeout},
	}, nil
}

func (c *VonageNotifier) Name() string { return ProviderVonage }

func (c *VonageNotifier) Send(ctx context.Context, target, subject, content string) error {
	if c.config.VonageAPIKey == "" || c.config.VonageAPISecret == "" {
		return errors.New("notifier: Vonage credentials are missing")
	}

	form := url.Values{}
	form.Set("api_key", c.config.VonageAPIKey)
	form.Set("api_secret", c.config.VonageAPISecret)
	form.Set("to", target)
	form.Set("from", c.config.From)
	form.Set("text", content)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.VonageEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "notifier: building Vonage request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "notifier: Vonage send failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("notifier: Vonage send failed with status %d", resp.StatusCode)
	}

	// Vonage reports per-message status in the body even on HTTP 200.
	var body struct {
		Messages []struct {
			Status    string `json:"status"`
			ErrorText string `json:"error-text"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "notifier: decoding Vonage response")
	}
	for _, message := range body.Messages {
		if message.Status != "0" {
			return errors.Errorf("notifier: Vonage rejected message: %s", message.ErrorText)
		}
	}
	return nil
}
