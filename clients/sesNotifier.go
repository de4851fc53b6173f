package clients

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// CharSet The character encoding for the email.
	CharSet = "UTF-8"

	// DefaultTextMessage will be sent to non-HTML email clients that receive our messages
	DefaultTextMessage = "You need an HTML client to read this email."
)

type (
	// SesNotifier sends email through Amazon SES.
	SesNotifier struct {
		config SesNotifierConfig
		svc    *ses.SES
		logger *zap.SugaredLogger
	}

	// SesNotifierConfig contains the static configuration for the Amazon SES service
	// Credentials come from the environment and are not passed in via configuration variables.
	SesNotifierConfig struct {
		From     string `split_words:"true" default:"noreply@gatehouse.io"`
		Region   string `default:"us-west-2"`
		Endpoint string `default:""`
	}
)

func sesNotifierConfigProvider() (SesNotifierConfig, error) {
	var config SesNotifierConfig
	if err := envconfig.Process("ses", &config); err != nil {
		return SesNotifierConfig{}, err
	}
	return config, nil
}

//NewSesNotifier creates a new Amazon SES notifier
func NewSesNotifier(cfg SesNotifierConfig, logger *zap.SugaredLogger) (*SesNotifier, error) {

	// For SES, if there is an endpoint specified in config, AWS' default is overriden
	customResolver := func(service, region string, optFns ...func(*endpoints.Options)) (endpoints.ResolvedEndpoint, error) {
		if service == endpoints.EmailServiceID && cfg.Endpoint != "" {
			return endpoints.ResolvedEndpoint{
				URL:           cfg.Endpoint,
				SigningRegion: "custom-signing-region",
			}, nil
		}
		return endpoints.DefaultResolver().EndpointFor(service, region, optFns...)
	}

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		EndpointResolver: endpoints.ResolverFunc(customResolver),
	})
	if err != nil {
		return nil, errors.Wrap(err, "notifier: creating AWS session")
	}

	// Verify whether we have actual credentials (for information tracing)
	// It is looking for credentials in this order:
	// - environment variables AWS_ACCESS_KEY_ID + AWS_ACCESS_SECRET_KEY
	// - existing .aws profile
	// - EC role to be assumed
	// Note: validity of found credentials is not performed at this stage
	if creds, err := sess.Config.Credentials.Get(); err != nil {
		logger.With(zap.Error(err)).Warn("no AWS credentials were found, email will not be sent")
	} else {
		logger.Infof("AWS credentials found with provider %s", creds.ProviderName)
	}

	return &SesNotifier{
		config: cfg,
		svc:    ses.New(sess),
		logger: logger,
	}, nil
}

func (c *SesNotifier) Name() string { return ProviderSES }

// Send a message to a recipient with a given subject
func (c *SesNotifier) Send(ctx context.Context, target, subject, content string) error {
	input := &ses.SendEmailInput{
		Destination: &ses.Destination{
			CcAddresses: []*string{},
			ToAddresses: []*string{aws.String(target)},
		},
		Message: &ses.Message{
			Body: &ses.Body{
				Html: &ses.Content{
					Charset: aws.String(CharSet),
					Data:    aws.String(content),
				},
				Text: &ses.Content{
					Charset: aws.String(CharSet),
					Data:    aws.String(DefaultTextMessage),
				},
			},
			Subject: &ses.Content{
				Charset: aws.String(CharSet),
				Data:    aws.String(subject),
			},
		},
		Source: aws.String(c.config.From),
	}

	if _, err := c.svc.SendEmailWithContext(ctx, input); err != nil {
		return errors.Wrap(err, "notifier: SES send failed")
	}

	c.logger.With(zap.String("subject", subject)).Debug("SES email sent")
	return nil
}
