package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// SESAPI is the part of the SES v2 client the sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES sender.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
}

// SES sends through Amazon SES v2.
type SES struct {
	api      SESAPI
	defaults Defaults
	confSet  string
}

// NewSES creates an SES sender around an existing client.
func NewSES(api SESAPI, defaults Defaults, configurationSet string) *SES {
	return &SES{api: api, defaults: defaults, confSet: configurationSet}
}

// NewSESFromConfig loads AWS configuration and builds an SES sender.
// Static credentials are used when both keys are set; otherwise the
// default credential chain applies.
func NewSESFromConfig(ctx context.Context, cfg SESConfig, defaults Defaults) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "ses: load aws config")
	}
	return NewSES(sesv2.NewFromConfig(awsCfg), defaults, cfg.ConfigurationSet), nil
}

// Name implements Sender.
func (s *SES) Name() string { return "ses" }

// Send implements Sender.
func (s *SES) Send(ctx context.Context, job model.SendJob) (Result, error) {
	job = s.defaults.apply(job)

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(job.From),
		Destination:      &types.Destination{ToAddresses: []string{job.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(job.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(job.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if job.ReplyTo != "" {
		in.ReplyToAddresses = []string{job.ReplyTo}
	}
	if s.confSet != "" {
		in.ConfigurationSetName = aws.String(s.confSet)
	}
	if job.LeadID != "" {
		in.EmailTags = append(in.EmailTags, types.MessageTag{Name: aws.String("lead_id"), Value: aws.String(job.LeadID)})
	}

	out, err := s.api.SendEmail(ctx, in)
	if err != nil {
		return Result{}, classifySESError(err)
	}
	return Result{MessageID: aws.ToString(out.MessageId), Provider: s.Name()}, nil
}

// sesRetryCodes are SES error codes that describe the account or the
// sending rate, not the recipient. They stay retryable so the breaker,
// not the enrollment, absorbs them.
var sesRetryCodes = map[string]bool{
	"TooManyRequestsException":  true,
	"LimitExceededException":    true,
	"ThrottlingException":       true,
	"AccountSuspendedException": true,
	"SendingPausedException":    true,
}

// classifySESError maps SDK errors onto the provider error taxonomy. Modeled
// and generic API errors are classified by code and fault; anything else
// falls back to the HTTP status, and status 0 is a transport error.
func classifySESError(err error) error {
	status := 0
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return resilience.NewProviderError("ses", status, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case code == "MessageRejected":
		return &resilience.TerminalProviderError{
			Provider:   "ses",
			StatusCode: statusOr(status, http.StatusBadRequest),
			HardBounce: ClassifyBounce(apiErr.ErrorMessage()) == BounceHard,
			Err:        err,
		}
	case sesRetryCodes[code]:
		if status == 0 && code != "AccountSuspendedException" && code != "SendingPausedException" {
			status = http.StatusTooManyRequests
		}
		return &resilience.TransientProviderError{Provider: "ses", StatusCode: status, Err: err}
	case apiErr.ErrorFault() == smithy.FaultServer:
		return &resilience.TransientProviderError{Provider: "ses", StatusCode: status, Err: err}
	case apiErr.ErrorFault() == smithy.FaultClient:
		return &resilience.TerminalProviderError{Provider: "ses", StatusCode: statusOr(status, http.StatusBadRequest), Err: err}
	default:
		return resilience.NewProviderError("ses", status, err)
	}
}

func statusOr(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}
