package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

type fakeSES struct {
	in  *sesv2.SendEmailInput
	out *sesv2.SendEmailOutput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return f.out, f.err
}

func responseError(status int) error {
	return wrapResponse(status, errors.New("api error"))
}

func wrapResponse(status int, err error) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      err,
		},
	}
}

func TestSES_Send(t *testing.T) {
	api := &fakeSES{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}}
	s := NewSES(api, Defaults{From: "team@example.com", ReplyTo: "reply@example.com"}, "tracking")

	res, err := s.Send(context.Background(), model.SendJob{
		To:      "ada@example.com",
		Subject: "Hello",
		HTML:    "<p>Hi</p>",
		LeadID:  "lead-1",
	})
	require.NoError(t, err)
	assert.Equal(t, Result{MessageID: "ses-1", Provider: "ses"}, res)

	in := api.in
	require.NotNil(t, in)
	assert.Equal(t, "team@example.com", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"ada@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{"reply@example.com"}, in.ReplyToAddresses)
	assert.Equal(t, "tracking", aws.ToString(in.ConfigurationSetName))
	assert.Equal(t, "Hello", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>Hi</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	require.Len(t, in.EmailTags, 1)
	assert.Equal(t, "lead-1", aws.ToString(in.EmailTags[0].Value))
}

func TestSES_JobFromOverridesDefault(t *testing.T) {
	api := &fakeSES{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-2")}}
	s := NewSES(api, Defaults{From: "team@example.com"}, "")

	_, err := s.Send(context.Background(), model.SendJob{To: "a@example.com", From: "owner@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", aws.ToString(api.in.FromEmailAddress))
	assert.Nil(t, api.in.ConfigurationSetName)
	assert.Empty(t, api.in.ReplyToAddresses)
}

func TestSES_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		terminal   bool
		hardBounce bool
		status     int
	}{
		{
			name:       "rejected hard bounce",
			err:        &types.MessageRejected{Message: aws.String("550 5.1.1 user unknown")},
			terminal:   true,
			hardBounce: true,
		},
		{
			name:     "rejected content",
			err:      &types.MessageRejected{Message: aws.String("Email address is not verified")},
			terminal: true,
		},
		{
			name: "throttled",
			err:  &types.TooManyRequestsException{Message: aws.String("Maximum sending rate exceeded")},
		},
		{
			name:     "forbidden",
			err:      responseError(403),
			terminal: true,
		},
		{
			name: "server error",
			err:  responseError(503),
		},
		{
			name: "transport",
			err:  errors.New("dial tcp: connection refused"),
		},
		{
			name:       "rejected inside response error",
			err:        wrapResponse(400, &types.MessageRejected{Message: aws.String("550 mailbox unavailable")}),
			terminal:   true,
			hardBounce: true,
			status:     400,
		},
		{
			name:   "throttled with status",
			err:    wrapResponse(429, &types.TooManyRequestsException{Message: aws.String("slow down")}),
			status: 429,
		},
		{
			name: "account suspended",
			err:  &types.AccountSuspendedException{Message: aws.String("account is suspended")},
		},
		{
			name: "sending paused",
			err:  wrapResponse(400, &types.SendingPausedException{Message: aws.String("sending paused")}),
		},
		{
			name:     "modeled client fault",
			err:      &types.NotFoundException{Message: aws.String("configuration set not found")},
			terminal: true,
			status:   400,
		},
		{
			name:     "generic client fault",
			err:      wrapResponse(400, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad address", Fault: smithy.FaultClient}),
			terminal: true,
			status:   400,
		},
		{
			name:   "generic server fault",
			err:    wrapResponse(500, &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}),
			status: 500,
		},
		{
			name:     "generic unknown fault uses status",
			err:      wrapResponse(409, &smithy.GenericAPIError{Code: "Conflict"}),
			terminal: true,
			status:   409,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSES(&fakeSES{err: tt.err}, Defaults{From: "team@example.com"}, "")
			_, err := s.Send(context.Background(), model.SendJob{To: "a@example.com"})
			require.Error(t, err)
			assert.Equal(t, tt.terminal, resilience.IsTerminal(err))
			assert.Equal(t, !tt.terminal, resilience.IsRetryable(err))
			assert.Equal(t, tt.hardBounce, resilience.IsHardBounce(err))
			if tt.status != 0 {
				var sc resilience.StatusCoder
				require.ErrorAs(t, err, &sc)
				assert.Equal(t, tt.status, sc.HTTPStatus())
			}
		})
	}
}
