package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/notify"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	inputs []*ses.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESNotifier_AccountLocked(t *testing.T) {
	client := &fakeSES{}
	n := notify.NewSESNotifierWithClient(client, "alerts@example.com", []string{"secops@example.com"}, nil)

	until := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	err := n.WriteEntry(context.Background(), models.AuditEntry{
		ID:     "entry-1",
		Action: models.AuditActionAccountLocked,
		Context: models.AuditContext{
			IPAddress: "1.1.1.1",
		},
		Data: models.LockoutPayload{Identifier: "jane.doe@example.com", LockoutCount: 1, LockedUntil: &until},
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "alerts@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"secops@example.com"}, in.Destination.ToAddresses)
	assert.Contains(t, aws.ToString(in.Message.Subject.Data), "Account locked")
	body := aws.ToString(in.Message.Body.Text.Data)
	assert.Contains(t, body, "1.1.1.1")
	assert.NotContains(t, body, "jane.doe@example.com", "identifier is masked")
}

func TestSESNotifier_IgnoresRoutineActions(t *testing.T) {
	client := &fakeSES{}
	n := notify.NewSESNotifierWithClient(client, "alerts@example.com", []string{"secops@example.com"}, nil)

	require.NoError(t, n.WriteEntry(context.Background(), models.AuditEntry{Action: models.AuditActionLogin}))
	require.NoError(t, n.WriteCheckpoint(context.Background(), models.AuditCheckpoint{ID: "cp"}))
	assert.Empty(t, client.inputs)
}

func TestSESNotifier_NoRecipients(t *testing.T) {
	client := &fakeSES{}
	n := notify.NewSESNotifierWithClient(client, "alerts@example.com", nil, nil)

	require.NoError(t, n.WriteEntry(context.Background(), models.AuditEntry{Action: models.AuditActionCredentialStuffing}))
	assert.Empty(t, client.inputs)
}

func TestSESNotifier_SendErrorIsReturned(t *testing.T) {
	client := &fakeSES{err: errors.New("throttled")}
	n := notify.NewSESNotifierWithClient(client, "alerts@example.com", []string{"secops@example.com"}, nil)

	err := n.WriteEntry(context.Background(), models.AuditEntry{
		Action: models.AuditActionCredentialStuffing,
		Data:   models.LockoutPayload{SourceIP: "6.6.6.6"},
	})
	assert.ErrorContains(t, err, "throttled")
	assert.Equal(t, "ses", n.Name())
}
