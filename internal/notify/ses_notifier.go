package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	pkglogger "github.com/BradenHooton/propguard/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the subset of the SES client used for alerts.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier emails the security team when the ledger records an account
// lockout, a credential stuffing source or a failed integrity check. It is
// an audit sink, so sends happen off the request path.
type SESNotifier struct {
	client      SESAPI
	fromAddress string
	recipients  []string
	logger      *slog.Logger
}

// NewSESNotifier creates a notifier from the default AWS credential chain.
func NewSESNotifier(ctx context.Context, region, fromAddress string, recipients []string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, recipients, logger), nil
}

// NewSESNotifierWithClient creates a notifier around an existing client.
func NewSESNotifierWithClient(client SESAPI, fromAddress string, recipients []string, logger *slog.Logger) *SESNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SESNotifier{
		client:      client,
		fromAddress: fromAddress,
		recipients:  recipients,
		logger:      logger,
	}
}

// Name identifies the sink in logs and metrics.
func (n *SESNotifier) Name() string {
	return "ses"
}

// WriteEntry sends an alert for the actions the security team is paged on.
// Everything else is ignored.
func (n *SESNotifier) WriteEntry(ctx context.Context, entry models.AuditEntry) error {
	subject, body, ok := alertFor(entry)
	if !ok || len(n.recipients) == 0 {
		return nil
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(n.fromAddress),
		Destination: &types.Destination{ToAddresses: n.recipients},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send %s alert: %w", entry.Action, err)
	}

	n.logger.Info("security alert sent",
		slog.String("action", string(entry.Action)),
		slog.String("entry_id", entry.ID),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

// WriteCheckpoint is a no-op; checkpoints are not alert-worthy.
func (n *SESNotifier) WriteCheckpoint(context.Context, models.AuditCheckpoint) error {
	return nil
}

func alertFor(entry models.AuditEntry) (subject, body string, ok bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", entry.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Audit entry: %s\n", entry.ID)
	if entry.Context.IPAddress != "" {
		fmt.Fprintf(&b, "Source IP: %s\n", entry.Context.IPAddress)
	}

	switch entry.Action {
	case models.AuditActionAccountLocked:
		p, _ := entry.Data.(models.LockoutPayload)
		subject = "Account locked after repeated failed logins"
		fmt.Fprintf(&b, "Account: %s\n", pkglogger.SanitizedIdentifier(p.Identifier))
		fmt.Fprintf(&b, "Lockout number: %d\n", p.LockoutCount)
		if p.LockedUntil != nil {
			fmt.Fprintf(&b, "Locked until: %s\n", p.LockedUntil.Format(time.RFC3339))
		}
	case models.AuditActionCredentialStuffing:
		p, _ := entry.Data.(models.LockoutPayload)
		subject = "Credential stuffing suspected"
		fmt.Fprintf(&b, "Attacking IP: %s\n", p.SourceIP)
		b.WriteString("One source has tried more distinct accounts than the configured threshold.\n")
	case models.AuditActionIntegrityCheckFailed:
		subject = "Audit ledger integrity check failed"
		if p, isEntity := entry.Data.(models.EntityPayload); isEntity {
			fmt.Fprintf(&b, "Broken at: %s\nDetail: %s\n", p.EntityID, p.Note)
		}
	default:
		return "", "", false
	}

	b.WriteString("\nThis is an automated message from the account protection service.\n")
	return "[security] " + subject, b.String(), true
}
