// Package dispatch sends approved collections to their configured recipients
// over SMTP. Dispatch is gated: only an approved approval can transition to
// dispatched, and a dry run renders the message without touching state.
package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/registry"
	"github.com/openclaw/core/pkg/store"
)

// DefaultPort is the SMTP submission port (STARTTLS).
const DefaultPort = 587

// Config carries SMTP settings. Host is required for a live send. When TLS
// is set the send refuses servers that do not offer STARTTLS; otherwise the
// upgrade is opportunistic.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// Result summarizes one dispatch attempt.
type Result struct {
	ApprovalID   string   `json:"approval_id"`
	CollectionID string   `json:"collection_id"`
	Recipients   []string `json:"recipients"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	DryRun       bool     `json:"dry_run"`
	DispatchedAt string   `json:"dispatched_at,omitempty"`
}

// SendFunc performs the SMTP delivery. Injected for testing; the default is
// smtp.SendMail, which upgrades to STARTTLS when the server offers it.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service renders and sends dispatch emails.
type Service struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	audit    audit.Logger
	logger   *slog.Logger
	clock    func() time.Time
	send     SendFunc
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithSendFunc overrides the SMTP delivery function.
func WithSendFunc(fn SendFunc) Option {
	return func(s *Service) { s.send = fn }
}

// New creates a dispatch service.
func New(cfg Config, st store.Store, reg *registry.Registry, auditLog audit.Logger, opts ...Option) *Service {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	s := &Service{
		cfg:      cfg,
		store:    st,
		registry: reg,
		audit:    auditLog,
		logger:   slog.Default(),
		clock:    func() time.Time { return time.Now().UTC() },
		send:     smtp.SendMail,
	}
	if cfg.TLS {
		s.send = sendMailStartTLS
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configured reports whether a live SMTP send is possible. Callers that can
// degrade to a dry run (auto-dispatch on approve) check this before asking
// for a live send.
func (s *Service) Configured() bool {
	return s.cfg.Host != ""
}

// Dispatch sends the collection referenced by an approved approval. A dry run
// returns the rendered message without sending or changing state. On success
// the approval moves to dispatched and the collection follows.
func (s *Service) Dispatch(ctx context.Context, approvalID string, dryRun bool) (*Result, error) {
	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	switch approval.Status {
	case contracts.ApprovalApproved:
	case contracts.ApprovalDispatched:
		if !dryRun {
			return nil, fmt.Errorf("dispatch: approval %s already dispatched", approvalID)
		}
	default:
		return nil, fmt.Errorf("dispatch: approval %s is %s, not approved", approvalID, approval.Status)
	}

	collection, err := s.store.GetCollection(ctx, approval.CollectionID)
	if err != nil {
		return nil, err
	}

	recipients, err := s.resolveRecipients(approval)
	if err != nil {
		return nil, err
	}

	subject := fmt.Sprintf("[OpenClaw][%s] Collection %s", approval.StartupID, approval.CollectionID)
	body := renderBody(approval, collection)

	result := &Result{
		ApprovalID:   approvalID,
		CollectionID: approval.CollectionID,
		Recipients:   recipients,
		Subject:      subject,
		Body:         body,
		DryRun:       dryRun,
	}
	if dryRun {
		return result, nil
	}

	if err := s.checkConfirmation(ctx, approval.CollectionID); err != nil {
		return nil, err
	}

	if s.cfg.Host == "" {
		return nil, fmt.Errorf("dispatch: no SMTP host configured")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	msg := buildMessage(s.cfg.From, recipients, subject, body)
	if err := s.send(addr, auth, s.cfg.From, recipients, msg); err != nil {
		return nil, fmt.Errorf("dispatch: smtp send failed: %w", err)
	}

	now := s.clock()
	changed, err := s.store.TransitionApproval(ctx, approvalID, contracts.ApprovalApproved, store.ApprovalUpdate{
		ToStatus:     contracts.ApprovalDispatched,
		Approver:     approval.Approver,
		DispatchedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("dispatch: approval %s changed state concurrently", approvalID)
	}
	if err := s.store.UpdateCollectionStatus(ctx, approval.CollectionID, contracts.CollectionDispatched); err != nil {
		return nil, err
	}

	result.DispatchedAt = now.Format(time.RFC3339)
	_ = s.audit.Record(approval.StartupID, approval.Approver, audit.EventDispatch, "dispatched",
		"approval/"+approvalID, map[string]any{
			"collection_id": approval.CollectionID,
			"recipients":    len(recipients),
		})
	s.logger.Info("collection dispatched",
		"startup_id", approval.StartupID,
		"approval_id", approvalID,
		"collection_id", approval.CollectionID,
		"recipients", len(recipients))
	return result, nil
}

// checkConfirmation blocks a live send when a user-confirmation row exists
// for the collection and is not confirmed. Collections that never requested
// a confirmation are gated by the approval alone.
func (s *Service) checkConfirmation(ctx context.Context, collectionID string) error {
	confirmation, err := s.store.LatestConfirmationForCollection(ctx, collectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch confirmation.Status {
	case contracts.ConfirmationConfirmed:
		return nil
	case contracts.ConfirmationRejected:
		return fmt.Errorf("dispatch: user confirmation %s was rejected", confirmation.ConfirmationID)
	default:
		return fmt.Errorf("dispatch: user confirmation %s still pending", confirmation.ConfirmationID)
	}
}

// resolveRecipients prefers the recipient list frozen into the approval
// payload, falling back to the tenant's current configuration.
func (s *Service) resolveRecipients(approval *contracts.Approval) ([]string, error) {
	var recipients []string
	if raw, ok := approval.Payload["recipients"]; ok {
		switch v := raw.(type) {
		case []string:
			recipients = v
		case []any:
			for _, item := range v {
				if str, ok := item.(string); ok && str != "" {
					recipients = append(recipients, str)
				}
			}
		}
	}
	if len(recipients) == 0 && s.registry != nil {
		tenant, err := s.registry.Get(approval.StartupID)
		if err != nil {
			return nil, err
		}
		recipients = tenant.EmailRecipients
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("dispatch: no recipients for approval %s", approval.ApprovalID)
	}
	return recipients, nil
}

// renderBody produces a deterministic plaintext summary of the collection.
func renderBody(approval *contracts.Approval, collection *contracts.Collection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evidence collection ready for review.\n\n")
	fmt.Fprintf(&b, "Startup:       %s\n", approval.StartupID)
	fmt.Fprintf(&b, "Collection:    %s\n", approval.CollectionID)
	fmt.Fprintf(&b, "Approval:      %s\n", approval.ApprovalID)
	fmt.Fprintf(&b, "Window:        %s .. %s\n",
		collection.WindowFrom.Format(time.RFC3339), collection.WindowTo.Format(time.RFC3339))
	fmt.Fprintf(&b, "Artifacts:     %d (%d bytes)\n", collection.ArtifactCount, collection.TotalSize)

	types := make([]string, 0, len(collection.DocTypes))
	for dt := range collection.DocTypes {
		types = append(types, dt)
	}
	sort.Strings(types)
	for _, dt := range types {
		fmt.Fprintf(&b, "  %-24s %d\n", dt, collection.DocTypes[dt])
	}

	fmt.Fprintf(&b, "Risk:          %.4f (%s)\n", approval.RiskScore, approval.RiskLevel)
	for _, reason := range approval.RiskReasons {
		fmt.Fprintf(&b, "  - %s\n", reason)
	}
	if approval.Approver != "" {
		fmt.Fprintf(&b, "Approved by:   %s\n", approval.Approver)
	}
	return b.String()
}

// sendMailStartTLS delivers mail like smtp.SendMail but fails when the
// server does not offer STARTTLS instead of continuing in plaintext.
func sendMailStartTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("server %s does not offer STARTTLS", host)
	}
	if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
		return err
	}
	if a != nil {
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
