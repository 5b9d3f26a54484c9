// Package notify delivers billing correspondence to patients and TPAs:
// payment receipts, invoice reminders, and claim decision notices. Delivery
// is fire-and-forget from the caller's perspective; failures are recorded on
// the message and can be retried.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery channel for a message.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is a single outbound notification.
type Message struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender sends email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender sends SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template is a reusable message template with {{key}} placeholders.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine stores templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine returns an engine with the billing templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "payment-receipt",
			Name:    "Payment Receipt",
			Subject: "Receipt {{receipt_number}} for invoice {{invoice_number}}",
			Body:    "Dear {{patient_name}}, we have received your payment of {{amount}} towards invoice {{invoice_number}}. Outstanding balance: {{balance}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      "invoice-issued",
			Name:    "Invoice Issued",
			Subject: "Invoice {{invoice_number}} issued",
			Body:    "Dear {{patient_name}}, invoice {{invoice_number}} for {{amount}} has been issued. Payment is due by {{due_date}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      "invoice-overdue",
			Name:    "Invoice Overdue",
			Subject: "Invoice {{invoice_number}} is overdue",
			Body:    "Dear {{patient_name}}, invoice {{invoice_number}} with an outstanding balance of {{balance}} is past its due date of {{due_date}}.",
			Channel: ChannelSMS,
		},
		{
			ID:      "credit-note-issued",
			Name:    "Credit Note Issued",
			Subject: "Credit note {{credit_note_number}} issued",
			Body:    "Dear {{patient_name}}, a credit note {{credit_note_number}} for {{amount}} has been issued against invoice {{invoice_number}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      "claim-decision",
			Name:    "Claim Decision",
			Subject: "Update on claim {{claim_number}}",
			Body:    "Dear {{patient_name}}, your insurance claim {{claim_number}} has been {{decision}}. {{detail}}",
			Channel: ChannelEmail,
		},
		{
			ID:      "claim-info-requested",
			Name:    "Claim Information Requested",
			Subject: "Additional information needed for claim {{claim_number}}",
			Body:    "Dear {{patient_name}}, the insurer has requested additional information for claim {{claim_number}}: {{detail}}",
			Channel: ChannelEmail,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement on the template's subject and body.
// Keys present in the template but absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

func (e *TemplateEngine) channelFor(templateID string) Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.templates[templateID]; ok {
		return t.Channel
	}
	return ChannelEmail
}

// Dispatcher sends messages and keeps an in-memory record of outcomes.
type Dispatcher struct {
	emailSender EmailSender
	smsSender   SMSSender
	templates   *TemplateEngine
	mu          sync.RWMutex
	messages    map[string]*Message
}

func NewDispatcher(email EmailSender, sms SMSSender, tpl *TemplateEngine) *Dispatcher {
	return &Dispatcher{
		emailSender: email,
		smsSender:   sms,
		templates:   tpl,
		messages:    make(map[string]*Message),
	}
}

// Send dispatches a message through its channel and records the result.
func (d *Dispatcher) Send(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	m.Status = "pending"

	sendErr := d.deliver(ctx, m)
	d.record(m, sendErr)

	d.mu.Lock()
	d.messages[m.ID] = m
	d.mu.Unlock()

	return sendErr
}

// SendTemplate renders a template and sends the resulting message.
func (d *Dispatcher) SendTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Message, error) {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	m := &Message{
		Channel:      d.templates.channelFor(templateID),
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	if err := d.Send(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

func (d *Dispatcher) deliver(ctx context.Context, m *Message) error {
	switch m.Channel {
	case ChannelEmail:
		return d.emailSender.SendEmail(ctx, m.Recipient, m.Subject, m.Body)
	case ChannelSMS:
		return d.smsSender.SendSMS(ctx, m.Recipient, m.Body)
	default:
		return fmt.Errorf("unsupported channel: %s", m.Channel)
	}
}

func (d *Dispatcher) record(m *Message, sendErr error) {
	if sendErr != nil {
		m.Status = "failed"
		m.Error = sendErr.Error()
		return
	}
	m.Status = "sent"
	sentAt := time.Now().UTC()
	m.SentAt = &sentAt
	m.Error = ""
}

// Get retrieves a recorded message by ID.
func (d *Dispatcher) Get(_ context.Context, id string) (*Message, error) {
	d.mu.RLock()
	m, ok := d.messages[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("message %q not found", id)
	}
	return m, nil
}

// Retry re-sends a failed message. It is an error to retry a message that is
// not in "failed" status.
func (d *Dispatcher) Retry(ctx context.Context, id string) error {
	d.mu.RLock()
	m, ok := d.messages[id]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("message %q not found", id)
	}
	if m.Status != "failed" {
		return fmt.Errorf("message %q is not in failed status (current: %s)", id, m.Status)
	}

	sendErr := d.deliver(ctx, m)
	d.mu.Lock()
	d.record(m, sendErr)
	d.mu.Unlock()
	return sendErr
}

// Stats returns message counts grouped by status.
func (d *Dispatcher) Stats(_ context.Context) map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := make(map[string]int)
	for _, m := range d.messages {
		stats[m.Status]++
	}
	return stats
}

// EmailCall records a single SendEmail invocation.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single SendSMS invocation.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
