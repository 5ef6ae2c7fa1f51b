// Package models defines core data types for the communication agent.
//
// It contains the durable job row, payload accessors, tenant configuration,
// and the read models returned by tenant DMS queries.
package models

import (
	"encoding/base64"
	"time"
)

// JobType identifies the handler a job is dispatched to.
type JobType string

const (
	JobTypeSendEmail      JobType = "send_email"
	JobTypeSendSMS        JobType = "send_sms"
	JobTypeNotifyCustomer JobType = "notify_customer"
)

// JobStatus represents the lifecycle state of a communication job.
type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusComplete            JobStatus = "complete"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
	JobStatusFailedFallbackEmail JobStatus = "failed_fallback_email"
)

// Job represents a durable row in communication_jobs.
type Job struct {
	ID              int64      `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Type            JobType    `json:"job_type"`
	Payload         Payload    `json:"payload"`
	Status          JobStatus  `json:"status"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	LastError       string     `json:"last_error"`
	ProcessAfter    time.Time  `json:"process_after"`
	SourceReference string     `json:"source_reference"`
	LockedAt        *time.Time `json:"locked_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// NewJob describes a job to be inserted into the queue.
// MaxRetries nil means the store default applies.
type NewJob struct {
	TenantID        string
	Type            JobType
	Payload         Payload
	ProcessAfter    time.Time
	SourceReference string
	MaxRetries      *int
}

// Payload is the decoded JSON payload of a job. Shape depends on the job
// type; accessors tolerate missing keys and JSON number decoding.
type Payload map[string]any

// String returns the string value for key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// StringOr returns the string value for key, or fallback when absent.
func (p Payload) StringOr(key, fallback string) string {
	if v := p.String(key); v != "" {
		return v
	}
	return fallback
}

// Bool returns the boolean value for key; absent or non-boolean is false.
func (p Payload) Bool(key string) bool {
	v, ok := p[key].(bool)
	return ok && v
}

// Int64 returns the integer value for key. JSON numbers decode as float64,
// so both representations are accepted.
func (p Payload) Int64(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Strings returns the string-slice value for key ([]any of strings after
// JSON decoding, or a native []string).
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Attachments decodes the inline "attachments" payload entries, each a map
// of {filename, content (base64), content_type}.
func (p Payload) Attachments() []EmailAttachment {
	items, ok := p["attachments"].([]any)
	if !ok {
		return nil
	}
	var out []EmailAttachment
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		att := EmailAttachment{
			Filename:    stringFrom(m, "filename"),
			ContentType: stringFrom(m, "content_type"),
		}
		if raw := stringFrom(m, "content"); raw != "" {
			if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
				att.Content = decoded
			}
		}
		if att.Filename != "" {
			out = append(out, att)
		}
	}
	return out
}

// AttachmentRefs decodes the "attachment_refs" payload entries, references
// to documents fetched from the tenant's service API before dispatch.
func (p Payload) AttachmentRefs() []AttachmentRef {
	items, ok := p["attachment_refs"].([]any)
	if !ok {
		return nil
	}
	var out []AttachmentRef
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref := AttachmentRef{
			Kind:     stringFrom(m, "kind"),
			ID:       stringFrom(m, "id"),
			Filename: stringFrom(m, "filename"),
		}
		if ref.Kind != "" && ref.ID != "" {
			out = append(out, ref)
		}
	}
	return out
}

func stringFrom(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// AttachmentRef points at a PDF document served by the tenant's service API.
type AttachmentRef struct {
	Kind     string // "invoice" or "work_order"
	ID       string
	Filename string
}

// TenantConfig holds a tenant's provider credentials and operational settings.
type TenantConfig struct {
	TenantID         string
	TwilioSID        string
	TwilioAuthToken  string
	TwilioFromNumber string
	SendgridKey      string
	SendgridFrom     string
	EmailProvider    string
	ResendKey        string
	ResendFrom       string
	QuietHoursStart  string
	QuietHoursEnd    string
	APIBaseURL       string
	CompanyName      string
	DMSConnString    string
}

// Contact preference values stored in tenant DMS customer rows.
const (
	ContactPreferenceEmail        = "email"
	ContactPreferenceSMS          = "sms"
	ContactPreferencePhone        = "phone"
	ContactPreferenceDoNotContact = "do_not_contact"
)

// CustomerContact is the contact surface of a tenant DMS customer row.
type CustomerContact struct {
	ID                int64
	Email             string
	Phone             string
	ContactPreference string
	DoNotDisturbUntil *time.Time
}

// ServiceReminderCandidate is a sale approaching its two-year service window.
type ServiceReminderCandidate struct {
	CustomerID   int64
	Email        string
	FirstName    string
	LastName     string
	Model        string
	SerialNumber string
}

// AppointmentCandidate is an appointment inside the confirmation window.
type AppointmentCandidate struct {
	AppointmentID  int64
	CustomerID     int64
	ScheduledStart time.Time
	Phone          string
	FirstName      string
}

// InvoiceCandidate is an invoice at least 30 days past due with open balance.
type InvoiceCandidate struct {
	InvoiceID  int64
	CustomerID int64
	DueDate    time.Time
	Balance    float64
	Email      string
	FirstName  string
}

// WorkOrderEquipment describes the equipment attached to a work order.
type WorkOrderEquipment struct {
	WorkOrderNumber    string
	ServiceDescription string
	EquipmentModel     string
	SerialNumber       string
	Year               int
	Manufacturer       string
}
