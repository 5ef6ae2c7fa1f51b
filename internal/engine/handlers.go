package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/waldenltd/communication-agent/internal/models"
)

// optOutReason is recorded on jobs skipped for an opted-out customer.
const optOutReason = "Customer opted out of communications"

// handleSendSMS sends one SMS. The payload requires "to" and "body"; the
// sender defaults to the tenant's Twilio number.
func handleSendSMS(ctx context.Context, job *models.Job, hc *HandlerContext) (*models.HandlerResult, error) {
	to := job.Payload.String("to")
	if to == "" {
		return nil, errors.New(`SMS payload missing "to"`)
	}
	body := job.Payload.String("body")
	if body == "" {
		return nil, errors.New(`SMS payload missing "body"`)
	}
	from := job.Payload.String("from")
	if from == "" {
		from = hc.TenantConfig.TwilioFromNumber
	}
	if from == "" {
		return nil, errors.New(`SMS payload missing "from" and tenant has no default number`)
	}

	_, err := hc.SMS.SendSMS(ctx, hc.TenantConfig, models.SMSMessage{To: to, Body: body, From: from})
	return nil, err
}

// handleSendEmail sends one email. The payload requires "to", "subject",
// and "body"; optional keys carry html body, cc/bcc, reply-to, inline
// attachments, and document references resolved through the attachment
// fetcher before dispatch.
func handleSendEmail(ctx context.Context, job *models.Job, hc *HandlerContext) (*models.HandlerResult, error) {
	to := job.Payload.String("to")
	if to == "" {
		return nil, errors.New(`email payload missing "to"`)
	}
	subject := job.Payload.String("subject")
	if subject == "" {
		return nil, errors.New(`email payload missing "subject"`)
	}
	body := job.Payload.String("body")
	if body == "" {
		return nil, errors.New(`email payload missing "body"`)
	}

	msg := models.EmailMessage{
		To:          to,
		Subject:     subject,
		Body:        body,
		HTMLBody:    job.Payload.String("html_body"),
		From:        job.Payload.String("from"),
		CC:          job.Payload.Strings("cc"),
		BCC:         job.Payload.Strings("bcc"),
		ReplyTo:     job.Payload.String("reply_to"),
		Attachments: job.Payload.Attachments(),
	}

	if refs := job.Payload.AttachmentRefs(); len(refs) > 0 {
		attachments, err := resolveAttachmentRefs(ctx, refs, hc)
		if err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, attachments...)
	}

	_, err := hc.Email.SendEmail(ctx, hc.TenantConfig, msg)
	return nil, err
}

// resolveAttachmentRefs fetches referenced PDFs from the tenant's service
// API. A missing document is skipped with a warning; a fetch error fails
// the job so the attempt can retry.
func resolveAttachmentRefs(ctx context.Context, refs []models.AttachmentRef, hc *HandlerContext) ([]models.EmailAttachment, error) {
	if hc.Attachments == nil || hc.TenantConfig.APIBaseURL == "" {
		hc.Logger.Warn("handleSendEmail: attachment refs present but no fetcher or api_base_url configured", "refs", len(refs))
		return nil, nil
	}

	var attachments []models.EmailAttachment
	for _, ref := range refs {
		var content []byte
		var err error
		switch ref.Kind {
		case "invoice":
			content, err = hc.Attachments.FetchInvoicePDF(ctx, hc.TenantConfig.APIBaseURL, ref.ID)
		case "work_order":
			content, err = hc.Attachments.FetchWorkOrderPDF(ctx, hc.TenantConfig.APIBaseURL, ref.ID)
		default:
			hc.Logger.Warn("handleSendEmail: unknown attachment ref kind", "kind", ref.Kind, "id", ref.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s/%s: %w", ref.Kind, ref.ID, err)
		}
		if content == nil {
			hc.Logger.Warn("handleSendEmail: referenced document not found", "kind", ref.Kind, "id", ref.ID)
			continue
		}
		filename := ref.Filename
		if filename == "" {
			filename = fmt.Sprintf("%s_%s.pdf", ref.Kind, ref.ID)
		}
		attachments = append(attachments, models.EmailAttachment{
			Filename:    filename,
			Content:     content,
			ContentType: "application/pdf",
		})
	}
	return attachments, nil
}

// handleNotifyCustomer resolves a delivery channel for a customer and
// dispatches through the matching messenger. Channel resolution order: an
// authoritative do_not_contact preference skips the job, then the DMS
// preference, the payload's preferred_channel, presence of phone/email, and
// finally the payload's fallback_channel.
func handleNotifyCustomer(ctx context.Context, job *models.Job, hc *HandlerContext) (*models.HandlerResult, error) {
	customerID, ok := job.Payload.Int64("customer_id")
	if !ok {
		return nil, errors.New("notify_customer job missing customer_id")
	}
	body := job.Payload.String("body")
	if body == "" {
		return nil, errors.New("notify_customer job missing body")
	}

	customer, err := hc.Tenants.FetchCustomerContact(ctx, job.TenantID, customerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, fmt.Errorf("customer %d not found for tenant %s", customerID, job.TenantID)
	}

	preference, err := hc.Tenants.GetContactPreference(ctx, job.TenantID, customerID)
	if err != nil {
		return nil, err
	}
	if preference == models.ContactPreferenceDoNotContact {
		return &models.HandlerResult{Skip: true, Reason: optOutReason}, nil
	}
	if preference == "" {
		preference = job.Payload.String("preferred_channel")
	}

	channel := preference
	if channel == "" {
		switch {
		case customer.Phone != "":
			channel = models.ContactPreferenceSMS
		case customer.Email != "":
			channel = models.ContactPreferenceEmail
		}
	}
	if channel == "" {
		channel = job.Payload.String("fallback_channel")
	}
	// Voice calls are not a supported transport; "phone" preference means
	// reach the customer on their phone, which here is SMS.
	if channel == models.ContactPreferencePhone {
		channel = models.ContactPreferenceSMS
	}

	switch channel {
	case models.ContactPreferenceSMS:
		if customer.Phone == "" {
			return nil, errors.New("customer is missing a phone number")
		}
		from := job.Payload.String("from")
		if from == "" {
			from = hc.TenantConfig.TwilioFromNumber
		}
		_, err := hc.SMS.SendSMS(ctx, hc.TenantConfig, models.SMSMessage{To: customer.Phone, Body: body, From: from})
		return nil, err
	case models.ContactPreferenceEmail:
		if customer.Email == "" {
			return nil, errors.New("customer is missing an email address")
		}
		_, err := hc.Email.SendEmail(ctx, hc.TenantConfig, models.EmailMessage{
			To:      customer.Email,
			Subject: job.Payload.StringOr("subject", "Notification"),
			Body:    body,
		})
		return nil, err
	case "":
		return nil, fmt.Errorf("no contact channel available for customer %d", customerID)
	default:
		return nil, fmt.Errorf("unsupported contact channel %q", channel)
	}
}
