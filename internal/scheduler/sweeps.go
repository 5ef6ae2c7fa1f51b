package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/waldenltd/communication-agent/internal/models"
)

// Event types used to look up message templates for sweep copy.
const (
	EventServiceReminder         = "service_reminder"
	EventAppointmentConfirmation = "appointment_confirmation"
	EventInvoiceReminder         = "invoice_reminder"
)

// runServiceReminders sweeps every tenant for customers whose equipment
// purchase is approaching two years and enqueues a reminder email each.
func (s *Scheduler) runServiceReminders(ctx context.Context) error {
	tenants, err := s.queue.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	enqueued := 0
	for _, tenantID := range tenants {
		candidates, err := s.source.ServiceReminderCandidates(ctx, tenantID)
		if err != nil {
			slog.Error("Scheduler.runServiceReminders: candidate query failed", "tenantID", tenantID, "error", err)
			continue
		}
		for _, cand := range candidates {
			if cand.Email == "" {
				continue
			}

			fullName := strings.TrimSpace(cand.FirstName + " " + cand.LastName)
			model := cand.Model
			if model == "" {
				model = "equipment"
			}
			subject, body := s.renderOrDefault(ctx, EventServiceReminder, tenantID, "email",
				map[string]string{
					"first_name":    cand.FirstName,
					"last_name":     cand.LastName,
					"full_name":     fullName,
					"model":         model,
					"serial_number": cand.SerialNumber,
				},
				"2-Year Tune-Up Special",
				fmt.Sprintf("Hi %s, it has been almost two years since your %s purchase. Schedule a 2-Year Tune-Up Special to keep it running at peak performance.",
					nameOr(fullName, "there"), model),
			)

			_, inserted, err := s.queue.InsertJob(ctx, models.NewJob{
				TenantID: tenantID,
				Type:     models.JobTypeSendEmail,
				Payload: models.Payload{
					"to":          cand.Email,
					"subject":     subject,
					"body":        body,
					"customer_id": cand.CustomerID,
				},
				SourceReference: fmt.Sprintf("service_reminder_%s_%d", tenantID, cand.CustomerID),
			})
			if err != nil {
				slog.Error("Scheduler.runServiceReminders: insert failed", "tenantID", tenantID, "customerID", cand.CustomerID, "error", err)
				continue
			}
			if inserted {
				enqueued++
			}
		}
	}
	slog.Info("Scheduler.runServiceReminders: sweep completed", "enqueued", enqueued)
	return nil
}

// runAppointmentConfirmations sweeps every tenant for appointments 24 to 25
// hours out and enqueues a confirmation SMS each.
func (s *Scheduler) runAppointmentConfirmations(ctx context.Context) error {
	tenants, err := s.queue.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	enqueued := 0
	for _, tenantID := range tenants {
		appointments, err := s.source.AppointmentsInConfirmationWindow(ctx, tenantID)
		if err != nil {
			slog.Error("Scheduler.runAppointmentConfirmations: candidate query failed", "tenantID", tenantID, "error", err)
			continue
		}
		for _, appt := range appointments {
			if appt.Phone == "" {
				continue
			}

			when := "soon"
			if !appt.ScheduledStart.IsZero() {
				when = appt.ScheduledStart.Format("2006-01-02 15:04")
			}
			_, body := s.renderOrDefault(ctx, EventAppointmentConfirmation, tenantID, "sms",
				map[string]string{
					"first_name":      appt.FirstName,
					"scheduled_start": when,
				},
				"",
				fmt.Sprintf("Hi %s, this is a reminder of your service appointment scheduled for %s. Reply YES to confirm or call us to reschedule.",
					appt.FirstName, when),
			)

			_, inserted, err := s.queue.InsertJob(ctx, models.NewJob{
				TenantID: tenantID,
				Type:     models.JobTypeSendSMS,
				Payload: models.Payload{
					"to":          appt.Phone,
					"body":        body,
					"customer_id": appt.CustomerID,
				},
				SourceReference: fmt.Sprintf("appointment_%s_%d", tenantID, appt.AppointmentID),
			})
			if err != nil {
				slog.Error("Scheduler.runAppointmentConfirmations: insert failed", "tenantID", tenantID, "appointmentID", appt.AppointmentID, "error", err)
				continue
			}
			if inserted {
				enqueued++
			}
		}
	}
	slog.Info("Scheduler.runAppointmentConfirmations: sweep completed", "enqueued", enqueued)
	return nil
}

// runInvoiceReminders sweeps every tenant for invoices at least 30 days
// past due and enqueues a reminder email each.
func (s *Scheduler) runInvoiceReminders(ctx context.Context) error {
	tenants, err := s.queue.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	now := s.clock()
	enqueued := 0
	for _, tenantID := range tenants {
		invoices, err := s.source.PastDueInvoices(ctx, tenantID)
		if err != nil {
			slog.Error("Scheduler.runInvoiceReminders: candidate query failed", "tenantID", tenantID, "error", err)
			continue
		}
		for _, inv := range invoices {
			if inv.Email == "" {
				continue
			}

			days := daysPastDue(now, inv.DueDate)
			subject, body := s.renderOrDefault(ctx, EventInvoiceReminder, tenantID, "email",
				map[string]string{
					"first_name":    nameOr(inv.FirstName, "there"),
					"invoice_id":    fmt.Sprintf("%d", inv.InvoiceID),
					"days_past_due": fmt.Sprintf("%d", days),
					"balance":       fmt.Sprintf("%.2f", inv.Balance),
				},
				"Friendly invoice reminder",
				fmt.Sprintf("Hello %s, invoice #%d is now %d days past due. Your outstanding balance is $%.2f. Please reply or log into your portal to pay.",
					nameOr(inv.FirstName, "there"), inv.InvoiceID, days, inv.Balance),
			)

			_, inserted, err := s.queue.InsertJob(ctx, models.NewJob{
				TenantID: tenantID,
				Type:     models.JobTypeSendEmail,
				Payload: models.Payload{
					"to":          inv.Email,
					"subject":     subject,
					"body":        body,
					"customer_id": inv.CustomerID,
				},
				SourceReference: fmt.Sprintf("invoice_%s_%d", tenantID, inv.InvoiceID),
			})
			if err != nil {
				slog.Error("Scheduler.runInvoiceReminders: insert failed", "tenantID", tenantID, "invoiceID", inv.InvoiceID, "error", err)
				continue
			}
			if inserted {
				enqueued++
			}
		}
	}
	slog.Info("Scheduler.runInvoiceReminders: sweep completed", "enqueued", enqueued)
	return nil
}

// renderOrDefault renders sweep copy from the tenant's template when one
// exists, falling back to the built-in subject and body.
func (s *Scheduler) renderOrDefault(ctx context.Context, eventType, tenantID, commType string, vars map[string]string, defaultSubject, defaultBody string) (string, string) {
	if s.renderer == nil {
		return defaultSubject, defaultBody
	}
	msg, err := s.renderer.Render(ctx, eventType, tenantID, commType, vars)
	if err != nil || msg == nil || msg.Body == "" {
		return defaultSubject, defaultBody
	}
	subject := msg.Subject
	if subject == "" {
		subject = defaultSubject
	}
	return subject, msg.Body
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
