package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/waldenltd/communication-agent/internal/models"
)

// FetchCustomerContact returns the contact surface of a tenant DMS customer
// row, or nil when the customer does not exist.
func (g *Gateway) FetchCustomerContact(ctx context.Context, tenantID string, customerID int64) (*models.CustomerContact, error) {
	pool, err := g.TenantPool(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var c models.CustomerContact
	var email, phone, preference sql.NullString
	var dndUntil sql.NullTime
	err = pool.QueryRowContext(ctx,
		`SELECT id, email, phone_mobile, contact_preference, do_not_disturb_until
		 FROM customers WHERE id = $1`, customerID,
	).Scan(&c.ID, &email, &phone, &preference, &dndUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch customer contact failed: %w", err)
	}
	c.Email = email.String
	c.Phone = phone.String
	c.ContactPreference = preference.String
	if dndUntil.Valid {
		c.DoNotDisturbUntil = &dndUntil.Time
	}
	return &c, nil
}

// FindFallbackEmail returns the customer's email for SMS fallback, or ""
// when the customer is unknown or has no email.
func (g *Gateway) FindFallbackEmail(ctx context.Context, tenantID string, customerID int64) (string, error) {
	customer, err := g.FetchCustomerContact(ctx, tenantID, customerID)
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", nil
	}
	return customer.Email, nil
}

// GetContactPreference returns the customer's stored contact preference.
// do_not_contact is authoritative; "" means no preference recorded or
// customer unknown.
func (g *Gateway) GetContactPreference(ctx context.Context, tenantID string, customerID int64) (string, error) {
	customer, err := g.FetchCustomerContact(ctx, tenantID, customerID)
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", nil
	}
	return customer.ContactPreference, nil
}

// ServiceReminderCandidates finds customers whose equipment purchase is 23
// to 25 months old and who have an email on file.
func (g *Gateway) ServiceReminderCandidates(ctx context.Context, tenantID string) ([]models.ServiceReminderCandidate, error) {
	pool, err := g.TenantPool(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rows, err := pool.QueryContext(ctx,
		`SELECT c.id, c.email, c.first_name, c.last_name, s.model, s.serial_number
		 FROM sales s
		 INNER JOIN customers c ON c.id = s.customer_id
		 WHERE s.purchase_date BETWEEN NOW() - INTERVAL '25 months' AND NOW() - INTERVAL '23 months'
		   AND c.email IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("service reminder candidates query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.ServiceReminderCandidate
	for rows.Next() {
		var cand models.ServiceReminderCandidate
		var email, firstName, lastName, model, serial sql.NullString
		if err := rows.Scan(&cand.CustomerID, &email, &firstName, &lastName, &model, &serial); err != nil {
			return nil, fmt.Errorf("scan service reminder candidate failed: %w", err)
		}
		cand.Email = email.String
		cand.FirstName = firstName.String
		cand.LastName = lastName.String
		cand.Model = model.String
		cand.SerialNumber = serial.String
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("service reminder candidates iteration failed: %w", err)
	}
	slog.Debug("Gateway.ServiceReminderCandidates", "tenantID", tenantID, "count", len(candidates))
	return candidates, nil
}

// AppointmentsInConfirmationWindow finds appointments scheduled 24 to 25
// hours from now joined to the customer's mobile phone.
func (g *Gateway) AppointmentsInConfirmationWindow(ctx context.Context, tenantID string) ([]models.AppointmentCandidate, error) {
	pool, err := g.TenantPool(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rows, err := pool.QueryContext(ctx,
		`SELECT a.id, a.customer_id, a.scheduled_start, c.phone_mobile, c.first_name
		 FROM appointments a
		 INNER JOIN customers c ON c.id = a.customer_id
		 WHERE a.scheduled_start BETWEEN NOW() + INTERVAL '24 hours' AND NOW() + INTERVAL '25 hours'`,
	)
	if err != nil {
		return nil, fmt.Errorf("appointment window query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.AppointmentCandidate
	for rows.Next() {
		var cand models.AppointmentCandidate
		var phone, firstName sql.NullString
		if err := rows.Scan(&cand.AppointmentID, &cand.CustomerID, &cand.ScheduledStart, &phone, &firstName); err != nil {
			return nil, fmt.Errorf("scan appointment candidate failed: %w", err)
		}
		cand.Phone = phone.String
		cand.FirstName = firstName.String
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointment window iteration failed: %w", err)
	}
	slog.Debug("Gateway.AppointmentsInConfirmationWindow", "tenantID", tenantID, "count", len(candidates))
	return candidates, nil
}

// PastDueInvoices finds invoices at least 30 days past due with an open
// balance, joined to the customer's email.
func (g *Gateway) PastDueInvoices(ctx context.Context, tenantID string) ([]models.InvoiceCandidate, error) {
	pool, err := g.TenantPool(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rows, err := pool.QueryContext(ctx,
		`SELECT i.id, i.customer_id, i.due_date, i.balance, c.email, c.first_name
		 FROM invoices i
		 INNER JOIN customers c ON c.id = i.customer_id
		 WHERE i.due_date <= NOW() - INTERVAL '30 days'
		   AND i.balance > 0`,
	)
	if err != nil {
		return nil, fmt.Errorf("past due invoices query failed: %w", err)
	}
	defer rows.Close()

	var candidates []models.InvoiceCandidate
	for rows.Next() {
		var cand models.InvoiceCandidate
		var email, firstName sql.NullString
		if err := rows.Scan(&cand.InvoiceID, &cand.CustomerID, &cand.DueDate, &cand.Balance, &email, &firstName); err != nil {
			return nil, fmt.Errorf("scan invoice candidate failed: %w", err)
		}
		cand.Email = email.String
		cand.FirstName = firstName.String
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("past due invoices iteration failed: %w", err)
	}
	slog.Debug("Gateway.PastDueInvoices", "tenantID", tenantID, "count", len(candidates))
	return candidates, nil
}

// FetchWorkOrderEquipment returns equipment details for a work order, or
// nil when the work order does not exist.
func (g *Gateway) FetchWorkOrderEquipment(ctx context.Context, tenantID, workOrderNumber string) (*models.WorkOrderEquipment, error) {
	pool, err := g.TenantPool(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var eq models.WorkOrderEquipment
	var description, model, serial, manufacturer sql.NullString
	var year sql.NullInt64
	err = pool.QueryRowContext(ctx,
		`SELECT wo.work_order_number, wo.description, e.model, e.serial_number, e.year, e.manufacturer
		 FROM work_orders wo
		 LEFT JOIN equipment e ON e.id = wo.equipment_id
		 WHERE wo.work_order_number = $1`, workOrderNumber,
	).Scan(&eq.WorkOrderNumber, &description, &model, &serial, &year, &manufacturer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch work order equipment failed: %w", err)
	}
	eq.ServiceDescription = description.String
	eq.EquipmentModel = model.String
	eq.SerialNumber = serial.String
	eq.Year = int(year.Int64)
	eq.Manufacturer = manufacturer.String
	return &eq, nil
}
