package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/waldenltd/communication-agent/internal/models"
)

// jobColumns is the column list shared by all job queries.
const jobColumns = `id, tenant_id, job_type, payload, status, retry_count, max_retries, last_error, process_after, source_reference, locked_at, created_at, updated_at, completed_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans one communication_jobs row.
func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var payloadRaw []byte
	var lastError, sourceReference sql.NullString
	var lockedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Type, &payloadRaw, &j.Status, &j.RetryCount, &j.MaxRetries,
		&lastError, &j.ProcessAfter, &sourceReference, &lockedAt, &j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return j, err
	}
	j.LastError = lastError.String
	j.SourceReference = sourceReference.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	j.Payload = models.Payload{}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &j.Payload); err != nil {
			return j, fmt.Errorf("decode job %d payload: %w", j.ID, err)
		}
	}
	return j, nil
}

// scanTenantConfig scans one tenant_configs row.
func scanTenantConfig(row rowScanner) (models.TenantConfig, error) {
	var cfg models.TenantConfig
	fields := []*string{
		&cfg.TwilioSID, &cfg.TwilioAuthToken, &cfg.TwilioFromNumber,
		&cfg.SendgridKey, &cfg.SendgridFrom, &cfg.EmailProvider,
		&cfg.ResendKey, &cfg.ResendFrom,
		&cfg.QuietHoursStart, &cfg.QuietHoursEnd,
		&cfg.APIBaseURL, &cfg.CompanyName, &cfg.DMSConnString,
	}
	nullable := make([]sql.NullString, len(fields))
	dest := make([]any, 0, len(fields)+1)
	dest = append(dest, &cfg.TenantID)
	for i := range nullable {
		dest = append(dest, &nullable[i])
	}
	if err := row.Scan(dest...); err != nil {
		return cfg, err
	}
	for i, f := range fields {
		*f = nullable[i].String
	}
	return cfg, nil
}

// scanMessageTemplate scans one message_templates row.
func scanMessageTemplate(row rowScanner) (models.MessageTemplate, error) {
	var t models.MessageTemplate
	var tenantID sql.NullString
	err := row.Scan(
		&t.ID, &tenantID, &t.EventType, &t.CommunicationType,
		&t.SubjectTemplate, &t.BodyTextTemplate, &t.BodyHTMLTemplate,
		&t.Description, &t.AIEnhance, &t.AIInstructions, &t.Version,
	)
	if err != nil {
		return t, err
	}
	t.TenantID = tenantID.String
	return t, nil
}

// encodePayload marshals a job payload, enriching it with the source
// reference so payload consumers see the same key the dedup index uses.
func encodePayload(payload models.Payload, sourceReference string) ([]byte, error) {
	if payload == nil {
		payload = models.Payload{}
	}
	if sourceReference != "" {
		enriched := make(models.Payload, len(payload)+1)
		for k, v := range payload {
			enriched[k] = v
		}
		enriched["source_reference"] = sourceReference
		payload = enriched
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return raw, nil
}
