package pii

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks configured top-level fields of record payloads before they
// are stored.
type Redactor struct {
	fieldsToRedact map[string]struct{}
	logger         *slog.Logger
}

// NewRedactor creates a new Redactor instance with a given set of fields to
// redact. Blank names are ignored.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field == "" {
			continue
		}
		fieldSet[field] = struct{}{}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger.With("component", "redactor"),
	}
}

// Enabled reports whether any field is configured.
func (r *Redactor) Enabled() bool {
	return r != nil && len(r.fieldsToRedact) > 0
}

// Redact returns payload with every configured field replaced by
// RedactedPlaceholder and whether anything was replaced. Payloads that are
// not JSON objects come back unchanged.
func (r *Redactor) Redact(payload json.RawMessage) (json.RawMessage, bool, error) {
	if !r.Enabled() || len(payload) == 0 {
		return payload, false, nil
	}
	if trimmed := bytes.TrimSpace(payload); len(trimmed) == 0 || trimmed[0] != '{' {
		return payload, false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload, false, err
	}

	redacted := false
	for field := range r.fieldsToRedact {
		if _, ok := fields[field]; ok {
			fields[field] = json.RawMessage(`"` + RedactedPlaceholder + `"`)
			redacted = true
		}
	}
	if !redacted {
		return payload, false, nil
	}

	out, err := json.Marshal(fields)
	if err != nil {
		r.logger.Error("Failed to marshal payload after redaction", "error", err)
		return payload, false, err
	}
	return out, true, nil
}
