package pii

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactor(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	redactor := NewRedactor([]string{"email", "ssn", ""}, logger)

	tests := []struct {
		name           string
		payload        string
		expected       string
		expectRedacted bool
		expectErr      bool
	}{
		{
			name:           "Redact single field",
			payload:        `{"email": "test@example.com", "user_id": 123}`,
			expected:       `{"email":"[REDACTED]","user_id":123}`,
			expectRedacted: true,
		},
		{
			name:           "Redact multiple fields",
			payload:        `{"email": "test@example.com", "ssn": "000-00-0000"}`,
			expected:       `{"email":"[REDACTED]","ssn":"[REDACTED]"}`,
			expectRedacted: true,
		},
		{
			name:     "No fields to redact",
			payload:  `{"user_id": 123, "action": "login"}`,
			expected: `{"user_id": 123, "action": "login"}`,
		},
		{
			name:     "Nested field is left alone",
			payload:  `{"user": {"email": "test@example.com"}}`,
			expected: `{"user": {"email": "test@example.com"}}`,
		},
		{
			name:     "Array payload",
			payload:  `[{"email": "test@example.com"}]`,
			expected: `[{"email": "test@example.com"}]`,
		},
		{
			name:      "Invalid JSON payload",
			payload:   `{"email": "test@example.com"`,
			expected:  `{"email": "test@example.com"`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, redacted, err := redactor.Redact(json.RawMessage(tt.payload))
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expectRedacted, redacted)
			if tt.expectRedacted {
				assert.JSONEq(t, tt.expected, string(out))
			} else {
				assert.Equal(t, tt.expected, string(out))
			}
		})
	}
}

func TestRedactor_Disabled(t *testing.T) {
	var nilRedactor *Redactor
	assert.False(t, nilRedactor.Enabled())

	out, redacted, err := nilRedactor.Redact(json.RawMessage(`{"email":"a@b.c"}`))
	require.NoError(t, err)
	assert.False(t, redacted)
	assert.Equal(t, `{"email":"a@b.c"}`, string(out))

	empty := NewRedactor(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, empty.Enabled())
}
