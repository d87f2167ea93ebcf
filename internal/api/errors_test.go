package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/file-custody/internal/access"
	"github.com/kenneth/file-custody/internal/blob"
	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/ingest"
	"github.com/kenneth/file-custody/internal/store"
	"github.com/kenneth/file-custody/internal/tokens"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"token", fmt.Errorf("consume: %w", tokens.ErrTokenInvalid), http.StatusForbidden, "InvalidToken"},
		{"forbidden", access.ErrForbidden, http.StatusForbidden, "AccessDenied"},
		{"record missing", fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound, "FileNotFound"},
		{"blob missing", blob.ErrNotFound, http.StatusGone, "FileContentMissing"},
		{"integrity", crypto.ErrIntegrity, http.StatusInternalServerError, "IntegrityError"},
		{"master key mismatch", crypto.ErrMasterKeyMismatch, http.StatusBadRequest, "MasterKeyMismatch"},
		{"invalid master key", crypto.ErrInvalidMasterKey, http.StatusBadRequest, "InvalidMasterKey"},
		{"validation", fmt.Errorf("%w: bad name", ingest.ErrValidation), http.StatusBadRequest, "InvalidRequest"},
		{"threat", ingest.ErrThreatDetected, http.StatusUnprocessableEntity, "ThreatDetected"},
		{"misconfigured", ingest.ErrMisconfigured, http.StatusServiceUnavailable, "ServiceUnavailable"},
		{"store unavailable", fmt.Errorf("list secrets: %w", store.ErrUnavailable), http.StatusServiceUnavailable, "ServiceUnavailable"},
		{"too large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, "EntityTooLarge"},
		{"s3 no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, http.StatusGone, "FileContentMissing"},
		{"s3 access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, http.StatusBadGateway, "StorageMisconfigured"},
		{"s3 slow down", &smithy.GenericAPIError{Code: "SlowDown"}, http.StatusServiceUnavailable, "ServiceUnavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := TranslateError(tt.err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.status, apiErr.HTTPStatus)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}

	assert.Nil(t, TranslateError(nil))
}

func TestTranslateError_HidesInternalDetail(t *testing.T) {
	apiErr := TranslateError(fmt.Errorf("dial tcp 10.0.0.5:5432: %w", errors.New("connection refused")))
	assert.NotContains(t, apiErr.Message, "10.0.0.5")
}

func TestAPIError_WriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	ErrFileNotFound.WriteJSON(rr)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "FileNotFound", body.Code)
	assert.NotEmpty(t, body.Error)
}
