package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/file-custody/internal/access"
	"github.com/kenneth/file-custody/internal/blob"
	"github.com/kenneth/file-custody/internal/crypto"
	"github.com/kenneth/file-custody/internal/ingest"
	"github.com/kenneth/file-custody/internal/store"
	"github.com/kenneth/file-custody/internal/tokens"
)

// APIError is a JSON error response.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error as {"success":false,"code":...,"error":...}.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorBody{Success: false, Code: e.Code, Error: e.Message})
}

type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// TranslateError maps domain and storage errors to API errors. Messages
// never carry internal detail for server-side failures.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, tokens.ErrTokenInvalid):
		return ErrInvalidToken
	case errors.Is(err, access.ErrForbidden):
		return ErrAccessDenied
	case errors.Is(err, store.ErrNotFound):
		return ErrFileNotFound
	case errors.Is(err, blob.ErrNotFound):
		return ErrContentGone
	case errors.Is(err, crypto.ErrIntegrity):
		return ErrIntegrityFailure
	case errors.Is(err, crypto.ErrMasterKeyMismatch):
		return &APIError{Code: "MasterKeyMismatch", Message: "The old master key does not match the active key.", HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, crypto.ErrInvalidMasterKey):
		return &APIError{Code: "InvalidMasterKey", Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, ingest.ErrTooManyFiles), errors.Is(err, ingest.ErrValidation):
		return &APIError{Code: "InvalidRequest", Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, ingest.ErrThreatDetected):
		return &APIError{Code: "ThreatDetected", Message: "The file was rejected by the malware scanner.", HTTPStatus: http.StatusUnprocessableEntity}
	case errors.Is(err, ingest.ErrMisconfigured), errors.Is(err, store.ErrUnavailable):
		return ErrServiceUnavailable
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return &APIError{Code: "EntityTooLarge", Message: "Request body is too large.", HTTPStatus: http.StatusRequestEntityTooLarge}
	}

	var smithyErr smithy.APIError
	if errors.As(err, &smithyErr) {
		switch smithyErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrContentGone
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return &APIError{Code: "StorageMisconfigured", Message: "File storage rejected the request.", HTTPStatus: http.StatusBadGateway}
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "InternalError":
			return ErrServiceUnavailable
		}
	}

	return ErrInternal
}

// Predefined errors.
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid request.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidToken is returned for every token failure so callers cannot
	// tell missing, expired and consumed tokens apart.
	ErrInvalidToken = &APIError{
		Code:       "InvalidToken",
		Message:    "Download link is invalid or has expired.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAccessDenied = &APIError{
		Code:       "AccessDenied",
		Message:    "Access denied.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrFileNotFound = &APIError{
		Code:       "FileNotFound",
		Message:    "The specified file does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrContentGone = &APIError{
		Code:       "FileContentMissing",
		Message:    "The stored file content is no longer available.",
		HTTPStatus: http.StatusGone,
	}

	ErrIntegrityFailure = &APIError{
		Code:       "IntegrityError",
		Message:    "The stored file failed its integrity check.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrFeatureDisabled = &APIError{
		Code:       "FeatureDisabled",
		Message:    "This feature is disabled.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrServiceUnavailable = &APIError{
		Code:       "ServiceUnavailable",
		Message:    "The service is temporarily unavailable.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)

func invalidRequest(format string, args ...any) *APIError {
	return &APIError{Code: "InvalidRequest", Message: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}
