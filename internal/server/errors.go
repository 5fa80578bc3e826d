package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	chunkdomain "github.com/smallbiznis/streampay/internal/chunk/domain"
	ledgerdomain "github.com/smallbiznis/streampay/internal/ledger/domain"
	proofdomain "github.com/smallbiznis/streampay/internal/proof/domain"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, proofdomain.ErrProofInvalid),
		errors.Is(err, proofdomain.ErrProofExpired):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, sessiondomain.ErrSessionNotActive),
		errors.Is(err, sessiondomain.ErrPriceChangedSinceApproval),
		errors.Is(err, videodomain.ErrVideoNotActive),
		errors.Is(err, settlementdomain.ErrSettlementInProgress),
		errors.Is(err, settlementdomain.ErrCounterConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, settlementdomain.ErrExternalLedgerRejected):
		return http.StatusBadGateway, errorPayload{
			Type:    "external_ledger_rejected",
			Message: "external ledger rejected the settlement",
		}
	case errors.Is(err, settlementdomain.ErrExternalLedgerTimeout):
		return http.StatusGatewayTimeout, errorPayload{
			Type:    "external_ledger_timeout",
			Message: "external ledger did not confirm in time",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger a stable type and code.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	code := payload.Type
	if status == http.StatusBadRequest && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	} else if status < http.StatusInternalServerError {
		code = err.Error()
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, chunkdomain.ErrInvalidSegment),
		errors.Is(err, chunkdomain.ErrSegmentOutOfRange),
		errors.Is(err, settlementdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	case isSessionValidationError(err),
		isVideoValidationError(err):
		return true
	default:
		return false
	}
}

func isSessionValidationError(err error) bool {
	switch {
	case errors.Is(err, sessiondomain.ErrInvalidViewer),
		errors.Is(err, sessiondomain.ErrInvalidVideo),
		errors.Is(err, sessiondomain.ErrInvalidMaxChunks),
		errors.Is(err, sessiondomain.ErrMaxChunksPerApproval),
		errors.Is(err, sessiondomain.ErrPriceTooLow),
		errors.Is(err, sessiondomain.ErrPriceMismatch):
		return true
	default:
		return false
	}
}

func isVideoValidationError(err error) bool {
	switch {
	case errors.Is(err, videodomain.ErrInvalidVideoID),
		errors.Is(err, videodomain.ErrInvalidCreator),
		errors.Is(err, videodomain.ErrInvalidTitle),
		errors.Is(err, videodomain.ErrInvalidPrice),
		errors.Is(err, videodomain.ErrInvalidChunkTotal),
		errors.Is(err, ledgerdomain.ErrInvalidAccount):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, videodomain.ErrVideoNotFound),
		errors.Is(err, settlementdomain.ErrSettlementNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	switch code {
	case "segment_out_of_range":
		return "segment"
	case "max_chunks_per_approval_exceeded":
		return "max_approved_chunks"
	case "price_too_low", "price_mismatch":
		return "price_per_chunk"
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "max_chunks_per_approval_exceeded":
		return "too many chunks for one approval"
	case "price_mismatch":
		return "price does not match the video price"
	case "segment_out_of_range":
		return "segment is past the end of the video"
	default:
		return "invalid value"
	}
}
