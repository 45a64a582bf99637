package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
)

const maxBodyBytesSmall int64 = 64 << 10

type errorResponse struct {
	Error       string   `json:"error"`
	Status      int      `json:"status"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
	Retryable   bool     `json:"retryable,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

func setNoStoreHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	setNoStoreHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response. A zero status is
// derived from the error code.
func respondError(w http.ResponseWriter, status int, err error) {
	if status == 0 {
		status = statusFor(err)
	}
	resp := errorResponse{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if gerr, ok := gserrors.As(err); ok {
		resp.Code = string(gerr.Code)
		if gerr.UserMessage != "" {
			resp.Message = gerr.UserMessage
		} else if gerr.Message != "" {
			resp.Message = gerr.Message
		}
		resp.Remediation = append([]string(nil), gerr.Remediation...)
		resp.Retryable = gerr.Retryable
		resp.Details = gerr.Error()
	} else if err != nil {
		resp.Message = err.Error()
		resp.Details = fmt.Sprintf("%v", err)
	}
	if len(resp.Remediation) == 0 {
		resp.Remediation = defaultRemediation(gserrors.ErrorCode(resp.Code), status)
	}
	resp.Error = resp.Message
	respondJSON(w, status, resp)
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(err error) int {
	switch gserrors.GetCode(err) {
	case gserrors.ErrCodeValidation, gserrors.ErrCodeInvalidInput, gserrors.ErrCodeReportFormat:
		return http.StatusBadRequest
	case gserrors.ErrCodeStorageNotFound:
		return http.StatusNotFound
	case gserrors.ErrCodeNavigation:
		return http.StatusBadGateway
	case gserrors.ErrCodeCheckTimeout:
		return http.StatusGatewayTimeout
	case gserrors.ErrCodeBrowser:
		return http.StatusServiceUnavailable
	case gserrors.ErrCodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func defaultRemediation(code gserrors.ErrorCode, status int) []string {
	switch code {
	case gserrors.ErrCodeValidation:
		return []string{"Send an absolute http:// or https:// URL with a host."}
	case gserrors.ErrCodeReportFormat:
		return []string{"Use one of: pdf, md, html, xlsx, json."}
	case gserrors.ErrCodeStorageRead, gserrors.ErrCodeStorageWrite:
		return []string{
			"Ensure the gdprscan data directory is writable and not full.",
			"Restart the server if the SQLite database was locked.",
		}
	case gserrors.ErrCodeBrowser:
		return []string{"Check that Chrome is installed or switch browser.engine to static."}
	}

	switch status {
	case http.StatusNotFound:
		return []string{"Verify the scan ID in the request URL."}
	case http.StatusTooManyRequests:
		return []string{"Wait for a running scan to finish and retry."}
	case http.StatusServiceUnavailable:
		return []string{"Retry after any long-running scans complete."}
	default:
		return nil
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) (int, error) {
	if r == nil || r.Body == nil {
		return http.StatusBadRequest, errors.New("request body required")
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return http.StatusBadRequest, errors.New("request body required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}

// parseIntDefault parses a positive integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}
