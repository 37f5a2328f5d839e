package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/chatrelay/pkg/api"
)

// MapHTTPError converts an HTTP response with a non-2xx status code into
// an APIError. It attempts to parse the response body as a ChatErrorResponse
// to extract a descriptive message.
func MapHTTPError(resp *http.Response) *api.APIError {
	message := ExtractErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		if message == "" {
			message = "upstream rejected the request"
		}
		return api.NewUpstreamError(fmt.Sprintf("upstream returned HTTP 400: %s", message))

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if message == "" {
			message = "upstream authentication failed"
		}
		return api.NewUpstreamError(fmt.Sprintf("upstream returned HTTP %d: %s", resp.StatusCode, message))

	case resp.StatusCode == http.StatusNotFound:
		if message == "" {
			message = "upstream model or endpoint not found"
		}
		return api.NewUpstreamError(fmt.Sprintf("upstream returned HTTP 404: %s", message))

	case resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = "upstream rate limit exceeded"
		}
		return api.NewTooManyRequestsError(message)

	case resp.StatusCode >= http.StatusInternalServerError:
		if message == "" {
			message = fmt.Sprintf("upstream server error (HTTP %d)", resp.StatusCode)
		}
		return api.NewUpstreamError(message)

	default:
		if message == "" {
			message = fmt.Sprintf("unexpected upstream status (HTTP %d)", resp.StatusCode)
		}
		return api.NewUpstreamError(message)
	}
}

// MapNetworkError converts a network-level error (connection refused, timeout,
// DNS resolution failure) into an APIError with a descriptive message.
func MapNetworkError(err error) *api.APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewUpstreamError("upstream request timed out")
	}
	return api.NewUpstreamError(fmt.Sprintf("upstream connection error: %s", err.Error()))
}

// ExtractErrorMessage tries to parse the response body as a ChatErrorResponse
// and returns the error message if found.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	return ""
}
