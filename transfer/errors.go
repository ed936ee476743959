package transfer

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// APIError is a failed Transfer API call. StatusCode, StatusMessage and
// Message are always set; the remaining fields are filled from the error
// body when it can be decoded.
type APIError struct {
	StatusCode    int
	StatusMessage string
	// ErrorCode comes from the X-Transfer-API-Error response header.
	ErrorCode string
	RequestID string
	Resource  string
	Code      string
	Message   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "transfer api error: %d %s", e.StatusCode, e.StatusMessage)
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	} else if e.ErrorCode != "" {
		fmt.Fprintf(&b, " code=%s", e.ErrorCode)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " resource=%s", e.Resource)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", e.RequestID)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	return b.String()
}

// Is reports whether target is ErrAPI.
func (e *APIError) Is(target error) bool {
	return target == ErrAPI
}

// TranslateError builds an APIError from a failed response. A body that the
// format cannot decode does not suppress the error: the decode failure is
// appended to Message.
func TranslateError(format Format, statusCode int, statusMessage, errorCode string, body []byte) *APIError {
	if format == nil {
		format = JSON
	}
	if statusMessage == "" {
		statusMessage = http.StatusText(statusCode)
	}
	out := &APIError{
		StatusCode:    statusCode,
		StatusMessage: statusMessage,
		ErrorCode:     errorCode,
	}

	fields, err := format.ParseError(body)
	out.RequestID = fields.RequestID
	out.Resource = fields.Resource
	out.Code = fields.Code
	out.Message = fields.Message
	if err != nil {
		detail := fmt.Sprintf("unparseable %s error body: %v", format.Name(), err)
		if out.Message != "" {
			out.Message += "; " + detail
		} else {
			out.Message = detail
		}
	}
	if out.Message == "" {
		out.Message = statusMessage
	}
	if out.Message == "" {
		out.Message = "status " + strconv.Itoa(statusCode)
	}
	return out
}

// statusMessage strips the numeric prefix from an http.Response Status.
func statusMessage(resp *http.Response) string {
	msg := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return http.StatusText(resp.StatusCode)
	}
	return msg
}
