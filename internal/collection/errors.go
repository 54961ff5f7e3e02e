package collection

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidInput       = errors.New("invalid record input")
)

// NotFoundError reports that the target record is absent. Callers should
// treat the record as already deleted rather than retry.
type NotFoundError struct {
	ID  int64
	Err *HTTPError
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record %d not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *NotFoundError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// PreconditionError reports that the concurrency token sent with a write no
// longer matches the record; the caller should reload before retrying.
type PreconditionError struct {
	ID    int64
	Token string
	Err   *HTTPError
}

func (e *PreconditionError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("precondition failed for record %d", e.ID)
	}
	return fmt.Sprintf("precondition failed for record %d (token %s)", e.ID, e.Token)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

func (e *PreconditionError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Class returns the status class, e.g. 4 for 404 and 5 for 503.
func (e *HTTPError) Class() int {
	return e.StatusCode / 100
}

const maxRawMessage = 200

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// newHTTPError extracts a best-effort human message from an error body. It
// understands {code,message}, RFC 7807 problem documents, {"error": ...}
// and falls back to the raw text or the status text.
func newHTTPError(status int, body []byte) *HTTPError {
	var payload struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
		Title   string          `json:"title"`
		Error   json.RawMessage `json:"error"`
	}
	out := &HTTPError{StatusCode: status}
	if err := json.Unmarshal(body, &payload); err == nil {
		out.Code = payload.Code
		switch {
		case payload.Message != "":
			out.Message = payload.Message
		case payload.Detail != "":
			out.Message = payload.Detail
		case len(payload.Error) > 0:
			out.Message = nestedErrorMessage(payload.Error)
		}
		if out.Message == "" {
			out.Message = payload.Title
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		out.Message = truncateUTF8(text, maxRawMessage)
	}
	if out.Message == "" {
		out.Message = strings.ToLower(http.StatusText(status))
	}
	return out
}

func nestedErrorMessage(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}

// classify turns a per-record HTTP failure into the distinct not-found and
// precondition-failed outcomes.
func classify(err error, id int64, token string) error {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	switch httpErr.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return &NotFoundError{ID: id, Err: httpErr}
	case http.StatusPreconditionFailed:
		return &PreconditionError{ID: id, Token: token, Err: httpErr}
	}
	return err
}
