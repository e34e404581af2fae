package github

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
)

type apiError struct {
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"errors"`
}

func (e apiError) text() string {
	parts := []string{e.Message}
	for _, d := range e.Errors {
		switch {
		case d.Message != "":
			parts = append(parts, d.Message)
		case d.Code != "":
			parts = append(parts, d.Code)
		}
	}
	return strings.TrimSpace(strings.Join(parts, ": "))
}

// classifyResponse maps an HTTP error response onto the error taxonomy.
func classifyResponse(op string, resp *http.Response, body []byte, now time.Time) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.text()
	if msg == "" {
		msg = resp.Status
	}
	lower := strings.ToLower(msg)

	e := &achieve.Error{Op: op, Message: msg, StatusCode: resp.StatusCode}
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		e.Kind = achieve.ErrAuthentication
	case code == http.StatusTooManyRequests,
		code == http.StatusForbidden && isRateLimited(resp.Header, lower):
		e.Kind = achieve.ErrRateLimited
		e.ResetAt = resetTime(resp.Header, now)
	case code == http.StatusForbidden:
		e.Kind = achieve.ErrPermission
	case code == http.StatusNotFound:
		e.Kind = achieve.ErrNotFound
	case code == http.StatusConflict:
		e.Kind = achieve.ErrConflict
	case code == http.StatusUnprocessableEntity:
		e.Kind = achieve.ErrValidation
		if strings.Contains(lower, "already exists") || strings.Contains(lower, "already_exists") {
			e.Kind = achieve.ErrConflict
		}
	case code >= 500:
		e.Kind = achieve.ErrServer
	default:
		e.Kind = achieve.ErrValidation
	}
	return e
}

func isRateLimited(h http.Header, lowerMsg string) bool {
	return h.Get("X-RateLimit-Remaining") == "0" ||
		h.Get("Retry-After") != "" ||
		strings.Contains(lowerMsg, "rate limit")
}

// resetTime prefers Retry-After (seconds) over X-RateLimit-Reset (epoch seconds).
func resetTime(h http.Header, now time.Time) time.Time {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(epoch, 0)
		}
	}
	return time.Time{}
}

// graphQLError is one entry of a GraphQL "errors" array.
type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func classifyGraphQL(op string, errs []graphQLError) error {
	first := errs[0]
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	e := &achieve.Error{Op: op, Message: strings.Join(msgs, "; ")}
	switch strings.ToUpper(first.Type) {
	case "RATE_LIMITED":
		e.Kind = achieve.ErrRateLimited
	case "NOT_FOUND":
		e.Kind = achieve.ErrNotFound
	case "FORBIDDEN", "INSUFFICIENT_SCOPES":
		e.Kind = achieve.ErrPermission
	case "UNPROCESSABLE":
		e.Kind = achieve.ErrValidation
		if strings.Contains(strings.ToLower(e.Message), "already") {
			e.Kind = achieve.ErrConflict
		}
	default:
		e.Kind = achieve.ErrValidation
	}
	return e
}
