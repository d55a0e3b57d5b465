package bitstamp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bitstamp-broker/internal/core"
)

var apiErrorMessageKinds = map[string]error{
	"order not found":        core.ErrOrderNotFound,
	"invalid order id":       core.ErrOrderNotFound,
	"order already canceled": core.ErrOrderNotFound,
}

type errorBody struct {
	Error json.RawMessage `json:"error"`
}

// parseAPIError extracts a Bitstamp error from a response. It returns nil for
// regular payloads. Bitstamp reports some errors with a 200 status.
func parseAPIError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Error) == 0 || string(eb.Error) == "null" {
		if status/100 != 2 {
			return fmt.Errorf("bitstamp http error %d: %s", status, strings.TrimSpace(string(body)))
		}
		return nil
	}
	return classifyAPIError(APIError{Status: status, Msg: flattenErrorMsg(eb.Error)})
}

// flattenErrorMsg handles both "error": "msg" and "error": {"__all__": ["msg"]}.
func flattenErrorMsg(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var fields map[string][]string
	if err := json.Unmarshal(raw, &fields); err == nil {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, strings.Join(fields[k], "; "))
		}
		return strings.Join(parts, "; ")
	}
	return strings.TrimSpace(string(raw))
}

func classifyAPIError(apiErr APIError) error {
	kind, ok := apiErrorMessageKinds[normalizeAPIErrorMsg(apiErr.Msg)]
	if !ok {
		return apiErr
	}
	return errors.Join(apiErr, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(msg)), ".")
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
