package compile

import "encoding/json"

// Request is the validated input of one compilation.
type Request struct {
	Code string
}

// ParseRequest validates a decoded JSON body.
// A missing or falsy "code" (null, "", 0, false, [] or {}) is reported as missing;
// any other non-string value as invalid.
func ParseRequest(body map[string]any) (Request, *Failure) {
	raw, ok := body["code"]
	if !ok || isFalsy(raw) {
		return Request{}, NewFailure(MsgMissingCode)
	}
	code, ok := raw.(string)
	if !ok {
		return Request{}, NewFailure(MsgInvalidCode)
	}
	return Request{Code: code}, nil
}

func isFalsy(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case float64:
		return val == 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f == 0
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
