package responsecache

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dist-adapter/ea-framework/internal/model"
)

// SensitiveValue is one (settingName, rawValue) pair whose occurrences
// must be redacted from cached responses, per spec.md §4.5 "Censoring".
type SensitiveValue struct {
	SettingName string
	Value       string
}

// censorError502 is the exact fallback entry spec.md §4.5 requires when
// censoring itself fails: censor returns it when its traversal panics.
// Cyclic structures are not such a failure (see censor).
func censorError502() model.AdapterResponse {
	return model.AdapterResponse{
		StatusCode:   502,
		ErrorMessage: "Response could not be censored due to an error",
	}
}

// censor returns a copy of resp with every occurrence of a sensitive
// raw value, in any string field of Data/Result, replaced by
// "[{SETTING_NAME} REDACTED]". A cyclic Data/Result graph is not an
// error: the cyclic subtree is replaced with "[Unknown]" and censoring
// continues, matching spec.md's fallback sentinel.
func censor(resp model.AdapterResponse, sensitive []SensitiveValue) (out model.AdapterResponse, err error) {
	if len(sensitive) == 0 {
		return resp, nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = censorError502()
			err = fmt.Errorf("responsecache: censor panic: %v", r)
		}
	}()

	out = resp.Clone()
	visited := make(map[uintptr]bool)
	out.Data = censorValue(resp.Data, sensitive, visited)
	out.Result = censorValue(resp.Result, sensitive, visited)
	if s, ok := out.Data.(string); ok {
		out.Data = s
	}
	out.ErrorMessage = redactString(resp.ErrorMessage, sensitive)
	return out, nil
}

func censorValue(v any, sensitive []SensitiveValue, visited map[uintptr]bool) any {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case string:
		return redactString(val, sensitive)
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if visited[ptr] {
			return "[Unknown]"
		}
		visited[ptr] = true
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = censorValue(child, sensitive, visited)
		}
		delete(visited, ptr)
		return out
	case []any:
		ptr := sliceIdentity(val)
		if ptr != 0 && visited[ptr] {
			return "[Unknown]"
		}
		if ptr != 0 {
			visited[ptr] = true
		}
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = censorValue(child, sensitive, visited)
		}
		if ptr != 0 {
			delete(visited, ptr)
		}
		return out
	default:
		return v
	}
}

// sliceIdentity returns a stable identity for a non-empty slice's
// backing array, used the same way a map's pointer is used above to
// detect a slice that contains itself (directly, through later
// mutation of a shared backing array visible via aliasing).
func sliceIdentity(s []any) uintptr {
	if len(s) == 0 {
		return 0
	}
	return reflect.ValueOf(s).Pointer()
}

func redactString(s string, sensitive []SensitiveValue) string {
	if s == "" {
		return s
	}
	for _, sv := range sensitive {
		if sv.Value == "" {
			continue
		}
		replacement := fmt.Sprintf("[%s REDACTED]", sv.SettingName)
		s = strings.ReplaceAll(s, sv.Value, replacement)
	}
	return s
}
