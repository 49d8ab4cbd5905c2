package router

import "encoding/json"

// normalizeArguments implements step 2 of the per-call pipeline:
// default a missing/empty body to `{}`, and collapse an
// arguments object that arrived double-wrapped as
// `{"arguments": {...}}` into the inner object.
func normalizeArguments(args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage("{}"), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		// Not a JSON object at all (array, scalar, or invalid) — pass
		// through unchanged; schema validation downstream in the
		// provider is the authority on whether this is acceptable.
		var probe any
		if jerr := json.Unmarshal(args, &probe); jerr != nil {
			return nil, jerr
		}
		return args, nil
	}

	if inner, ok := obj["arguments"]; ok && len(obj) == 1 {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil {
			return inner, nil
		}
	}

	return args, nil
}
