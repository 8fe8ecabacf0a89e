package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Settings is the operator-provided configuration blob handed to a policy's
// validate_settings/validate entry points. It must be a JSON object, or
// absent/null -- both of which are normalized to an empty object so that
// "{}" and "absent" are indistinguishable downstream, matching the spec's
// boundary case.
type Settings struct {
	raw json.RawMessage
}

// EmptySettings is the canonical representation of "no settings provided".
var EmptySettings = Settings{raw: json.RawMessage("{}")}

// NewSettings validates raw and wraps it. nil or a JSON "null" literal are
// both normalized to EmptySettings.
func NewSettings(raw json.RawMessage) (Settings, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return EmptySettings, nil
	}

	var probe any
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Settings{}, fmt.Errorf("settings is not valid JSON: %w", err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return Settings{}, fmt.Errorf("settings must be a JSON object or null, got %T", probe)
	}

	return Settings{raw: append(json.RawMessage(nil), trimmed...)}, nil
}

// Raw returns the canonicalized JSON object bytes.
func (s Settings) Raw() json.RawMessage {
	if s.raw == nil {
		return EmptySettings.raw
	}
	return s.raw
}

// IsEmpty reports whether the settings are the empty object.
func (s Settings) IsEmpty() bool {
	return bytes.Equal(bytes.TrimSpace(s.Raw()), []byte("{}"))
}
