package eventsink

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// RedactedPlaceholder replaces a secret-tagged field's value before an
// event or log line leaves the process.
const RedactedPlaceholder = "***"

// Redact returns a copy of data with every path in secretPaths
// overwritten with RedactedPlaceholder. Paths use gjson/sjson dotted
// syntax so a handler's declared_fields (FieldSpec.Secret) map
// directly onto them. data is left untouched; a marshal failure
// returns data unchanged rather than risking a leak through a
// half-redacted document.
func Redact(data map[string]any, secretPaths []string) map[string]any {
	if len(secretPaths) == 0 || data == nil {
		return data
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}

	for _, path := range secretPaths {
		redacted, setErr := sjson.SetBytes(raw, path, RedactedPlaceholder)
		if setErr != nil {
			continue
		}
		raw = redacted
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return data
	}
	return out
}
