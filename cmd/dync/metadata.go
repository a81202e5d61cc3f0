package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// buildMetadata assembles the metadata JSON blob sent with post-file: a
// base document from metaFile (if any), with each "key:value" override
// applied on top. An override's value is parsed as JSON when possible
// (numbers, booleans, objects), falling back to a plain string so a bare
// "-k owner:alice" works without quoting.
func buildMetadata(metaFile string, overrides []string) ([]byte, error) {
	fields := map[string]any{}

	if metaFile != "" {
		data, err := os.ReadFile(metaFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading metadata file %s: %s", errUsage, metaFile, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: metadata file %s is not a JSON object: %s", errUsage, metaFile, err)
		}
	}

	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, ":")
		if !ok {
			return nil, fmt.Errorf("%w: -k %q must be key:value", errUsage, kv)
		}
		fields[key] = parseOverrideValue(value)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return out, nil
}

func parseOverrideValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
