package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseArgs turns key=value pairs into tool arguments. Values that are valid
// JSON numbers, objects or arrays are decoded; everything else, "true" and
// "false" included, is a string. Numbers stay json.Number so long tweet IDs
// keep every digit.
func parseArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", p)
		}
		out[k] = decodeValue(v)
	}
	return out, nil
}

func decodeValue(v string) any {
	if v == "" {
		return v
	}
	switch v[0] {
	case '{', '[', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		dec := json.NewDecoder(strings.NewReader(v))
		dec.UseNumber()
		var decoded any
		if err := dec.Decode(&decoded); err == nil && !dec.More() {
			return decoded
		}
	}
	return v
}
