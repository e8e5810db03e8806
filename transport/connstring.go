package transport

import (
	"strings"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// KeyValues is a parsed "Key=Value;Key=Value" connection string. Keys are
// matched case-insensitively.
type KeyValues map[string]string

// ParseKeyValues parses a semicolon separated connection string. Empty
// segments are ignored; a segment without "=" is a configuration error.
func ParseKeyValues(connection, raw string) (KeyValues, error) {
	kv := KeyValues{}
	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, errspkg.NewConfigurationError(connection, "malformed connection string segment %q", segment)
		}
		kv[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return kv, nil
}

// Get returns the value for key, ignoring case.
func (kv KeyValues) Get(key string) string {
	return kv[strings.ToLower(key)]
}

// Require returns the value for key or a configuration error naming it.
func (kv KeyValues) Require(connection, key string) (string, error) {
	v := kv.Get(key)
	if v == "" {
		return "", errspkg.NewConfigurationError(connection, "connection string is missing %s", key)
	}
	return v, nil
}

// List splits a comma separated value.
func (kv KeyValues) List(key string) []string {
	raw := kv.Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Bool treats "true", "1" and "yes" as true.
func (kv KeyValues) Bool(key string) bool {
	switch strings.ToLower(kv.Get(key)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
