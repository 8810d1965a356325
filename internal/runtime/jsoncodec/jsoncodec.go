// Package jsoncodec is the single JSON entry point for every wire body the
// client emits or accepts.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// Text renders a response body for display. JSON strings are unquoted, any
// other document (or non-JSON text) is returned verbatim.
func Text(data []byte) string {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := Unmarshal(data, &s); err == nil {
			return s
		}
	}
	return string(data)
}
