package capture

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// ReadImageFile reads an externally supplied image file and returns raw
// encoded image bytes. It bypasses the camera lifecycle entirely and feeds
// the same downstream contract as a live capture.
func ReadImageFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	return DecodePayload(data)
}

// DecodePayload normalizes an image payload. Data-URI content
// ("data:image/jpeg;base64,....") has its scheme prefix stripped and the
// base64 body decoded; anything else is passed through as raw bytes. The
// caller never sees a data-URI prefix.
func DecodePayload(data []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "data:") {
		return data, nil
	}

	comma := strings.Index(trimmed, ",")
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URI: missing payload separator")
	}
	meta, payload := trimmed[:comma], trimmed[comma+1:]

	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("unsupported data URI encoding in %q", meta)
	}

	// Payloads copied out of browsers often carry line breaks.
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, payload)

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image payload: %w", err)
	}
	return decoded, nil
}
