package telemetry

import (
	"encoding/json"
	"strconv"

	gojson "github.com/goccy/go-json"
)

// MsgIDText converts a JSON msg_id value to its stored text form.
// Strings are used as-is and numbers keep their literal form; other values yield "".
func MsgIDText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := gojson.Unmarshal(raw, &text); err == nil {
		return text
	}
	var number json.Number
	if err := gojson.Unmarshal(raw, &number); err == nil {
		if _, err := strconv.ParseFloat(number.String(), 64); err == nil {
			return number.String()
		}
	}
	return ""
}
