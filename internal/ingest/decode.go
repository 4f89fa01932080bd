package ingest

import (
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"github.com/miradorstack/mirador-incidents/internal/models"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

var parsers fastjson.ParserPool

// DecodeEvents parses a JSON object or array of objects into log events.
// Timestamps may be RFC3339 strings or epoch milliseconds. The short field
// names service, level and msg are accepted as aliases. Decoded events are
// not yet validated.
func DecodeEvents(payload []byte) ([]models.LogEvent, error) {
	const op = "ingest.decode"
	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return nil, utils.InvalidInput(op, fmt.Sprintf("invalid JSON: %v", err))
	}

	var items []*fastjson.Value
	switch v.Type() {
	case fastjson.TypeArray:
		items, _ = v.Array()
	case fastjson.TypeObject:
		items = []*fastjson.Value{v}
	default:
		return nil, utils.InvalidInput(op, "payload must be an object or an array of objects")
	}

	events := make([]models.LogEvent, 0, len(items))
	for i, item := range items {
		ev, err := decodeEvent(item)
		if err != nil {
			return nil, utils.InvalidInput(op, fmt.Sprintf("event %d: %v", i, err))
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeEvent(v *fastjson.Value) (models.LogEvent, error) {
	if v.Type() != fastjson.TypeObject {
		return models.LogEvent{}, fmt.Errorf("expected object, got %s", v.Type())
	}
	ev := models.LogEvent{
		ID:          str(v, "id"),
		ServiceName: str(v, "serviceName", "service"),
		Environment: models.Environment(str(v, "environment")),
		Host:        str(v, "host"),
		Message:     str(v, "message", "msg"),
		ErrorCode:   str(v, "errorCode"),
		StackTrace:  str(v, "stackTrace"),
		UserID:      str(v, "userId"),
		RequestID:   str(v, "requestId"),
	}

	sevName := str(v, "severity", "level")
	if sevName == "" {
		return ev, fmt.Errorf("severity is required")
	}
	sev, err := models.ParseSeverity(sevName)
	if err != nil {
		return ev, err
	}
	ev.Severity = sev

	ts, err := timestamp(v.Get("timestamp"))
	if err != nil {
		return ev, err
	}
	ev.Timestamp = ts

	if meta := v.Get("metadata"); meta != nil && meta.Type() == fastjson.TypeObject {
		obj, _ := meta.Object()
		ev.Metadata = make(map[string]string, obj.Len())
		obj.Visit(func(key []byte, val *fastjson.Value) {
			if val.Type() == fastjson.TypeString {
				ev.Metadata[string(key)] = string(val.GetStringBytes())
				return
			}
			ev.Metadata[string(key)] = val.String()
		})
	}
	return ev, nil
}

// str returns the first non-empty string among keys.
func str(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		if b := v.GetStringBytes(k); len(b) > 0 {
			return string(b)
		}
	}
	return ""
}

func timestamp(v *fastjson.Value) (time.Time, error) {
	if v == nil {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case fastjson.TypeString:
		return utils.ParseTimestamp(string(v.GetStringBytes()))
	}
	return time.Time{}, fmt.Errorf("timestamp must be a string or number")
}
