package sse

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseTokenUsage coerces raw (a map, a struct or anything JSON-encodable to an
// object) into a TokenUsage. ok is false when raw carries no object at all.
func ParseTokenUsage(raw any) (usage *TokenUsage, ok bool) {
	fields, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	usage = &TokenUsage{
		TotalTokensIn:  required(fields, "totalTokensIn"),
		TotalTokensOut: required(fields, "totalTokensOut"),
	}
	usage.TotalCacheWrites = optional(fields, "totalCacheWrites")
	usage.TotalCacheReads = optional(fields, "totalCacheReads")
	usage.TotalCost = optional(fields, "totalCost")
	usage.ContextTokens = optional(fields, "contextTokens")
	return usage, true
}

// Summary renders "Token usage: <in> in, <out> out[, $<cost>]".
func (u *TokenUsage) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Token usage: %s in, %s out", formatNumber(u.TotalTokensIn), formatNumber(u.TotalTokensOut))
	if u.TotalCost != nil {
		fmt.Fprintf(&b, ", $%.4f", *u.TotalCost)
	}
	return b.String()
}

func asObject(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return v, true
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32, []any:
		return nil, false
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	return decodeObject(body)
}

func decodeObject(body []byte) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func required(fields map[string]any, key string) float64 {
	v, ok := toNumber(fields[key])
	if !ok {
		return 0
	}
	return v
}

// optional returns nil for absent, null or non-numeric values.
func optional(fields map[string]any, key string) *float64 {
	raw, present := fields[key]
	if !present || raw == nil {
		return nil
	}
	v, ok := toNumber(raw)
	if !ok {
		return nil
	}
	return &v
}

func toNumber(raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case uint:
		v = float64(n)
	case uint32:
		v = float64(n)
	case uint64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
