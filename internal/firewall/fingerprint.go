// Package firewall stores fingerprinted error patterns and matches
// incoming operations against them before they run.
package firewall

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives the stable error id for a type and feature map:
// hex(md5(error_type + "|" + canonicalize(features))).
func Fingerprint(errorType string, features map[string]any) string {
	sum := md5.Sum([]byte(errorType + "|" + canonicalize(features)))
	return hex.EncodeToString(sum[:])
}

// canonicalize renders the feature map deterministically: keys sorted,
// string values lowercased, numbers in their shortest decimal form.
func canonicalize(features map[string]any) string {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalValue(features[k]))
	}
	return b.String()
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strings.ToLower(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return canonicalValue(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return strings.ToLower(fmt.Sprintf("%v", t))
	}
}
