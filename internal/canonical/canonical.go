// Package canonical produces the deterministic byte representation and SHA-256
// digests that every hash and signature in the system is built on. It is
// implemented once and shared; per-call-site reimplementations would silently
// break signature verification.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize renders v as deterministic JSON: object keys sorted
// lexicographically, integers without a decimal point, floats trimmed of
// trailing zeros to at most 8 fraction digits, -0 normalized to 0,
// non-finite numbers rendered as null, arrays in order.
//
// Raw file bytes must be hashed directly, not canonicalized; this function is
// for structured values whose key order must not affect their hash.
func Canonicalize(v any) (string, error) {
	buf := &bytes.Buffer{}
	if err := writeCanonical(buf, normalize(v)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256HexString returns the lowercase hex SHA-256 digest of s.
func SHA256HexString(s string) string {
	return SHA256Hex([]byte(s))
}

// HashCanonical canonicalizes v and hashes the result. This is the digest
// used for signing structured payloads.
func HashCanonical(v any) (string, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256HexString(c), nil
}

// normalize reduces arbitrary Go values to the JSON data model so that a
// struct and the equivalent map canonicalize identically.
func normalize(v any) any {
	switch value := v.(type) {
	case nil, bool, string, json.Number,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		map[string]any, []any:
		return value
	case json.RawMessage:
		return decodeJSON([]byte(value))
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return decodeJSON(b)
	}
}

func decodeJSON(b []byte) any {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return string(b)
	}
	return out
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, v)
	case json.Number:
		buf.WriteString(formatJSONNumber(v))
	case float64:
		buf.WriteString(formatNumber(v))
	case float32:
		buf.WriteString(formatNumber(float64(v)))
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case map[string]any:
		return writeObject(buf, v)
	case []any:
		return writeArray(buf, v)
	default:
		return writeCanonical(buf, normalize(value))
	}
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := writeCanonical(buf, normalize(obj[k])); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, normalize(item)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// formatJSONNumber emits integral literals verbatim so integers beyond
// float64 precision (above 2^53) survive re-encoding unchanged; every other
// form takes the float normalization path.
func formatJSONNumber(n json.Number) string {
	s := n.String()
	if integralLiteral(s) {
		if s == "-0" {
			return "0"
		}
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "null"
	}
	return formatNumber(f)
}

// integralLiteral matches an optional minus followed by digits with no
// leading zero, the only integral form the JSON grammar produces.
func integralLiteral(s string) bool {
	body := strings.TrimPrefix(s, "-")
	if body == "" {
		return false
	}
	if len(body) > 1 && body[0] == '0' {
		return false
	}
	for i := 0; i < len(body); i++ {
		if body[i] < '0' || body[i] > '9' {
			return false
		}
	}
	return true
}

// formatNumber applies the normalization rules: non-finite -> null, -0 -> 0,
// integral values without a decimal point, fractions trimmed to at most 8
// digits with trailing zeros removed.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	s := strconv.FormatFloat(f, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

var hexLower = []byte("0123456789abcdef")
