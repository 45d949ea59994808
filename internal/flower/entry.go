package flower

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// NameField is the key used as an entry's identity.
const NameField = "name"

// Entry is one flower record. It is kept as raw JSON so that fields the
// merge never looks at are written back exactly as read.
type Entry struct {
	raw  json.RawMessage
	name json.RawMessage
}

// NewEntry wraps raw, which must be a JSON object.
func NewEntry(raw []byte) (Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return Entry{}, ErrMalformedEntry
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	cp := make(json.RawMessage, len(trimmed))
	copy(cp, trimmed)
	return Entry{raw: cp, name: fields[NameField]}, nil
}

// MustEntry is NewEntry for literals known to be valid. It panics otherwise.
func MustEntry(raw string) Entry {
	e, err := NewEntry([]byte(raw))
	if err != nil {
		panic(err)
	}
	return e
}

// Raw returns the entry's JSON encoding.
func (e Entry) Raw() json.RawMessage {
	return e.raw
}

// HasName reports whether the entry has a truthy "name": present and not
// null, false, 0, "", [] or {}.
func (e Entry) HasName() bool {
	if len(e.name) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(e.name, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// IdentityKey returns the canonical form of the entry's "name" used for
// duplicate detection, and false when the entry has no name or a null one.
// Equal values compare equal regardless of how they were spelled in the
// source ("Rose" and "R\u006fse", 1 and 1.0). Integers compare exactly.
func (e Entry) IdentityKey() (string, bool) {
	if len(e.name) == 0 {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(e.name))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return "", false
	}
	b, err := marshalNoEscape(canonicalNumbers(v))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// canonicalNumbers rewrites every json.Number in v to one spelling per value:
// integers (and integral floats) in plain decimal, other floats in shortest
// form.
func canonicalNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return canonicalNumber(t)
	case []any:
		for i := range t {
			t[i] = canonicalNumbers(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = canonicalNumbers(t[k])
		}
	}
	return v
}

func canonicalNumber(n json.Number) json.Number {
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		if i, ok := new(big.Int).SetString(lit, 10); ok {
			return json.Number(i.String())
		}
		return n
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) {
		return n
	}
	if f == math.Trunc(f) {
		i, _ := big.NewFloat(f).Int(nil)
		return json.Number(i.String())
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// DisplayName returns the name as text for messages: the string itself for
// string names, the raw JSON otherwise.
func (e Entry) DisplayName() string {
	var s string
	if err := json.Unmarshal(e.name, &s); err == nil {
		return s
	}
	return string(e.name)
}
