package flower

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ListField is the top-level key holding the flower entries.
const ListField = "flowers"

// Document is a parsed flowers file. Top-level fields other than "flowers"
// are kept as raw JSON and written back in their original order.
type Document struct {
	keys   []string
	fields map[string]json.RawMessage

	// Flowers is the ordered entry list.
	Flowers []Entry
}

// NewDocument returns a document whose only field is the given entry list.
func NewDocument(entries ...Entry) *Document {
	return &Document{
		keys:    []string{ListField},
		fields:  map[string]json.RawMessage{},
		Flowers: entries,
	}
}

// Append adds e to the end of the entry list.
func (d *Document) Append(e Entry) {
	d.Flowers = append(d.Flowers, e)
}

// Len returns the number of entries.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Flowers)
}

// Decode parses data into a Document.
//
// Errors wrap ErrParse for content that is not well-formed JSON,
// ErrMalformedDocument when the top level is not an object or has no
// "flowers" array, and ErrMalformedEntry when an array element is not an
// object.
func Decode(data []byte) (*Document, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("flower: decode: %w", ErrParse)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("flower: decode: %w: %v", ErrParse, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("flower: decode: top level is not an object: %w", ErrMalformedDocument)
	}

	doc := &Document{fields: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("flower: decode key: %w: %v", ErrParse, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("flower: decode: unexpected token %v: %w", tok, ErrParse)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("flower: decode %q: %w: %v", key, ErrParse, err)
		}
		// Duplicate keys: last value wins, first position is kept.
		if _, seen := doc.fields[key]; !seen {
			doc.keys = append(doc.keys, key)
		}
		doc.fields[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("flower: decode: %w: %v", ErrParse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("flower: decode: trailing data: %w", ErrParse)
	}

	list, ok := doc.fields[ListField]
	if !ok {
		return nil, fmt.Errorf("flower: decode: %w", ErrMalformedDocument)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(list), []byte("[")) {
		return nil, fmt.Errorf("flower: decode: %q is not a list: %w", ListField, ErrMalformedDocument)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(list, &items); err != nil {
		return nil, fmt.Errorf("flower: decode %q: %w: %v", ListField, ErrParse, err)
	}
	doc.Flowers = make([]Entry, 0, len(items))
	for i, item := range items {
		e, err := NewEntry(item)
		if err != nil {
			return nil, fmt.Errorf("flower: decode %s[%d]: %w", ListField, i, err)
		}
		doc.Flowers = append(doc.Flowers, e)
	}
	delete(doc.fields, ListField)

	return doc, nil
}

// Encode serializes d with two-space indentation. Keys keep their original
// order and non-ASCII text is written as literal characters, including text
// that was \u-escaped in the source.
func Encode(d *Document) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("flower: encode nil document: %w", ErrMalformedDocument)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	wroteList := false
	for i, key := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, key); err != nil {
			return nil, err
		}
		if key == ListField {
			writeList(&buf, d.Flowers)
			wroteList = true
			continue
		}
		buf.Write(literalStrings(d.fields[key]))
	}
	if !wroteList {
		if len(d.keys) > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, ListField); err != nil {
			return nil, err
		}
		writeList(&buf, d.Flowers)
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("flower: encode: %w", err)
	}
	return out.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	b, err := marshalNoEscape(key)
	if err != nil {
		return fmt.Errorf("flower: encode key %q: %w", key, err)
	}
	buf.Write(b)
	buf.WriteByte(':')
	return nil
}

func writeList(buf *bytes.Buffer, entries []Entry) {
	buf.WriteByte('[')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(literalStrings(e.raw))
	}
	buf.WriteByte(']')
}

// literalStrings rewrites every escaped string literal in raw so that
// characters needing no escape are written as themselves. Numbers, key
// order and unescaped literals are left untouched.
func literalStrings(raw json.RawMessage) []byte {
	if bytes.IndexByte(raw, '\\') < 0 {
		return raw
	}
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); {
		if raw[i] != '"' {
			out = append(out, raw[i])
			i++
			continue
		}
		end, escaped := i+1, false
		for end < len(raw) && raw[end] != '"' {
			if raw[end] == '\\' {
				escaped = true
				end++
			}
			end++
		}
		end = min(end+1, len(raw))
		lit := raw[i:end]
		if escaped {
			lit = reencodeString(lit)
		}
		out = append(out, lit...)
		i = end
	}
	return out
}

// reencodeString returns lit re-marshaled without needless escapes, or lit
// itself when it holds escapes that do not survive decoding (lone surrogates).
func reencodeString(lit []byte) []byte {
	var s string
	if err := json.Unmarshal(lit, &s); err != nil {
		return lit
	}
	if strings.ContainsRune(s, utf8.RuneError) && !bytes.Contains(lit, []byte(`\ufffd`)) && !bytes.Contains(lit, []byte(`\uFFFD`)) {
		return lit
	}
	b, err := marshalNoEscape(s)
	if err != nil {
		return lit
	}
	return b
}

// marshalNoEscape is json.Marshal without HTML escaping.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
