package bulk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"river/pkg/errors"
)

// ParseError reports the first malformed line of a message. Line is 1-based
// and counts blank lines.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bulk parse error at line %d: %s", e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return errors.ErrParse
}

// Defaults fill in the target of a header that omits _index or _type.
type Defaults struct {
	Index string
	Type  string
}

// Parser turns one message payload into a Batch. It keeps no state between
// calls and may be shared between goroutines.
type Parser struct {
	defaults Defaults
}

func NewParser(defaults Defaults) *Parser {
	return &Parser{defaults: defaults}
}

type header struct {
	Index       string          `json:"_index"`
	Type        string          `json:"_type"`
	ID          json.RawMessage `json:"_id"`
	Parent      string          `json:"_parent"`
	Routing     string          `json:"_routing"`
	Version     *int64          `json:"_version"`
	VersionType string          `json:"_version_type"`
}

type line struct {
	num  int
	text []byte
}

// Parse reads the payload line by line. On the first malformed line it stops
// and returns a *ParseError; no partial batch is returned.
func (p *Parser) Parse(payload []byte) (Batch, error) {
	lines := splitLines(payload)
	ops := make([]Operation, 0, len(lines)/2+1)

	for i := 0; i < len(lines); i++ {
		hdr := lines[i]
		op, err := p.parseHeader(hdr)
		if err != nil {
			return Batch{}, err
		}

		if op.Action.HasBody() {
			if i+1 >= len(lines) {
				return Batch{}, &ParseError{Line: hdr.num, Reason: fmt.Sprintf("%s action is missing its document body", op.Action)}
			}
			i++
			body := lines[i]
			if !json.Valid(body.text) {
				return Batch{}, &ParseError{Line: body.num, Reason: "document body is not valid JSON"}
			}
			if op.Action == ActionUpdate && !isObject(body.text) {
				return Batch{}, &ParseError{Line: body.num, Reason: "update body must be a JSON object"}
			}
			op.Body = json.RawMessage(append([]byte(nil), body.text...))
		}

		ops = append(ops, op)
	}

	return Batch{Operations: ops}, nil
}

func (p *Parser) parseHeader(l line) (Operation, error) {
	name, value, err := readHeader(l.text)
	if err != nil {
		return Operation{}, &ParseError{Line: l.num, Reason: err.Error()}
	}

	action, ok := ParseAction(name)
	if !ok {
		return Operation{}, &ParseError{Line: l.num, Reason: fmt.Sprintf("unknown action %q", name)}
	}
	if !isObject(value) {
		return Operation{}, &ParseError{Line: l.num, Reason: fmt.Sprintf("%s metadata must be a JSON object", action)}
	}

	var h header
	if err := json.Unmarshal(value, &h); err != nil {
		return Operation{}, &ParseError{Line: l.num, Reason: fmt.Sprintf("invalid %s metadata: %v", action, err)}
	}

	id, err := parseID(h.ID)
	if err != nil {
		return Operation{}, &ParseError{Line: l.num, Reason: err.Error()}
	}

	op := Operation{
		Action:      action,
		Index:       h.Index,
		Type:        h.Type,
		ID:          id,
		Parent:      h.Parent,
		Routing:     h.Routing,
		Version:     h.Version,
		VersionType: h.VersionType,
	}
	if op.Index == "" {
		op.Index = p.defaults.Index
	}
	if op.Type == "" {
		op.Type = p.defaults.Type
	}

	switch {
	case op.Index == "":
		return Operation{}, &ParseError{Line: l.num, Reason: "missing _index and no default index configured"}
	case op.Type == "":
		return Operation{}, &ParseError{Line: l.num, Reason: "missing _type and no default type configured"}
	case op.ID == "":
		return Operation{}, &ParseError{Line: l.num, Reason: "missing _id"}
	}

	return op, nil
}

// readHeader extracts the single action key and its metadata object. A
// missing final closing brace is tolerated: producers of the legacy format
// emit headers such as {"index": {"_id": "1"} without it.
func readHeader(text []byte) (string, json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(text))

	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return "", nil, fmt.Errorf("header is not a JSON object")
	}

	tok, err = dec.Token()
	if err != nil {
		return "", nil, fmt.Errorf("header is not a JSON object")
	}
	name, ok := tok.(string)
	if !ok {
		return "", nil, fmt.Errorf("header must have exactly one action key, found 0")
	}

	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		return "", nil, fmt.Errorf("invalid metadata for %q: %v", name, err)
	}

	if dec.More() {
		return "", nil, fmt.Errorf("header must have exactly one action key")
	}

	tok, err = dec.Token()
	switch {
	case err == io.EOF:
		return name, value, nil
	case err != nil || tok != json.Delim('}'):
		return "", nil, fmt.Errorf("header is not a JSON object")
	}

	if _, err := dec.Token(); err != io.EOF {
		return "", nil, fmt.Errorf("unexpected content after header object")
	}

	return name, value, nil
}

// parseID accepts string and numeric ids; numbers keep their literal form.
func parseID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("_id must be a string or number")
}

func splitLines(payload []byte) []line {
	var out []line
	for i, text := range bytes.Split(payload, []byte("\n")) {
		text = bytes.TrimSpace(text)
		if len(text) == 0 {
			continue
		}
		out = append(out, line{num: i + 1, text: text})
	}
	return out
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}
