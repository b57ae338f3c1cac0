package datastream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// ErrUnknownPart is returned when a line carries a type code this package does not know.
var ErrUnknownPart = errors.New("unknown data stream part")

// maxLineSize bounds a single part. Tool results can be large rendered fragments.
const maxLineSize = 10 * 1024 * 1024

// Encode renders p as one line of a data stream, including the trailing newline. HTML characters are
// written as is.
func Encode(p Part) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p.value()); err != nil {
		return "", fmt.Errorf("failed to encode part %s: %w", p.Code(), err)
	}
	// Encode already terminated the value with a newline.
	return p.Code().String() + ":" + buf.String(), nil
}

// Decode parses a single line, with or without its trailing newline.
func Decode(line string) (Part, error) {
	line = strings.TrimRight(line, "\r\n")
	code, payload, ok := strings.Cut(line, ":")
	if !ok || len(code) != 1 {
		return nil, fmt.Errorf("malformed data stream line %q", line)
	}

	var (
		p   Part
		err error
	)
	data := []byte(payload)
	switch Code(code[0]) {
	case CodeText:
		var s string
		err = json.Unmarshal(data, &s)
		p = Text{Text: s}
	case CodeData:
		var values []json.RawMessage
		err = json.Unmarshal(data, &values)
		p = Data{Values: values}
	case CodeError:
		var s string
		err = json.Unmarshal(data, &s)
		p = Error{Message: s}
	case CodeMessageAnnotation:
		var values []json.RawMessage
		err = json.Unmarshal(data, &values)
		p = MessageAnnotation{Values: values}
	case CodeToolCall:
		p, err = decodeStruct[ToolCall](data)
	case CodeToolResult:
		p, err = decodeStruct[ToolResult](data)
	case CodeToolCallStreamingStart:
		p, err = decodeStruct[ToolCallStreamingStart](data)
	case CodeToolCallDelta:
		p, err = decodeStruct[ToolCallDelta](data)
	case CodeFinishMessage:
		p, err = decodeStruct[FinishMessage](data)
	case CodeFinishStep:
		p, err = decodeStruct[FinishStep](data)
	case CodeStartStep:
		p, err = decodeStruct[StartStep](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPart, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode part %s: %w", code, err)
	}
	return p, nil
}

func decodeStruct[T Part](data []byte) (Part, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Read decodes the parts of a data stream body as they arrive. Empty lines are skipped. The iteration
// stops after the first error, which is yielded once.
func Read(r io.Reader) iter.Seq2[Part, error] {
	return func(yield func(Part, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for sc.Scan() {
			line := sc.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			p, err := Decode(line)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("error reading data stream: %w", err))
		}
	}
}
