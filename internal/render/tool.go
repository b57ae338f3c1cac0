package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"math"
	"strconv"
	"strings"
)

// ToolKind is the closed set of tool result renderings. Every tool name resolves to exactly one kind;
// names without a dedicated rendering resolve to ToolKindDefault.
type ToolKind int

const (
	// ToolKindDefault shows the result as indented JSON in a preformatted block.
	ToolKindDefault ToolKind = iota
	// ToolKindBarChart inserts the result, a pre-rendered chart fragment, as markup.
	ToolKindBarChart
)

// BarChartToolName is the tool whose results are pre-rendered bar charts.
const BarChartToolName = "render_bar_chart_rsc"

type toolRenderFunc func(payload json.RawMessage) (template.HTML, error)

var toolRenderers = map[ToolKind]toolRenderFunc{
	ToolKindDefault:  renderIndented,
	ToolKindBarChart: renderMarkup,
}

var errEmptyPayload = errors.New("tool result has no payload")

// KindOf resolves the rendering kind of a tool.
func KindOf(toolName string) ToolKind {
	switch toolName {
	case BarChartToolName:
		return ToolKindBarChart
	default:
		return ToolKindDefault
	}
}

func (k ToolKind) String() string {
	switch k {
	case ToolKindBarChart:
		return "bar_chart"
	default:
		return "default"
	}
}

func (k ToolKind) render(payload json.RawMessage) (template.HTML, error) {
	fn, ok := toolRenderers[k]
	if !ok {
		fn = toolRenderers[ToolKindDefault]
	}
	return fn(payload)
}

// renderMarkup inserts the payload without any transformation. A JSON string is unquoted first, since
// that is how a markup fragment travels; any other JSON value is inserted as its raw text.
func renderMarkup(payload json.RawMessage) (template.HTML, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", errEmptyPayload
	}

	var markup string
	if err := json.Unmarshal(payload, &markup); err == nil {
		return template.HTML(markup), nil
	}
	return template.HTML(payload), nil
}

// renderIndented serialises the payload with two-space indentation inside a <pre> block. A payload that
// is not valid JSON is an error.
func renderIndented(payload json.RawMessage) (template.HTML, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", errEmptyPayload
	}

	indented, err := indentJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to indent tool result: %w", err)
	}
	return template.HTML("<pre>" + template.HTMLEscapeString(indented) + "</pre>"), nil
}

type indentFrame struct {
	object bool
	count  int
	// inValue is set in an object between a key and its value.
	inValue bool
}

// indentJSON re-serialises one JSON value the way JSON.stringify(v, null, 2) does: key order is kept,
// strings are written without \u escapes and numbers in their shortest form.
func indentJSON(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	encode := func(v any) error {
		if err := enc.Encode(v); err != nil {
			return err
		}
		// Drop the newline Encode terminates every value with.
		buf.Truncate(buf.Len() - 1)
		return nil
	}
	newline := func(depth int) {
		buf.WriteByte('\n')
		buf.WriteString(strings.Repeat("  ", depth))
	}

	var (
		stack []*indentFrame
		done  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if done {
			return "", errors.New("unexpected data after top-level value")
		}

		if d, ok := tok.(json.Delim); ok && (d == '}' || d == ']') {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if f.count > 0 {
				newline(len(stack))
			}
			buf.WriteByte(byte(d))
			done = len(stack) == 0
			continue
		}

		if len(stack) > 0 {
			f := stack[len(stack)-1]
			switch {
			case f.object && !f.inValue:
				if f.count > 0 {
					buf.WriteByte(',')
				}
				newline(len(stack))
				if err := encode(tok); err != nil {
					return "", err
				}
				buf.WriteString(": ")
				f.inValue = true
				f.count++
				continue
			case f.object:
				f.inValue = false
			default:
				if f.count > 0 {
					buf.WriteByte(',')
				}
				newline(len(stack))
				f.count++
			}
		}

		switch v := tok.(type) {
		case json.Delim:
			buf.WriteByte(byte(v))
			stack = append(stack, &indentFrame{object: v == '{'})
			continue
		case json.Number:
			buf.WriteString(shortestNumber(v))
		default:
			if err := encode(v); err != nil {
				return "", err
			}
		}
		done = len(stack) == 0
	}

	if len(stack) > 0 || !done {
		return "", io.ErrUnexpectedEOF
	}
	return buf.String(), nil
}

// shortestNumber formats n as JavaScript prints numbers: integers without a fraction or exponent
// below 1e21, and exponents without padding.
func shortestNumber(n json.Number) string {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return string(n)
	}
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	return mantissa + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}
