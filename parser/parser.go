package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/common/model"
)

// ParseError reports the first malformed construct in an exposition
// payload. A payload that fails to parse contributes no families at all.
type ParseError struct {
	Line   int
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("exposition parse error at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("exposition parse error at line %d near %q: %s", e.Line, e.Token, e.Reason)
}

func parseErrorf(line int, token string, format string, args ...interface{}) *ParseError {
	return &ParseError{Line: line, Token: token, Reason: fmt.Sprintf(format, args...)}
}

// Parse turns Prometheus text exposition bytes into metric families,
// ordered by first appearance. It performs no I/O. Samples without a
// preceding # TYPE default to untyped with empty help. The first error
// aborts the whole parse.
func Parse(payload []byte) ([]*MetricFamily, error) {
	families := make(map[string]*MetricFamily)
	var ordered []*MetricFamily

	family := func(name string) *MetricFamily {
		if f, ok := families[name]; ok {
			return f
		}
		f := &MetricFamily{Name: name, Kind: KindUntyped}
		families[name] = f
		ordered = append(ordered, f)
		return f
	}

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if err := parseComment(line, lineNo, family); err != nil {
				return nil, err
			}
			continue
		}

		name, sample, err := parseSampleLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		f := family(name)
		f.Samples = append(f.Samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, parseErrorf(lineNo+1, "", "scan payload: %v", err)
	}

	return ordered, nil
}

const maxLineBytes = 16 * 1024 * 1024

// parseComment handles # HELP and # TYPE lines; all other comments are
// skipped.
func parseComment(line string, lineNo int, family func(string) *MetricFamily) error {
	rest := strings.TrimSpace(line[1:])
	var keyword string
	switch {
	case strings.HasPrefix(rest, "HELP "):
		keyword = "HELP"
	case strings.HasPrefix(rest, "TYPE "):
		keyword = "TYPE"
	default:
		return nil
	}
	rest = strings.TrimSpace(rest[len(keyword):])

	name := rest
	var text string
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		name, text = rest[:i], strings.TrimSpace(rest[i+1:])
	}
	if !model.IsValidMetricName(model.LabelValue(name)) {
		return parseErrorf(lineNo, name, "invalid metric name in # %s comment", keyword)
	}

	f := family(name)
	if keyword == "HELP" {
		help, err := unescapeHelp(text)
		if err != nil {
			return parseErrorf(lineNo, text, "invalid escape in # HELP text")
		}
		f.Help = help
		return nil
	}
	if !ValidKind(text) {
		return parseErrorf(lineNo, text, "unknown metric type")
	}
	f.Kind = Kind(text)
	return nil
}

// parseSampleLine parses `name{label="value",...} value [timestamp]`.
func parseSampleLine(line string, lineNo int) (string, Sample, error) {
	var sample Sample

	i := 0
	for i < len(line) && line[i] != '{' && line[i] != ' ' && line[i] != '\t' {
		i++
	}
	name := line[:i]
	if !model.IsValidMetricName(model.LabelValue(name)) {
		return "", sample, parseErrorf(lineNo, name, "invalid metric name")
	}

	if i < len(line) && line[i] == '{' {
		labels, rest, err := parseLabels(line[i:], lineNo)
		if err != nil {
			return "", sample, err
		}
		sample.Labels = labels
		line = rest
	} else {
		line = line[i:]
	}

	fields := strings.Fields(line)
	switch len(fields) {
	case 1, 2:
	case 0:
		return "", sample, parseErrorf(lineNo, name, "missing sample value")
	default:
		return "", sample, parseErrorf(lineNo, fields[2], "unexpected trailing tokens")
	}

	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", sample, parseErrorf(lineNo, fields[0], "invalid sample value")
	}
	sample.Value = value

	if len(fields) == 2 {
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return "", sample, parseErrorf(lineNo, fields[1], "invalid timestamp")
		}
		sample.TimestampMs = ts
		sample.HasTimestamp = true
	}

	return name, sample, nil
}

// parseLabels parses one `{...}` block starting at s[0] == '{'. It returns
// the labels and the remainder of the line after the closing brace.
func parseLabels(s string, lineNo int) ([]Label, string, error) {
	var labels []Label
	seen := make(map[string]struct{})

	i := 1 // skip '{'
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			return nil, "", parseErrorf(lineNo, s, "unterminated label set")
		}
		if s[i] == '}' {
			return labels, s[i+1:], nil
		}

		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		name := s[start:i]
		if !model.LabelName(name).IsValid() {
			return nil, "", parseErrorf(lineNo, name, "invalid label name")
		}
		if _, dup := seen[name]; dup {
			return nil, "", parseErrorf(lineNo, name, "duplicate label name")
		}
		seen[name] = struct{}{}

		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			return nil, "", parseErrorf(lineNo, name, "expected '=' after label name")
		}
		i++
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) || s[i] != '"' {
			return nil, "", parseErrorf(lineNo, name, "expected quoted label value")
		}

		value, next, err := parseQuoted(s, i, lineNo)
		if err != nil {
			return nil, "", err
		}
		i = next
		labels = append(labels, Label{Name: name, Value: value})

		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i < len(s) && s[i] == ',' {
			i++
			continue
		}
		if i < len(s) && s[i] == '}' {
			return labels, s[i+1:], nil
		}
		return nil, "", parseErrorf(lineNo, s[i:], "expected ',' or '}' after label value")
	}
}

// parseQuoted decodes a double-quoted label value starting at s[i] == '"',
// handling the \\, \" and \n escapes of the text format.
func parseQuoted(s string, i, lineNo int) (string, int, error) {
	var sb strings.Builder
	i++ // skip opening quote
	for i < len(s) {
		c := s[i]
		switch c {
		case '"':
			return sb.String(), i + 1, nil
		case '\\':
			i++
			if i >= len(s) {
				return "", 0, parseErrorf(lineNo, s, "unterminated escape in label value")
			}
			switch s[i] {
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			case 'n':
				sb.WriteByte('\n')
			default:
				return "", 0, parseErrorf(lineNo, s[i-1:i+1], "invalid escape in label value")
			}
		default:
			sb.WriteByte(c)
		}
		i++
	}
	return "", 0, parseErrorf(lineNo, s, "unterminated label value")
}

func unescapeHelp(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			sb.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("trailing backslash")
		}
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'n':
			sb.WriteByte('\n')
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return sb.String(), nil
}
