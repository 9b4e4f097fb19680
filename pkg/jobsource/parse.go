package jobsource

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/alphaflow/pkg/sim"
)

// Format is a job input encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatCSV   Format = "csv"
	FormatText  Format = "txt"
)

// DetectFormat picks a format from the input name's extension.
func DetectFormat(name string) (Format, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".csv":
		return FormatCSV, nil
	case ".txt", ".expr", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unsupported job input format: %s", name)
	}
}

// parser turns one input into requests, applying defaults and validation.
type parser struct {
	defaults sim.Settings
}

// Parse decodes data according to format.
func (p parser) Parse(name string, format Format, data []byte) ([]sim.SimulationRequest, error) {
	switch format {
	case FormatJSONL:
		return p.parseJSONL(name, data)
	case FormatJSON:
		return p.parseJSON(name, data)
	case FormatYAML:
		return p.parseYAML(name, data)
	case FormatCSV:
		return p.parseCSV(name, data)
	case FormatText:
		return p.parseText(name, data)
	default:
		return nil, fmt.Errorf("unsupported job input format %q", format)
	}
}

// entry decodes one JSON entry. A JSON string is an expression with default
// settings; an object is validated and decoded over the defaults.
func (p parser) entry(raw []byte) (sim.SimulationRequest, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var expr string
		if err := json.Unmarshal(trimmed, &expr); err != nil {
			return sim.SimulationRequest{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		return p.expression(expr)
	}

	if err := ValidateRaw(trimmed); err != nil {
		return sim.SimulationRequest{}, err
	}
	req := sim.SimulationRequest{Type: sim.TypeRegular, Settings: p.defaults}
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return sim.SimulationRequest{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := req.Validate(); err != nil {
		return sim.SimulationRequest{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return req, nil
}

func (p parser) expression(expr string) (sim.SimulationRequest, error) {
	req := sim.NewRegular(strings.TrimSpace(expr), p.defaults)
	if err := req.Validate(); err != nil {
		return sim.SimulationRequest{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return req, nil
}

func (p parser) parseJSONL(name string, data []byte) ([]sim.SimulationRequest, error) {
	var out []sim.SimulationRequest
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		req, err := p.entry(text)
		if err != nil {
			return nil, &EntryError{Input: name, Line: line, Err: err}
		}
		out = append(out, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return out, nil
}

func (p parser) parseJSON(name string, data []byte) ([]sim.SimulationRequest, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &EntryError{Input: name, Err: fmt.Errorf("%w: expected a JSON array: %v", ErrInvalidEntry, err)}
	}
	return p.decodeItems(name, items)
}

func (p parser) parseYAML(name string, data []byte) ([]sim.SimulationRequest, error) {
	var items []any
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, &EntryError{Input: name, Err: fmt.Errorf("%w: expected a YAML sequence: %v", ErrInvalidEntry, err)}
	}
	raws := make([]json.RawMessage, 0, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, &EntryError{Input: name, Line: i + 1, Err: fmt.Errorf("%w: %v", ErrInvalidEntry, err)}
		}
		raws = append(raws, b)
	}
	return p.decodeItems(name, raws)
}

func (p parser) decodeItems(name string, items []json.RawMessage) ([]sim.SimulationRequest, error) {
	out := make([]sim.SimulationRequest, 0, len(items))
	for i, raw := range items {
		req, err := p.entry(raw)
		if err != nil {
			// Line is the 1-based item position for array inputs.
			return nil, &EntryError{Input: name, Line: i + 1, Err: err}
		}
		out = append(out, req)
	}
	return out, nil
}

func (p parser) parseCSV(name string, data []byte) ([]sim.SimulationRequest, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, &EntryError{Input: name, Line: 1, Err: fmt.Errorf("%w: %v", ErrInvalidEntry, err)}
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	exprCol, ok := cols["expression"]
	if !ok {
		exprCol, ok = cols["regular"]
	}
	if !ok {
		return nil, &EntryError{Input: name, Line: 1, Err: fmt.Errorf("%w: missing expression column", ErrInvalidEntry)}
	}
	settingsCol, hasSettings := cols["settings"]
	typeCol, hasType := cols["type"]

	var out []sim.SimulationRequest
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &EntryError{Input: name, Line: line, Err: fmt.Errorf("%w: %v", ErrInvalidEntry, err)}
		}
		expr := field(rec, exprCol)
		if expr == "" {
			continue
		}

		obj := map[string]any{"regular": expr}
		if hasType && field(rec, typeCol) != "" {
			obj["type"] = field(rec, typeCol)
		}
		if hasSettings && field(rec, settingsCol) != "" {
			obj["settings"] = json.RawMessage(field(rec, settingsCol))
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, &EntryError{Input: name, Line: line, Err: fmt.Errorf("%w: settings: %v", ErrInvalidEntry, err)}
		}
		req, err := p.entry(raw)
		if err != nil {
			return nil, &EntryError{Input: name, Line: line, Err: err}
		}
		out = append(out, req)
	}
	return out, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (p parser) parseText(name string, data []byte) ([]sim.SimulationRequest, error) {
	var out []sim.SimulationRequest
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		req, err := p.expression(text)
		if err != nil {
			return nil, &EntryError{Input: name, Line: line, Err: err}
		}
		out = append(out, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return out, nil
}
