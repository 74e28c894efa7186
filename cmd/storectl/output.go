package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tailored-agentic-units/replica/store"
)

// writeOutput renders v as JSON or YAML, or hands off to text for the
// default format.
func writeOutput(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}

type entityView struct {
	ID          string         `json:"id" yaml:"id"`
	Fields      map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	Placeholder bool           `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
}

func viewEntities(entities []store.Entity) []entityView {
	views := make([]entityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, entityView{ID: e.ID, Fields: e.Fields, Placeholder: e.Placeholder})
	}
	return views
}

// textEntities prints one entity per line with its fields sorted by name.
func textEntities(views []entityView) func(io.Writer) error {
	return func(w io.Writer) error {
		for _, v := range views {
			var b strings.Builder
			b.WriteString(v.ID)
			if v.Placeholder {
				b.WriteString(" (placeholder)")
			}
			for _, name := range slices.Sorted(maps.Keys(v.Fields)) {
				fmt.Fprintf(&b, " %s=%v", name, v.Fields[name])
			}
			if _, err := fmt.Fprintln(w, b.String()); err != nil {
				return err
			}
		}
		return nil
	}
}

// parseFields turns key=value arguments into entity fields. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseFields(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}

	fields := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q (expected name=value)", arg)
		}

		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		fields[name] = parsed
	}
	return fields, nil
}
