// Package cmdline builds the kernel parameter file the zVM reader IPL hands to the kernel.
package cmdline

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// Param is one kernel parameter. An empty Value renders as a bare flag.
type Param struct {
	Name  string
	Value string
}

func (p Param) String() string {
	switch {
	case p.Value == "":
		return p.Name
	case strings.ContainsAny(p.Value, " \t"):
		return p.Name + `="` + p.Value + `"`
	default:
		return p.Name + "=" + p.Value
	}
}

// Validate rejects names and values the kernel command line cannot carry.
func (p Param) Validate() error {
	if p.Name == "" {
		return invalid(p.Name, "parameter name is empty")
	}
	for _, r := range p.Name {
		if unicode.IsSpace(r) || r == '=' || r == '"' || r == '\'' {
			return invalid(p.Name, fmt.Sprintf("parameter name contains %q", r))
		}
	}
	if strings.ContainsAny(p.Value, "\"\n\r") {
		return invalid(p.Name, "parameter value contains a quote or newline")
	}
	return nil
}

func invalid(field, msg string) error {
	return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "cmdline." + field, Message: msg}
}

// Params is an ordered parameter list. Names may repeat.
type Params []Param

var (
	_ yaml.Unmarshaler = (*Params)(nil)
	_ toml.Unmarshaler = (*Params)(nil)
)

// Validate returns the first invalid parameter.
func (ps Params) Validate() error {
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Render returns the parameters joined by single spaces in input order.
func (ps Params) Render() (string, error) {
	if err := ps.Validate(); err != nil {
		return "", err
	}
	tokens := make([]string, 0, len(ps))
	for _, p := range ps {
		tokens = append(tokens, p.String())
	}
	return strings.Join(tokens, " "), nil
}

// Get returns the value of the last parameter named name.
func (ps Params) Get(name string) (string, bool) {
	for i := len(ps) - 1; i >= 0; i-- {
		if ps[i].Name == name {
			return ps[i].Value, true
		}
	}
	return "", false
}

// FromMap returns the parameters of m ordered by name.
func FromMap(m map[string]string) Params {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	ps := make(Params, 0, len(names))
	for _, name := range names {
		ps = append(ps, Param{Name: name, Value: m[name]})
	}
	return ps
}

// Parse splits a command line into parameters. Double quotes group a value containing spaces.
func Parse(line string) (Params, error) {
	var (
		ps      Params
		current strings.Builder
		quoted  bool
	)
	flush := func() error {
		if current.Len() == 0 {
			return nil
		}
		p, err := parseToken(current.String())
		current.Reset()
		if err != nil {
			return err
		}
		ps = append(ps, p)
		return nil
	}
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
		case unicode.IsSpace(r) && !quoted:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, invalid("", "unterminated quote")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ps, nil
}

func parseToken(token string) (Param, error) {
	name, value, _ := strings.Cut(token, "=")
	p := Param{Name: name, Value: value}
	return p, p.Validate()
}

// UnmarshalYAML accepts either an ordered mapping or a list of "name[=value]" strings.
func (ps *Params) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(Params, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: cmdline value for %q must be a scalar", val.Line, key.Value)
			}
			value := val.Value
			if val.Tag == "!!null" {
				value = ""
			}
			out = append(out, Param{Name: key.Value, Value: value})
		}
		*ps = out
	case yaml.SequenceNode:
		out := make(Params, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: cmdline entries must be strings", item.Line)
			}
			parsed, err := Parse(item.Value)
			if err != nil {
				return err
			}
			out = append(out, parsed...)
		}
		*ps = out
	case yaml.ScalarNode:
		parsed, err := Parse(node.Value)
		if err != nil {
			return err
		}
		*ps = parsed
	default:
		return fmt.Errorf("line %d: unsupported cmdline node", node.Line)
	}
	return ps.Validate()
}

// UnmarshalTOML accepts a list of "name[=value]" strings, a single string, or a table.
// Tables carry no order in TOML, so their keys are sorted.
func (ps *Params) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*ps = parsed
	case []any:
		out := make(Params, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("cmdline entries must be strings, got %T", item)
			}
			parsed, err := Parse(s)
			if err != nil {
				return err
			}
			out = append(out, parsed...)
		}
		*ps = out
	case map[string]any:
		m := make(map[string]string, len(v))
		for name, value := range v {
			m[name] = fmt.Sprint(value)
		}
		*ps = FromMap(m)
	default:
		return fmt.Errorf("unsupported cmdline value %T", data)
	}
	return ps.Validate()
}
