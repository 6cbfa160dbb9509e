package config

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// csvValue is a pflag.Value that replaces its slice on every Set, so a flag
// given on the command line overrides env and file values instead of
// appending to them.
type csvValue struct {
	target *[]string
}

func newCSVValue(target *[]string) *csvValue {
	return &csvValue{target: target}
}

func (v *csvValue) String() string {
	if v.target == nil {
		return ""
	}
	return strings.Join(*v.target, ",")
}

func (v *csvValue) Set(raw string) error {
	*v.target = splitCSV(raw)
	return nil
}

func (v *csvValue) Type() string { return "strings" }

// mapValue collects repeated key=value flags.
type mapValue struct {
	target *map[string]string
}

func newMapValue(target *map[string]string) *mapValue {
	return &mapValue{target: target}
}

func (v *mapValue) String() string {
	if v.target == nil || len(*v.target) == 0 {
		return ""
	}
	keys := make([]string, 0, len(*v.target))
	for key := range *v.target {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+(*v.target)[key])
	}
	return strings.Join(pairs, ",")
}

func (v *mapValue) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return errors.Errorf("expected key=value, got %q", raw)
	}
	if *v.target == nil {
		*v.target = make(map[string]string)
	}
	(*v.target)[key] = strings.TrimSpace(value)
	return nil
}

func (v *mapValue) Type() string { return "key=value" }
