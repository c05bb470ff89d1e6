// Package control exposes the rewrite configuration as named settings and
// serves them over HTTP.
package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apoxy-dev/dscp-rewrite/pkg/engine"
	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

// Prefix is the common prefix of all setting names.
const Prefix = "net.inet.ip.dscp_rewrite"

const (
	// NameEnabled toggles rewriting for both families.
	NameEnabled = Prefix + ".enabled"
	// NameDebug toggles debug logging of rewrite decisions.
	NameDebug = Prefix + ".debug"
)

// SlotName returns the setting name for the table slot of family f at dscp.
func SlotName(f rewrite.Family, dscp int) string {
	return fmt.Sprintf("%s.%s.%d", Prefix, f, dscp)
}

// Setting is a named configuration value in text form.
type Setting struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Settings reads and writes the engine state by setting name.
type Settings struct {
	engine *engine.Engine
}

// NewSettings returns the settings of e.
func NewSettings(e *engine.Engine) *Settings {
	return &Settings{engine: e}
}

type slot struct {
	family rewrite.Family
	dscp   int
}

func parseSlot(name string) (slot, bool) {
	rest, ok := strings.CutPrefix(name, Prefix+".")
	if !ok {
		return slot{}, false
	}
	fam, idx, ok := strings.Cut(rest, ".")
	if !ok {
		return slot{}, false
	}
	f, err := rewrite.ParseFamily(fam)
	if err != nil {
		return slot{}, false
	}
	dscp, err := strconv.Atoi(idx)
	if err != nil || dscp < 1 || dscp >= rewrite.Slots || strconv.Itoa(dscp) != idx {
		return slot{}, false
	}
	return slot{family: f, dscp: dscp}, true
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseBool accepts integers, nonzero meaning true, and the literals
// accepted by strconv.ParseBool.
func parseBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n != 0, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", rewrite.ErrInvalidArgument, s)
	}
	return b, nil
}

// Get returns the value of the named setting. Unknown names yield an error
// wrapping rewrite.ErrNotFound.
func (s *Settings) Get(name string) (string, error) {
	switch name {
	case NameEnabled:
		return formatBool(s.engine.Mutator().Enabled()), nil
	case NameDebug:
		return formatBool(s.engine.Mutator().Debug()), nil
	}
	sl, ok := parseSlot(name)
	if !ok {
		return "", fmt.Errorf("%w: unknown setting %q", rewrite.ErrNotFound, name)
	}
	return s.engine.Table().GetString(sl.family, sl.dscp)
}

// Set updates the named setting. On an invalid value the setting is left
// unchanged and the error wraps rewrite.ErrInvalidArgument.
func (s *Settings) Set(name, value string) error {
	switch name {
	case NameEnabled, NameDebug:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		if name == NameEnabled {
			s.engine.Mutator().SetEnabled(b)
		} else {
			s.engine.Mutator().SetDebug(b)
		}
		return nil
	}
	sl, ok := parseSlot(name)
	if !ok {
		return fmt.Errorf("%w: unknown setting %q", rewrite.ErrNotFound, name)
	}
	return s.engine.Table().SetString(sl.family, sl.dscp, strings.TrimSpace(value))
}

// List returns every setting: the two toggles followed by the IPv4 and then
// the IPv6 slots in DSCP order.
func (s *Settings) List() []Setting {
	m := s.engine.Mutator()
	settings := make([]Setting, 0, 2+2*(rewrite.Slots-1))
	settings = append(settings,
		Setting{Name: NameEnabled, Value: formatBool(m.Enabled()), Description: "DSCP rewrite enabled"},
		Setting{Name: NameDebug, Value: formatBool(m.Debug()), Description: "DSCP rewrite debug log"},
	)
	for _, f := range []rewrite.Family{rewrite.IPv4, rewrite.IPv6} {
		for i := 1; i < rewrite.Slots; i++ {
			v, _ := s.engine.Table().GetString(f, i)
			settings = append(settings, Setting{
				Name:        SlotName(f, i),
				Value:       v,
				Description: fmt.Sprintf("DSCP %d destination %s", i, f),
			})
		}
	}
	return settings
}
