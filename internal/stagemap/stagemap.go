// Package stagemap resolves which external status an internal lead stage maps
// to on each referral platform.
package stagemap

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLeadType is the fallback bucket used when a lead type has no mapping.
const DefaultLeadType = "default"

// Mapper is an immutable platform -> lead type -> stage -> status table.
type Mapper struct {
	table map[string]map[string]map[string]string
}

// Load reads mappings from a YAML file shaped like:
//
//	homelight:
//	  default:
//	    appointment_set: "Meeting Scheduled"
//	  seller:
//	    listed: "Listing Signed"
func Load(path string) (*Mapper, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage mappings: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML mapping document.
func Parse(b []byte) (*Mapper, error) {
	var raw map[string]map[string]map[string]string
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse stage mappings: %w", err)
	}
	return New(raw), nil
}

// New builds a mapper from an in-memory table. Keys are matched case-insensitively.
func New(raw map[string]map[string]map[string]string) *Mapper {
	m := &Mapper{table: make(map[string]map[string]map[string]string, len(raw))}
	for platform, types := range raw {
		pt := make(map[string]map[string]string, len(types))
		for leadType, stages := range types {
			st := make(map[string]string, len(stages))
			for stage, status := range stages {
				if status = strings.TrimSpace(status); status != "" {
					st[key(stage)] = status
				}
			}
			pt[key(leadType)] = st
		}
		m.table[key(platform)] = pt
	}
	return m
}

// MappedStage returns the external status for internalStage on platform.
// A lead-type-specific mapping wins over the default one.
func (m *Mapper) MappedStage(platform, internalStage, leadType string) (string, bool) {
	if m == nil {
		return "", false
	}
	types, ok := m.table[key(platform)]
	if !ok {
		return "", false
	}
	stage := key(internalStage)
	if leadType != "" {
		if status, ok := types[key(leadType)][stage]; ok {
			return status, true
		}
	}
	status, ok := types[DefaultLeadType][stage]
	return status, ok
}

func key(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}
