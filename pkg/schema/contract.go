// Package schema defines the published contract for the combined dataset and
// validates tables against it before any downstream stage may consume them.
package schema

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field types understood by the contract.
const (
	TypeString = "string"
	TypeFloat  = "float"
	TypeInt    = "int"
	TypeBool   = "bool"
)

// Field is one column of the combined dataset contract.
type Field struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// Contract is the versioned combined-dataset schema document.
type Contract struct {
	Version int     `yaml:"version"`
	Fields  []Field `yaml:"fields"`
}

// Load parses a YAML contract document.
func Load(r io.Reader) (Contract, error) {
	var c Contract
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Contract{}, fmt.Errorf("parse schema contract: %w", err)
	}
	if len(c.Fields) == 0 {
		return Contract{}, fmt.Errorf("schema contract v%d declares no fields", c.Version)
	}
	for _, f := range c.Fields {
		switch f.Type {
		case TypeString, TypeFloat, TypeInt, TypeBool:
		default:
			return Contract{}, fmt.Errorf("schema contract v%d: field %q has unknown type %q", c.Version, f.Name, f.Type)
		}
	}
	return c, nil
}

// Default returns the built-in v1 combined-dataset contract.
func Default() Contract {
	return Contract{
		Version: 1,
		Fields: []Field{
			{Name: "source", Type: TypeString, Required: true},
			{Name: "external_id", Type: TypeString},
			{Name: "url", Type: TypeString},
			{Name: "price", Type: TypeFloat, Required: true},
			{Name: "area_m2", Type: TypeFloat, Required: true},
			{Name: "rooms", Type: TypeInt},
			{Name: "latitude", Type: TypeFloat},
			{Name: "longitude", Type: TypeFloat},
			{Name: "address_text", Type: TypeString},
			{Name: "scraped_at", Type: TypeString},
			{Name: "travel_time_minutes", Type: TypeFloat},
			{Name: "is_user_offer", Type: TypeBool},
			{Name: "needs_review", Type: TypeBool},
		},
	}
}

// RowIssue pinpoints one offending cell.
type RowIssue struct {
	Row    int // -1 for table-level issues such as a missing column
	Field  string
	Reason string
}

// Violation reports a combined table that does not satisfy the contract.
// It is fatal: the orchestrator aborts the run rather than coercing values.
type Violation struct {
	RunKey  string
	Version int
	Issues  []RowIssue
}

func (v *Violation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "combined table violates schema v%d (run %s): %d issue(s)", v.Version, v.RunKey, len(v.Issues))
	max := len(v.Issues)
	if max > 5 {
		max = 5
	}
	for _, issue := range v.Issues[:max] {
		if issue.Row < 0 {
			fmt.Fprintf(&b, "; field %s: %s", issue.Field, issue.Reason)
			continue
		}
		fmt.Fprintf(&b, "; row %d field %s: %s", issue.Row, issue.Field, issue.Reason)
	}
	if len(v.Issues) > max {
		fmt.Fprintf(&b, "; and %d more", len(v.Issues)-max)
	}
	return b.String()
}

// Validate checks a rendered table (header + string cells) against the
// contract. A nil return means every row satisfies the required-field and
// typing constraints.
func (c Contract) Validate(runKey string, header []string, rows [][]string) error {
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.TrimSpace(strings.ToLower(col))] = i
	}

	var issues []RowIssue
	for _, f := range c.Fields {
		if _, ok := idx[f.Name]; !ok {
			issues = append(issues, RowIssue{Row: -1, Field: f.Name, Reason: "column missing"})
		}
	}

	for rowNum, row := range rows {
		for _, f := range c.Fields {
			col, ok := idx[f.Name]
			if !ok {
				continue // already reported as a missing column
			}
			var cell string
			if col < len(row) {
				cell = strings.TrimSpace(row[col])
			}
			if cell == "" {
				if f.Required {
					issues = append(issues, RowIssue{Row: rowNum, Field: f.Name, Reason: "required value missing"})
				}
				continue
			}
			if reason := checkType(f.Type, cell); reason != "" {
				issues = append(issues, RowIssue{Row: rowNum, Field: f.Name, Reason: reason})
			}
		}
	}

	if len(issues) > 0 {
		return &Violation{RunKey: runKey, Version: c.Version, Issues: issues}
	}
	return nil
}

func checkType(fieldType, cell string) string {
	switch fieldType {
	case TypeFloat:
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return fmt.Sprintf("value %q is not a number", cell)
		}
	case TypeInt:
		if _, err := strconv.Atoi(cell); err != nil {
			return fmt.Sprintf("value %q is not an integer", cell)
		}
	case TypeBool:
		if _, err := strconv.ParseBool(cell); err != nil {
			return fmt.Sprintf("value %q is not a boolean", cell)
		}
	}
	return ""
}
