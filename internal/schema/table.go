package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Column describes one table column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Table is the part of a table definition the guard reasons about.
type Table struct {
	Name            string
	Columns         []Column
	PrimaryKey      []string
	PKName          string
	PartitionColumn string
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t Table) clone() Table {
	out := t
	out.Columns = slices.Clone(t.Columns)
	out.PrimaryKey = slices.Clone(t.PrimaryKey)
	return out
}

func (t *Table) setNullable(name string, nullable bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			t.Columns[i].Nullable = nullable
		}
	}
}

func (t *Table) dropColumn(name string) {
	t.Columns = slices.DeleteFunc(t.Columns, func(c Column) bool { return c.Name == name })
}

// StepKind names a single DDL/DML operation.
type StepKind string

const (
	StepDropPrimaryKey StepKind = "drop_primary_key"
	StepAddColumn      StepKind = "add_column"
	StepBackfill       StepKind = "backfill"
	StepSetNotNull     StepKind = "set_not_null"
	StepDropNotNull    StepKind = "drop_not_null"
	StepDropColumn     StepKind = "drop_column"
	StepAddPrimaryKey  StepKind = "add_primary_key"
)

// Step is one operation of a migration plan. Fields that do not apply to
// Kind are empty.
type Step struct {
	Kind       StepKind
	Column     string   // add/backfill target/set or drop not null/drop column
	Type       string   // add column
	From       string   // backfill source column
	Columns    []string // add primary key
	Constraint string   // primary key constraint name
}

// SQL renders the step against table, without a trailing semicolon.
func (s Step) SQL(table string) string {
	switch s.Kind {
	case StepDropPrimaryKey:
		return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table, s.Constraint)
	case StepAddColumn:
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, s.Column, s.Type)
	case StepBackfill:
		return fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s IS NULL", table, s.Column, s.From, s.Column)
	case StepSetNotNull:
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", table, s.Column)
	case StepDropNotNull:
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", table, s.Column)
	case StepDropColumn:
		return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, s.Column)
	case StepAddPrimaryKey:
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)", table, s.Constraint, strings.Join(s.Columns, ", "))
	default:
		return ""
	}
}

func (s Step) String() string {
	switch s.Kind {
	case StepBackfill:
		return fmt.Sprintf("%s %s from %s", s.Kind, s.Column, s.From)
	case StepAddPrimaryKey:
		return fmt.Sprintf("%s (%s)", s.Kind, strings.Join(s.Columns, ", "))
	case StepDropPrimaryKey:
		return fmt.Sprintf("%s %s", s.Kind, s.Constraint)
	default:
		return fmt.Sprintf("%s %s", s.Kind, s.Column)
	}
}

// Render returns the SQL of every step, in order.
func Render(table string, steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.SQL(table)
	}
	return out
}
