package schema

import (
	"fmt"
	"slices"
)

// SchemaInvariantViolation reports the first step of a plan that would leave
// the table unusable. Nothing has been applied when it is returned.
type SchemaInvariantViolation struct {
	Table  string
	Index  int
	Step   Step
	Reason string
	// Script and Statement are set when the violation comes from linting SQL.
	Script    string
	Statement string
}

func (e *SchemaInvariantViolation) Error() string {
	if e.Statement != "" {
		return fmt.Sprintf("schema invariant violated on %s in %s statement %d (%s): %s", e.Table, e.Script, e.Index, e.Statement, e.Reason)
	}
	if e.Index < 0 {
		return fmt.Sprintf("schema invariant violated on %s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("schema invariant violated on %s at step %d (%s): %s", e.Table, e.Index, e.Step, e.Reason)
}

// simulation tracks a table while a plan is replayed against it.
type simulation struct {
	table     Table
	hasPK     bool
	added     map[string]bool
	mirrorOf  map[string]string // backfilled column -> source column
	violation func(i int, s Step, reason string) error
}

// Validate replays steps against table without touching a database and
// returns the resulting table. The rules:
//   - new columns are added nullable and may only become NOT NULL after a backfill;
//   - a primary key column cannot be dropped or made nullable while the key exists;
//   - the partition column can only be dropped once a NOT NULL column backfilled
//     from it exists, which then becomes the partition column;
//   - a new primary key covers existing NOT NULL columns including the
//     partition column, and the plan must end with a primary key in place.
func Validate(table Table, steps []Step) (Table, error) {
	sim := &simulation{
		table:    table.clone(),
		hasPK:    len(table.PrimaryKey) > 0,
		added:    make(map[string]bool),
		mirrorOf: make(map[string]string),
		violation: func(i int, s Step, reason string) error {
			return &SchemaInvariantViolation{Table: table.Name, Index: i, Step: s, Reason: reason}
		},
	}

	for i, s := range steps {
		if err := sim.apply(i, s); err != nil {
			return Table{}, err
		}
	}
	if !sim.hasPK {
		return Table{}, &SchemaInvariantViolation{Table: table.Name, Index: -1, Reason: "plan ends without a primary key"}
	}
	return sim.table, nil
}

func (sim *simulation) apply(i int, s Step) error {
	t := &sim.table
	switch s.Kind {
	case StepDropPrimaryKey:
		if !sim.hasPK {
			return sim.violation(i, s, "no primary key to drop")
		}
		sim.hasPK = false
		t.PrimaryKey = nil

	case StepAddColumn:
		if _, ok := t.Column(s.Column); ok {
			return sim.violation(i, s, "column already exists")
		}
		if s.Type == "" {
			return sim.violation(i, s, "column type is required")
		}
		t.Columns = append(t.Columns, Column{Name: s.Column, Type: s.Type, Nullable: true})
		sim.added[s.Column] = true

	case StepBackfill:
		target, ok := t.Column(s.Column)
		if !ok {
			return sim.violation(i, s, "backfill target does not exist")
		}
		from, ok := t.Column(s.From)
		if !ok {
			return sim.violation(i, s, "backfill source does not exist")
		}
		if target.Type != from.Type {
			return sim.violation(i, s, fmt.Sprintf("type mismatch: %s is %s, %s is %s", target.Name, target.Type, from.Name, from.Type))
		}
		sim.mirrorOf[s.Column] = s.From

	case StepSetNotNull:
		if _, ok := t.Column(s.Column); !ok {
			return sim.violation(i, s, "column does not exist")
		}
		if sim.added[s.Column] {
			if _, ok := sim.mirrorOf[s.Column]; !ok {
				return sim.violation(i, s, "new column set NOT NULL before it was backfilled")
			}
		}
		t.setNullable(s.Column, false)

	case StepDropNotNull:
		if _, ok := t.Column(s.Column); !ok {
			return sim.violation(i, s, "column does not exist")
		}
		if sim.hasPK && slices.Contains(t.PrimaryKey, s.Column) {
			return sim.violation(i, s, "column is part of the primary key")
		}
		t.setNullable(s.Column, true)

	case StepDropColumn:
		if _, ok := t.Column(s.Column); !ok {
			return sim.violation(i, s, "column does not exist")
		}
		if sim.hasPK && slices.Contains(t.PrimaryKey, s.Column) {
			return sim.violation(i, s, "column is part of the primary key")
		}
		if s.Column == t.PartitionColumn {
			mirror, ok := sim.notNullMirror(s.Column)
			if !ok {
				return sim.violation(i, s, "partition column dropped before a NOT NULL backfilled replacement exists")
			}
			t.PartitionColumn = mirror
		}
		t.dropColumn(s.Column)
		for m, from := range sim.mirrorOf {
			if from == s.Column || m == s.Column {
				delete(sim.mirrorOf, m)
			}
		}

	case StepAddPrimaryKey:
		if sim.hasPK {
			return sim.violation(i, s, "primary key already exists")
		}
		if len(s.Columns) == 0 {
			return sim.violation(i, s, "primary key needs at least one column")
		}
		for _, name := range s.Columns {
			c, ok := t.Column(name)
			if !ok {
				return sim.violation(i, s, fmt.Sprintf("primary key column %s does not exist", name))
			}
			if c.Nullable {
				return sim.violation(i, s, fmt.Sprintf("primary key column %s is nullable", name))
			}
		}
		if t.PartitionColumn != "" && !slices.Contains(s.Columns, t.PartitionColumn) {
			return sim.violation(i, s, fmt.Sprintf("primary key must include partition column %s", t.PartitionColumn))
		}
		sim.hasPK = true
		t.PrimaryKey = slices.Clone(s.Columns)
		if s.Constraint != "" {
			t.PKName = s.Constraint
		}

	default:
		return sim.violation(i, s, fmt.Sprintf("unknown step kind %q", s.Kind))
	}
	return nil
}

func (sim *simulation) notNullMirror(column string) (string, bool) {
	var candidates []string
	for m, from := range sim.mirrorOf {
		if from != column {
			continue
		}
		if c, ok := sim.table.Column(m); ok && !c.Nullable {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	slices.Sort(candidates)
	return candidates[0], true
}

// Target describes the desired end state of a re-key.
type Target struct {
	// Mirrors are new columns backfilled from existing ones. A mirror of the
	// partition column takes over partitioning.
	Mirrors []Mirror
	// Drop lists columns to remove after the mirrors are in place.
	Drop []string
	// PrimaryKey is the new key; it must include the partition column.
	PrimaryKey []string
}

// Mirror is a new column copied from an existing one.
type Mirror struct {
	Column string
	From   string
}

// Plan orders the steps that take table to target: drop the key, add each
// mirror nullable, backfill it and set it NOT NULL, drop obsolete columns
// with the partition column last, then add the new key. The plan is
// validated before it is returned.
func Plan(table Table, target Target) ([]Step, error) {
	var steps []Step
	if len(table.PrimaryKey) > 0 {
		steps = append(steps, Step{Kind: StepDropPrimaryKey, Constraint: pkName(table)})
	}
	for _, m := range target.Mirrors {
		from, ok := table.Column(m.From)
		if !ok {
			return nil, fmt.Errorf("mirror %s: source column %s does not exist", m.Column, m.From)
		}
		steps = append(steps,
			Step{Kind: StepAddColumn, Column: m.Column, Type: from.Type},
			Step{Kind: StepBackfill, Column: m.Column, From: m.From},
			Step{Kind: StepSetNotNull, Column: m.Column},
		)
	}

	drops := slices.Clone(target.Drop)
	slices.SortStableFunc(drops, func(a, b string) int {
		return boolOrder(a == table.PartitionColumn) - boolOrder(b == table.PartitionColumn)
	})
	for _, c := range drops {
		steps = append(steps, Step{Kind: StepDropColumn, Column: c})
	}

	steps = append(steps, Step{Kind: StepAddPrimaryKey, Constraint: pkName(table), Columns: slices.Clone(target.PrimaryKey)})

	if _, err := Validate(table, steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// Reverse builds the inverse of a validated plan for table as it was before
// the plan ran. Dropped columns without a mirror cannot get their data back:
// they return nullable and are left out of the restored primary key.
func Reverse(before Table, steps []Step) ([]Step, error) {
	after, err := Validate(before, steps)
	if err != nil {
		return nil, err
	}

	mirrorFor := make(map[string]string) // original column -> mirror that holds its data
	for _, s := range steps {
		if s.Kind == StepBackfill {
			mirrorFor[s.From] = s.Column
		}
	}

	lost := make(map[string]bool)
	var inverse []Step
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		switch s.Kind {
		case StepAddPrimaryKey:
			inverse = append(inverse, Step{Kind: StepDropPrimaryKey, Constraint: s.Constraint})
		case StepDropColumn:
			orig, ok := before.Column(s.Column)
			if !ok {
				return nil, fmt.Errorf("cannot reverse drop of %s: column not in original table", s.Column)
			}
			inverse = append(inverse, Step{Kind: StepAddColumn, Column: orig.Name, Type: orig.Type})
			if mirror, ok := mirrorFor[orig.Name]; ok {
				inverse = append(inverse, Step{Kind: StepBackfill, Column: orig.Name, From: mirror})
				if !orig.Nullable {
					inverse = append(inverse, Step{Kind: StepSetNotNull, Column: orig.Name})
				}
			} else {
				lost[orig.Name] = true
			}
		case StepSetNotNull:
			inverse = append(inverse, Step{Kind: StepDropNotNull, Column: s.Column})
		case StepDropNotNull:
			inverse = append(inverse, Step{Kind: StepSetNotNull, Column: s.Column})
		case StepAddColumn:
			inverse = append(inverse, Step{Kind: StepDropColumn, Column: s.Column})
		case StepBackfill:
			// The column holding the copy is dropped by the inverse of its AddColumn.
		case StepDropPrimaryKey:
			pk := slices.DeleteFunc(slices.Clone(before.PrimaryKey), func(c string) bool { return lost[c] })
			inverse = append(inverse, Step{Kind: StepAddPrimaryKey, Constraint: s.Constraint, Columns: pk})
		}
	}

	if _, err := Validate(after, inverse); err != nil {
		return nil, fmt.Errorf("inverse plan is not safe: %w", err)
	}
	return inverse, nil
}

func pkName(t Table) string {
	if t.PKName != "" {
		return t.PKName
	}
	return t.Name + "_pkey"
}

func boolOrder(b bool) int {
	if b {
		return 1
	}
	return 0
}
