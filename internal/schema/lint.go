package schema

import (
	"regexp"
	"strings"
)

var (
	reCreateTable = regexp.MustCompile(`(?is)^CREATE TABLE (?:IF NOT EXISTS )?(\w+)\s*\((.*)\)$`)
	reDropTable   = regexp.MustCompile(`(?i)^DROP TABLE (?:IF EXISTS )?(\w+)`)
	reAlterTable  = regexp.MustCompile(`(?is)^ALTER TABLE (?:IF EXISTS )?(?:ONLY )?(\w+)\s+(.*)$`)
	reUpdateCopy  = regexp.MustCompile(`(?is)^UPDATE (\w+) SET (\w+)\s*=\s*(\w+)(?:\s|$)`)
	reHypertable  = regexp.MustCompile(`(?i)create_hypertable\(\s*'(\w+)'\s*,\s*'(\w+)'`)

	reDropConstraint = regexp.MustCompile(`(?i)^DROP CONSTRAINT (?:IF EXISTS )?(\w+)`)
	reDropColumn     = regexp.MustCompile(`(?i)^DROP (?:COLUMN )?(?:IF EXISTS )?(\w+)`)
	reAddColumn      = regexp.MustCompile(`(?i)^ADD (?:COLUMN )?(?:IF NOT EXISTS )?(\w+)\s+(.+)$`)
	reAddPrimaryKey  = regexp.MustCompile(`(?i)^ADD (?:CONSTRAINT \w+ )?PRIMARY KEY`)
	reSetNotNull     = regexp.MustCompile(`(?i)^ALTER (?:COLUMN )?(\w+) SET NOT NULL`)
	reDropNotNull    = regexp.MustCompile(`(?i)^ALTER (?:COLUMN )?(\w+) DROP NOT NULL`)
)

type lintTable struct {
	partition string
	hasPK     bool
	notNull   map[string]bool
	mirrorOf  map[string]string
}

// Linter checks migration scripts statement by statement against a running
// model of the tables they touch. The model carries over between scripts, so
// scripts must be linted in the order they are applied.
type Linter struct {
	partitions map[string]string
	tables     map[string]*lintTable
}

// NewLinter starts from empty state. partitions names the partition column of
// each table once it is created.
func NewLinter(partitions map[string]string) *Linter {
	p := make(map[string]string, len(partitions))
	for k, v := range partitions {
		p[k] = v
	}
	return &Linter{partitions: p, tables: make(map[string]*lintTable)}
}

// Lint checks a single script.
func Lint(script, sql string, partitions map[string]string) error {
	return NewLinter(partitions).Lint(script, sql)
}

// Lint checks script and folds its effects into the model. It rejects a
// statement that drops the primary key and the partition column together,
// that drops the partition column while the primary key is in place, or
// before a NOT NULL column backfilled from it exists.
func (l *Linter) Lint(script, sql string) error {
	for i, stmt := range SplitStatements(sql) {
		if err := l.statement(script, i, stmt); err != nil {
			return err
		}
	}
	return nil
}

// PartitionColumn reports the current partition column of table.
func (l *Linter) PartitionColumn(table string) string {
	if t, ok := l.tables[table]; ok {
		return t.partition
	}
	return l.partitions[table]
}

func (l *Linter) table(name string) *lintTable {
	t, ok := l.tables[name]
	if !ok {
		t = &lintTable{
			partition: l.partitions[name],
			hasPK:     true,
			notNull:   make(map[string]bool),
			mirrorOf:  make(map[string]string),
		}
		l.tables[name] = t
	}
	return t
}

func (l *Linter) statement(script string, index int, stmt string) error {
	flat := strings.Join(strings.Fields(stmt), " ")

	if m := reHypertable.FindStringSubmatch(flat); m != nil {
		l.table(m[1]).partition = m[2]
	}

	switch {
	case reCreateTable.MatchString(flat):
		m := reCreateTable.FindStringSubmatch(flat)
		l.createTable(m[1], m[2])
		return nil
	case reDropTable.MatchString(flat):
		m := reDropTable.FindStringSubmatch(flat)
		delete(l.tables, m[1])
		return nil
	case reUpdateCopy.MatchString(flat):
		m := reUpdateCopy.FindStringSubmatch(flat)
		l.table(m[1]).mirrorOf[m[2]] = m[3]
		return nil
	case reAlterTable.MatchString(flat):
		m := reAlterTable.FindStringSubmatch(flat)
		return l.alterTable(script, index, flat, m[1], splitTopLevel(m[2], ','))
	}
	return nil
}

func (l *Linter) createTable(name, body string) {
	t := l.table(name)
	t.hasPK = false
	for _, part := range splitTopLevel(body, ',') {
		part = strings.TrimSpace(part)
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "CONSTRAINT ") || strings.HasPrefix(upper, "PRIMARY KEY") {
			if strings.Contains(upper, "PRIMARY KEY") {
				t.hasPK = true
			}
			continue
		}
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		if strings.Contains(upper, "PRIMARY KEY") {
			t.hasPK = true
		}
		t.notNull[fields[0]] = strings.Contains(upper, "NOT NULL") || strings.Contains(upper, "PRIMARY KEY")
	}
}

func (l *Linter) alterTable(script string, index int, stmt, name string, actions []string) error {
	t := l.table(name)
	violation := func(reason string) error {
		return &SchemaInvariantViolation{Table: name, Index: index, Reason: reason, Script: script, Statement: stmt}
	}

	dropsPK := false
	for _, a := range actions {
		if m := reDropConstraint.FindStringSubmatch(strings.TrimSpace(a)); m != nil && isPKName(name, m[1]) {
			dropsPK = true
		}
	}

	for _, a := range actions {
		a = strings.TrimSpace(a)
		switch {
		case reDropConstraint.MatchString(a):
			if m := reDropConstraint.FindStringSubmatch(a); isPKName(name, m[1]) {
				t.hasPK = false
			}
		case reSetNotNull.MatchString(a):
			t.notNull[reSetNotNull.FindStringSubmatch(a)[1]] = true
		case reDropNotNull.MatchString(a):
			t.notNull[reDropNotNull.FindStringSubmatch(a)[1]] = false
		case reAddPrimaryKey.MatchString(a):
			t.hasPK = true
		case reAddColumn.MatchString(a):
			m := reAddColumn.FindStringSubmatch(a)
			t.notNull[m[1]] = strings.Contains(strings.ToUpper(m[2]), "NOT NULL")
			delete(t.mirrorOf, m[1])
		case reDropColumn.MatchString(a):
			col := reDropColumn.FindStringSubmatch(a)[1]
			if col != "" && col == t.partition {
				switch {
				case dropsPK:
					return violation("drops the primary key and the partition column in one statement")
				case t.hasPK:
					return violation("partition column " + col + " dropped while the primary key is in place")
				}
				mirror := ""
				for m, from := range t.mirrorOf {
					if from == col && t.notNull[m] && (mirror == "" || m < mirror) {
						mirror = m
					}
				}
				if mirror == "" {
					return violation("partition column " + col + " dropped before a NOT NULL backfilled replacement exists")
				}
				t.partition = mirror
			}
			delete(t.notNull, col)
			for m, from := range t.mirrorOf {
				if m == col || from == col {
					delete(t.mirrorOf, m)
				}
			}
		}
	}
	return nil
}

func isPKName(table, constraint string) bool {
	return constraint == table+"_pkey" || strings.HasSuffix(constraint, "_pkey")
}

// SplitStatements splits a SQL script on semicolons that are outside quotes,
// dollar-quoted bodies and comments. Statements are trimmed; empty ones and
// comments are dropped.
func SplitStatements(sql string) []string {
	var (
		out     []string
		cur     strings.Builder
		dollar  string
		inQuote bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case dollar != "":
			if strings.HasPrefix(sql[i:], dollar) {
				cur.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
		case inQuote:
			if c == '\'' {
				inQuote = false
			}
		case c == '\'':
			inQuote = true
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
			continue
		case c == '$':
			if tag := dollarTag(sql[i:]); tag != "" {
				dollar = tag
				cur.WriteString(tag)
				i += len(tag) - 1
				continue
			}
		case c == ';':
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return out
}

// dollarTag returns the opening tag ($$ or $name$) at the start of s.
func dollarTag(s string) string {
	for j := 1; j < len(s); j++ {
		switch c := s[j]; {
		case c == '$':
			return s[:j+1]
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (j > 1 && c >= '0' && c <= '9'):
		default:
			return ""
		}
	}
	return ""
}

// splitTopLevel splits s on sep outside parentheses and quotes.
func splitTopLevel(s string, sep byte) []string {
	var (
		parts   []string
		depth   int
		inQuote bool
		start   int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case inQuote:
			if c == '\'' {
				inQuote = false
			}
		case c == '\'':
			inQuote = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
