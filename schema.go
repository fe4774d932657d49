package relay

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind is the inferred family of a column.
type Kind int

const (
	KindInteger Kind = iota
	KindDecimal
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	default:
		return "string"
	}
}

// ColumnType is the inferred type of one column.
type ColumnType struct {
	Kind Kind

	// Length is the longest observed value in characters.
	Length int

	// Precision and Scale describe decimals: total digits and digits after
	// the point.
	Precision int
	Scale     int

	// Nullable is set when at least one sampled value was empty.
	Nullable bool
}

// Schema maps column names to their inferred types.
type Schema map[string]ColumnType

// Names returns the column names in lexical order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Ordered returns the column names following headers first, then any
// remaining columns in lexical order.
func (s Schema) Ordered(headers []string) []string {
	seen := make(map[string]bool, len(s))
	out := make([]string, 0, len(s))
	for _, h := range headers {
		if _, ok := s[h]; ok && !seen[h] {
			out = append(out, h)
			seen[h] = true
		}
	}
	for _, n := range s.Names() {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// InferSchema samples every record and picks, per header, the narrowest
// type that fits all non-empty values: integer, then decimal, then a string
// sized to the longest value. A column with no values at all is a string of
// length 1.
func InferSchema(headers []string, records []map[string]string) Schema {
	schema := make(Schema, len(headers))
	for _, h := range headers {
		var (
			t       ColumnType
			sampled bool
		)
		for _, rec := range records {
			v := strings.TrimSpace(rec[h])
			if v == "" {
				t.Nullable = true
				continue
			}
			vt := classify(v)
			if !sampled {
				vt.Nullable = t.Nullable
				t = vt
				sampled = true
				continue
			}
			t = t.Widen(vt)
		}
		if !sampled {
			t.Kind = KindString
			t.Length = 1
		}
		schema[h] = t
	}
	return schema
}

func classify(v string) ColumnType {
	n := utf8.RuneCountInString(v)
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		digits := len(strings.TrimLeft(v, "+-"))
		return ColumnType{Kind: KindInteger, Length: n, Precision: digits}
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil && isPlainDecimal(v) {
		body := strings.TrimLeft(v, "+-")
		intPart, frac, _ := strings.Cut(body, ".")
		return ColumnType{
			Kind:      KindDecimal,
			Length:    n,
			Precision: len(intPart) + len(frac),
			Scale:     len(frac),
		}
	}
	return ColumnType{Kind: KindString, Length: n}
}

// isPlainDecimal rejects forms ParseFloat accepts but a DECIMAL column does
// not: exponents, hex, Inf and NaN.
func isPlainDecimal(v string) bool {
	v = strings.TrimLeft(v, "+-")
	if v == "" {
		return false
	}
	dot := false
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

func (t ColumnType) intDigits() int {
	if t.Kind == KindInteger {
		return t.Precision
	}
	return t.Precision - t.Scale
}

// width is the longest rendering of a value of t. Sampled types carry it in
// Length; numeric columns read from a database only know their precision,
// so room is left for a sign and a decimal point.
func (t ColumnType) width() int {
	if t.Length > 0 || t.Kind == KindString {
		return t.Length
	}
	if t.Kind == KindInteger {
		return t.Precision + 1
	}
	return t.Precision + 2
}

// Widen returns the narrowest type that holds values of both t and o.
func (t ColumnType) Widen(o ColumnType) ColumnType {
	out := ColumnType{
		Length:   max(t.Length, o.Length),
		Nullable: t.Nullable || o.Nullable,
	}
	switch {
	case t.Kind == KindString || o.Kind == KindString:
		out.Kind = KindString
		out.Length = max(t.width(), o.width())
	case t.Kind == KindInteger && o.Kind == KindInteger:
		out.Kind = KindInteger
		out.Precision = max(t.Precision, o.Precision)
	default:
		out.Kind = KindDecimal
		out.Scale = max(t.Scale, o.Scale)
		out.Precision = max(t.intDigits(), o.intDigits()) + out.Scale
	}
	return out
}

// Covers reports whether a column of type t can store every value of o
// without loss. It drives widening decisions on existing structures.
func (t ColumnType) Covers(o ColumnType) bool {
	switch t.Kind {
	case KindString:
		return t.Length >= o.Length
	case KindDecimal:
		switch o.Kind {
		case KindInteger, KindDecimal:
			return t.intDigits() >= o.intDigits() && t.Scale >= o.Scale
		}
		return false
	default:
		return o.Kind == KindInteger && t.Precision >= o.Precision
	}
}

// Dialects understood by ColumnType.SQL.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

const maxVarchar = 4000

// SQL renders t as a column type for dialect.
func (t ColumnType) SQL(dialect string) string {
	switch t.Kind {
	case KindInteger:
		return "BIGINT"
	case KindDecimal:
		p, s := t.Precision, t.Scale
		if p < 1 {
			p = 1
		}
		if p > 38 {
			p = 38
		}
		if s > p {
			s = p
		}
		if dialect == DialectPostgres {
			return fmt.Sprintf("NUMERIC(%d,%d)", p, s)
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", p, s)
	default:
		n := t.Length
		if n < 1 {
			n = 1
		}
		if n > maxVarchar {
			return "TEXT"
		}
		return fmt.Sprintf("VARCHAR(%d)", n)
	}
}

func (t ColumnType) String() string {
	switch t.Kind {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
	default:
		return fmt.Sprintf("string(%d)", t.Length)
	}
}
