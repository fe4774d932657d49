package sqltable

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/erfanmomeniii/relay"
)

const columnsTemplate = `SELECT column_name, data_type,
	COALESCE(character_maximum_length, 0),
	COALESCE(numeric_precision, 0),
	COALESCE(numeric_scale, 0),
	is_nullable
FROM information_schema.columns
WHERE table_name = %s AND table_schema = COALESCE(NULLIF(%s, ''), %s)
ORDER BY ordinal_position`

func (c *Connector) columnsQuery() string {
	current := "current_schema()"
	if c.dialect == relay.DialectMySQL {
		current = "DATABASE()"
	}
	return fmt.Sprintf(columnsTemplate, c.placeholder(1), c.placeholder(2), current)
}

// GetSchema returns the column types of the table named by target. A
// missing table has an empty schema.
func (c *Connector) GetSchema(ctx context.Context, target string) (relay.Schema, error) {
	schemaName, table, err := splitTable(target)
	if err != nil {
		return nil, err
	}
	qctx, cancel := c.timeout(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(qctx, c.columnsQuery(), table, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := relay.Schema{}
	for rows.Next() {
		var (
			name, dataType, nullable string
			length, precision, scale int64
		)
		if err := rows.Scan(&name, &dataType, &length, &precision, &scale, &nullable); err != nil {
			return nil, err
		}
		t := columnType(dataType, length, precision, scale)
		t.Nullable = strings.EqualFold(nullable, "YES")
		out[name] = t
	}
	return out, rows.Err()
}

// columnType maps a database type onto the inferred kinds. Types with no
// counterpart read as unbounded strings so they are never altered.
func columnType(dataType string, length, precision, scale int64) relay.ColumnType {
	switch strings.ToLower(dataType) {
	case "smallint", "tinyint":
		return relay.ColumnType{Kind: relay.KindInteger, Precision: 5}
	case "integer", "int", "mediumint":
		return relay.ColumnType{Kind: relay.KindInteger, Precision: 10}
	case "bigint":
		return relay.ColumnType{Kind: relay.KindInteger, Precision: 19}
	case "numeric", "decimal":
		return relay.ColumnType{Kind: relay.KindDecimal, Precision: int(precision), Scale: int(scale)}
	case "character varying", "varchar", "character", "char", "nvarchar", "nchar":
		if length > 0 {
			return relay.ColumnType{Kind: relay.KindString, Length: int(length)}
		}
	}
	return relay.ColumnType{Kind: relay.KindString, Length: math.MaxInt32}
}

// EnsureDestinationStructure creates the table named by destination, or
// adds and widens columns so every column of schema fits. Existing columns
// are never narrowed or dropped.
func (c *Connector) EnsureDestinationStructure(ctx context.Context, destination string, schema relay.Schema) error {
	if len(schema) == 0 {
		return nil
	}
	table, err := c.quoteTable(destination)
	if err != nil {
		return err
	}
	existing, err := c.GetSchema(ctx, destination)
	if err != nil {
		return fmt.Errorf("sqltable: inspect %s: %w", destination, err)
	}

	var stmts []string
	if len(existing) == 0 {
		cols := make([]string, 0, len(schema))
		for _, name := range schema.Names() {
			cols = append(cols, c.quote(name)+" "+schema[name].SQL(c.dialect))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", ")))
	} else {
		for _, name := range schema.Names() {
			want := schema[name]
			have, ok := existing[name]
			switch {
			case !ok:
				stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.quote(name), want.SQL(c.dialect)))
			case !have.Covers(want):
				stmts = append(stmts, c.alterColumn(table, name, have.Widen(want)))
			}
		}
	}

	for _, stmt := range stmts {
		ectx, cancel := c.timeout(ctx)
		_, err := c.db.ExecContext(ectx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("sqltable: %s: %w", stmt, err)
		}
		c.logger.Info("destination structure changed", "destination", destination, "statement", stmt)
	}
	return nil
}

func (c *Connector) alterColumn(table, name string, t relay.ColumnType) string {
	if c.dialect == relay.DialectMySQL {
		return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s", table, c.quote(name), t.SQL(c.dialect))
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", table, c.quote(name), t.SQL(c.dialect))
}
