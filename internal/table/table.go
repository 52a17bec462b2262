// Package table implements the column-batched tables the socket tracer
// emits into. A Batch accumulates typed column values row by row; a
// downstream consumer snapshots and resets it on every push tick.
package table

import "fmt"

type ColumnType int

const (
	Time64NS ColumnType = iota + 1
	Int64
	String
)

// Element declares one column of a schema.
type Element struct {
	Name string
	Type ColumnType
}

// Schema is an ordered set of named, typed columns.
type Schema struct {
	name     string
	elements []Element
}

func NewSchema(name string, elements ...Element) Schema {
	return Schema{name: name, elements: elements}
}

func (s Schema) Name() string        { return s.name }
func (s Schema) Elements() []Element { return s.elements }

// ColIndex returns the index of the named column, or -1.
func (s Schema) ColIndex(name string) int {
	for i, e := range s.elements {
		if e.Name == name {
			return i
		}
	}
	return -1
}

type column struct {
	typ  ColumnType
	ints []int64
	strs []string
}

// Batch holds column-major data for one schema.
type Batch struct {
	schema Schema
	cols   []column
	rows   int
}

func NewBatch(s Schema) *Batch {
	cols := make([]column, len(s.elements))
	for i, e := range s.elements {
		cols[i].typ = e.Type
	}
	return &Batch{schema: s, cols: cols}
}

func (b *Batch) Schema() Schema { return b.schema }
func (b *Batch) Len() int       { return b.rows }

// Row starts a new row. Every column must be appended exactly once, in
// schema order, before the next Row or snapshot.
func (b *Batch) Row() *RowBuilder {
	return &RowBuilder{b: b}
}

// Reset drops all accumulated rows, keeping the schema.
func (b *Batch) Reset() {
	for i := range b.cols {
		b.cols[i].ints = b.cols[i].ints[:0]
		b.cols[i].strs = b.cols[i].strs[:0]
	}
	b.rows = 0
}

// Int64At returns the value of an integer-typed column at a row.
func (b *Batch) Int64At(col, row int) int64 {
	return b.cols[col].ints[row]
}

// StringAt returns the value of a string-typed column at a row.
func (b *Batch) StringAt(col, row int) string {
	return b.cols[col].strs[row]
}

// RowBuilder appends one row across all columns of a batch.
type RowBuilder struct {
	b   *Batch
	col int
}

func (r *RowBuilder) AppendTime(ns int64) *RowBuilder {
	r.append(Time64NS)
	c := &r.b.cols[r.col-1]
	c.ints = append(c.ints, ns)
	return r
}

func (r *RowBuilder) AppendInt64(v int64) *RowBuilder {
	r.append(Int64)
	c := &r.b.cols[r.col-1]
	c.ints = append(c.ints, v)
	return r
}

func (r *RowBuilder) AppendString(v string) *RowBuilder {
	r.append(String)
	c := &r.b.cols[r.col-1]
	c.strs = append(c.strs, v)
	return r
}

// Done finalizes the row. Panics if a column was skipped; appending a row
// is a programming operation, not an input-dependent one.
func (r *RowBuilder) Done() {
	if r.col != len(r.b.cols) {
		panic(fmt.Sprintf("table: row for %q has %d of %d columns",
			r.b.schema.name, r.col, len(r.b.cols)))
	}
	r.b.rows++
}

func (r *RowBuilder) append(t ColumnType) {
	if r.col >= len(r.b.cols) {
		panic(fmt.Sprintf("table: too many columns for %q", r.b.schema.name))
	}
	if r.b.cols[r.col].typ != t {
		panic(fmt.Sprintf("table: column %d of %q is type %d, got %d",
			r.col, r.b.schema.name, r.b.cols[r.col].typ, t))
	}
	r.col++
}
