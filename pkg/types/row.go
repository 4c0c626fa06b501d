package types

// Row is one materialized record: one value per schema column, in schema order.
// A nil entry is NULL, everything else is a string.
type Row []any

// Value returns the value at column index i, or nil when out of range.
func (r Row) Value(i int) any {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}
