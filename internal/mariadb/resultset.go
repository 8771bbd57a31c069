package mariadb

import (
	"database/sql"
	"fmt"
)

// ColumnDef is a minimal column definition (text protocol Protocol::ColumnDefinition41,
// trimmed to the fields the proxy actually reports back to clients).
type ColumnDef struct {
	Name string
	Type FieldType
}

// FieldType mirrors the classifier's decode-side field type byte for the
// small subset of MySQL column types the proxy needs to label a resultset
// (it never needs to distinguish, say, TINYINT from MEDIUMINT since values
// are always re-serialized as text).
type FieldType byte

const (
	FieldTypeVarString FieldType = 0xFD
	FieldTypeLongLong  FieldType = 0x08
	FieldTypeDouble    FieldType = 0x05
	FieldTypeNull      FieldType = 0x06
)

// EncodeColumnDef marshals one ColumnDefinition41 packet body. Catalog,
// schema, table and orig-table/column names are left empty; clients built
// against the text protocol only require the column's display name and
// type for result binding.
func EncodeColumnDef(col ColumnDef) []byte {
	buf := EncodeLenEncString("def") // catalog
	buf = append(buf, EncodeLenEncString("")...)       // schema
	buf = append(buf, EncodeLenEncString("")...)       // table
	buf = append(buf, EncodeLenEncString("")...)       // orig table
	buf = append(buf, EncodeLenEncString(col.Name)...) // name
	buf = append(buf, EncodeLenEncString(col.Name)...) // orig name
	buf = append(buf, 0x0c)                            // length of fixed fields
	buf = append(buf, 0x21, 0x00)                       // character set (utf8_general_ci)
	buf = append(buf, 0xff, 0xff, 0xff, 0xff)           // column length
	buf = append(buf, byte(col.Type))
	buf = append(buf, 0x00, 0x00) // flags
	buf = append(buf, 0x00)       // decimals
	buf = append(buf, 0x00, 0x00) // filler
	return buf
}

// EncodeRow marshals one row of text-protocol values. A nil entry encodes
// as SQL NULL (0xFB); everything else is re-serialized as a length-encoded
// string, which is how the text protocol represents every column type.
func EncodeRow(values []any) []byte {
	var buf []byte
	for _, v := range values {
		if v == nil {
			buf = append(buf, 0xFB)
			continue
		}
		var s string
		switch t := v.(type) {
		case []byte:
			s = string(t)
		case string:
			s = t
		default:
			s = fmt.Sprintf("%v", t)
		}
		buf = append(buf, EncodeLenEncString(s)...)
	}
	return buf
}

// EncodeResultSet drains rows and returns a sequence of packet bodies
// forming a complete Protocol::Resultset: column count, column definitions,
// an EOF marker, the row data, and a final EOF/OK marker. Sequence numbers
// are assigned by the caller (mariadb.BuildPackets per body, continuing the
// session's running sequence counter).
func EncodeResultSet(rows *sql.Rows) ([][]byte, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("mariadb: reading columns: %w", err)
	}

	var packets [][]byte
	packets = append(packets, EncodeLenEncInt(uint64(len(cols))))
	for _, name := range cols {
		packets = append(packets, EncodeColumnDef(ColumnDef{Name: name, Type: FieldTypeVarString}))
	}
	packets = append(packets, EOF(0, 0))

	scanDest := make([]any, len(cols))
	scanPtrs := make([]any, len(cols))
	for i := range scanDest {
		scanPtrs[i] = &scanDest[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, fmt.Errorf("mariadb: scanning row: %w", err)
		}
		packets = append(packets, EncodeRow(scanDest))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mariadb: iterating rows: %w", err)
	}

	packets = append(packets, EOF(0, 0))
	return packets, nil
}

// EncodeColumnHeader builds the column-count, column-definition and EOF
// packets for a resultset whose rows will be sent separately (the
// COM_STMT_EXECUTE-with-cursor opening reply, spec.md §4.5).
func EncodeColumnHeader(cols []string) ([][]byte, error) {
	packets := make([][]byte, 0, len(cols)+2)
	packets = append(packets, EncodeLenEncInt(uint64(len(cols))))
	for _, name := range cols {
		packets = append(packets, EncodeColumnDef(ColumnDef{Name: name, Type: FieldTypeVarString}))
	}
	packets = append(packets, EOF(0, 0))
	return packets, nil
}

// EncodeRowsBatch scans up to limit rows from an already-open *sql.Rows
// (opened by a cursor COM_STMT_EXECUTE) and returns their packet bodies,
// appending a trailing EOF once rows is exhausted. exhausted tells the
// caller whether to close rows and drop the cursor (spec.md §4.5
// COM_STMT_FETCH).
func EncodeRowsBatch(rows *sql.Rows, cols []string, limit int) (packets [][]byte, exhausted bool, err error) {
	scanDest := make([]any, len(cols))
	scanPtrs := make([]any, len(cols))
	for i := range scanDest {
		scanPtrs[i] = &scanDest[i]
	}

	for n := 0; n < limit; n++ {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, false, fmt.Errorf("mariadb: iterating cursor rows: %w", err)
			}
			packets = append(packets, EOF(0, 0))
			return packets, true, nil
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, false, fmt.Errorf("mariadb: scanning cursor row: %w", err)
		}
		packets = append(packets, EncodeRow(scanDest))
	}
	return packets, false, nil
}
