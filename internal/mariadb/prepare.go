package mariadb

import "encoding/binary"

// StmtPrepareOK builds the COM_STMT_PREPARE_OK response body (header byte
// 0x00, but a distinct shape from a normal OK packet): statement id, column
// count, parameter count, a reserved filler byte, and warning count. The
// proxy always reports zero columns since it only learns the result shape
// once the statement actually executes; callers needing the real column
// defs rely on COM_STMT_EXECUTE's own resultset header instead.
func StmtPrepareOK(stmtID uint32, numParams uint16, numColumns uint16) []byte {
	buf := make([]byte, 0, 12)
	buf = append(buf, 0x00)
	id := make([]byte, 4)
	binary.LittleEndian.PutUint32(id, stmtID)
	buf = append(buf, id...)
	cols := make([]byte, 2)
	binary.LittleEndian.PutUint16(cols, numColumns)
	buf = append(buf, cols...)
	params := make([]byte, 2)
	binary.LittleEndian.PutUint16(params, numParams)
	buf = append(buf, params...)
	buf = append(buf, 0x00) // reserved
	warnings := make([]byte, 2)
	binary.LittleEndian.PutUint16(warnings, 0)
	buf = append(buf, warnings...)
	return buf
}

// InfileRequest builds the packet a server sends to ask the client to
// stream a LOCAL INFILE's contents (header byte 0xFB followed by the raw
// filename, not length-encoded — it runs to the end of the packet).
func InfileRequest(filename string) []byte {
	buf := make([]byte, 0, len(filename)+1)
	buf = append(buf, 0xFB)
	buf = append(buf, filename...)
	return buf
}
