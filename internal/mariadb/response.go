package mariadb

import "encoding/binary"

// Status flags (subset), MariaDB/MySQL protocol "Server Status Flags".
const (
	ServerStatusInTrans      uint16 = 0x0001
	ServerStatusAutocommit   uint16 = 0x0002
	ServerMoreResultsExist   uint16 = 0x0008
)

// OK builds an OK packet body (header byte 0x00).
func OK(affectedRows, lastInsertID uint64, status uint16, warnings uint16) []byte {
	buf := []byte{0x00}
	buf = append(buf, EncodeLenEncInt(affectedRows)...)
	buf = append(buf, EncodeLenEncInt(lastInsertID)...)
	s := make([]byte, 2)
	binary.LittleEndian.PutUint16(s, status)
	buf = append(buf, s...)
	w := make([]byte, 2)
	binary.LittleEndian.PutUint16(w, warnings)
	buf = append(buf, w...)
	return buf
}

// EOF builds an EOF packet body (header byte 0xFE), used when the
// CLIENT_DEPRECATE_EOF capability is not negotiated.
func EOF(warnings uint16, status uint16) []byte {
	buf := []byte{0xFE}
	w := make([]byte, 2)
	binary.LittleEndian.PutUint16(w, warnings)
	buf = append(buf, w...)
	s := make([]byte, 2)
	binary.LittleEndian.PutUint16(s, status)
	buf = append(buf, s...)
	return buf
}

// Err builds an ERR packet body (header byte 0xFF | code | '#' | sqlstate(5)
// | message), the response-shape equivalent of the teacher's TDS ERROR
// token builder (internal/tds/error.go), adapted to the MariaDB wire
// format: no length-prefixed token stream, just a single flat packet.
func Err(code uint16, sqlState string, message string) []byte {
	if len(sqlState) != 5 {
		sqlState = "HY000"
	}
	buf := []byte{0xFF}
	c := make([]byte, 2)
	binary.LittleEndian.PutUint16(c, code)
	buf = append(buf, c...)
	buf = append(buf, '#')
	buf = append(buf, sqlState...)
	buf = append(buf, message...)
	return buf
}

// Proxy-synthesized error codes and the packets the session sends for each
// (spec.md §7 error kinds: Protocol/Auth/Transport/Resource/Consistency).
// Numbers below 2000 collide with real server error codes on purpose so
// client drivers treat them the same way they'd treat a real server error.
const (
	ErrAccessDenied   uint16 = 1045
	ErrBadDB          uint16 = 1049
	ErrNoSuchTable    uint16 = 1146
	ErrUnknownCom     uint16 = 1047
	ErrServerGone     uint16 = 2006
	ErrConnectionLost uint16 = 2013
	ErrTooManyConns   uint16 = 1040
)

// ErrPoolExhausted builds the packet sent when a bucket's connection pool
// is at capacity and the queue timed out.
func ErrPoolExhausted(bucketID string) []byte {
	return Err(ErrTooManyConns, "08004",
		"Connection pool exhausted for bucket '"+bucketID+"'. All connections are in use and the queue timed out.")
}

// ErrRoutingFailed builds the packet sent when no backend could be
// resolved for the request.
func ErrRoutingFailed(database string) []byte {
	return Err(ErrBadDB, "42000",
		"No bucket configured for database '"+database+"'. Check proxy routing configuration.")
}

// ErrBackendUnavailable builds the packet sent when the chosen backend is
// unreachable.
func ErrBackendUnavailable(bucketID string) []byte {
	return Err(ErrServerGone, "08S01",
		"Backend server for bucket '"+bucketID+"' is unavailable.")
}

// ErrInternal builds a generic internal-error packet.
func ErrInternal(message string) []byte {
	return Err(ErrConnectionLost, "HY000", "Internal proxy error: "+message)
}

// ErrQueueTimeout builds the packet sent when a request waited for a
// connection slot until the configured queue timeout elapsed.
func ErrQueueTimeout(bucketID string) []byte {
	return Err(ErrTooManyConns, "08004",
		"Connection queue timed out for bucket '"+bucketID+"'. Try again later.")
}

// ErrQueueFull builds the packet sent when the distributed queue's circuit
// breaker rejects a request outright (depth already at configured max).
func ErrQueueFull(bucketID string) []byte {
	return Err(ErrTooManyConns, "08004",
		"Connection queue is full for bucket '"+bucketID+"'. Too many requests are already waiting.")
}

// ErrChecksumMismatch builds the packet sent when the optimistic read-only
// transaction filter detects a replay/primary checksum mismatch and must
// kill the session (spec.md §4.6, §7 Consistency).
func ErrChecksumMismatch() []byte {
	return Err(1213, "40001", "Optimistic transaction replay diverged from the shadow read; retry the transaction.")
}
