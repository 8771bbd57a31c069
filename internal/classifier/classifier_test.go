package classifier

import (
	"testing"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

func query(sql string) []byte {
	return append([]byte{byte(mariadb.ComQuery)}, []byte(sql)...)
}

func TestSelectRoutesToSlaveOutsideTransaction(t *testing.T) {
	c := New()
	info := c.UpdateRouteInfo(mariadb.ComQuery, query("SELECT 1"), 1)
	if info.TargetClass != TargetSlave {
		t.Fatalf("target = %v, want slave", info.TargetClass)
	}
	if info.TypeMask&TypeRead == 0 {
		t.Fatalf("expected TypeRead set")
	}
}

func TestWriteAlwaysRoutesToMaster(t *testing.T) {
	c := New()
	info := c.UpdateRouteInfo(mariadb.ComQuery, query("INSERT INTO t VALUES (1)"), 1)
	if info.TargetClass != TargetMaster {
		t.Fatalf("target = %v, want master", info.TargetClass)
	}
}

func TestTransactionStickyToLastUsed(t *testing.T) {
	c := New()
	begin := c.UpdateRouteInfo(mariadb.ComQuery, query("BEGIN"), 1)
	if begin.TargetClass != TargetMaster {
		t.Fatalf("BEGIN target = %v, want master", begin.TargetClass)
	}
	read := c.UpdateRouteInfo(mariadb.ComQuery, query("SELECT * FROM t"), 1)
	if read.TargetClass != TargetLastUsed {
		t.Fatalf("in-trx read target = %v, want last_used", read.TargetClass)
	}
}

func TestTempTableForcesMaster(t *testing.T) {
	c := New()
	c.UpdateRouteInfo(mariadb.ComQuery, query("CREATE TEMPORARY TABLE scratch (id INT)"), 1)
	info := c.UpdateRouteInfo(mariadb.ComQuery, query("SELECT * FROM scratch"), 1)
	if info.TargetClass != TargetMaster {
		t.Fatalf("temp table read target = %v, want master", info.TargetClass)
	}
}

func TestBeginningIsNotBegin(t *testing.T) {
	c := New()
	info := c.UpdateRouteInfo(mariadb.ComQuery, query("SELECT * FROM beginnings"), 1)
	if info.TypeMask&TypeBeginTrx != 0 {
		t.Fatalf("'SELECT * FROM beginnings' misclassified as BEGIN")
	}
	if info.TargetClass != TargetSlave {
		t.Fatalf("target = %v, want slave", info.TargetClass)
	}
}

func TestRevertUpdateRestoresTempTableSet(t *testing.T) {
	c := New()
	c.UpdateRouteInfo(mariadb.ComQuery, query("CREATE TEMPORARY TABLE scratch (id INT)"), 1)
	c.RevertUpdate() // pretend routing this CREATE failed
	info := c.UpdateRouteInfo(mariadb.ComQuery, query("SELECT * FROM scratch"), 1)
	if info.TargetClass != TargetSlave {
		t.Fatalf("after revert, scratch should not be tracked as temp table; target = %v", info.TargetClass)
	}
}

func TestPreparedStatementLifecycle(t *testing.T) {
	m := NewPreparedStatementMap()
	ps := m.Prepare("SELECT * FROM t WHERE id = ?", 1)
	m.Bind(7, ps)

	if got := m.Lookup(7); got == nil || got.SQL != ps.SQL {
		t.Fatalf("lookup after bind failed")
	}
	m.Reset(7)
	if m.Lookup(7).ParamTypes != nil {
		t.Fatalf("reset should clear cached param types")
	}
	m.Close(7)
	if m.Lookup(7) != nil {
		t.Fatalf("lookup after close should be nil")
	}
}

func TestDecodeParamsRoundTripsIntegers(t *testing.T) {
	payload := []byte{0x2a, 0x00, 0x00, 0x00} // int32 42, little-endian
	types := []ParamType{{Type: FieldTypeLong}}
	vals, n := DecodeParams(payload, types)
	if n != 4 {
		t.Fatalf("consumed %d bytes, want 4", n)
	}
	if vals[0].Value.(int32) != 42 {
		t.Fatalf("decoded %v, want 42", vals[0].Value)
	}
}

func TestDecodeTemporalZeroSentinel(t *testing.T) {
	payload := []byte{0x00}
	v, n := decodeOne(payload, ParamType{Type: FieldTypeDateTime})
	if n != 1 {
		t.Fatalf("consumed %d bytes, want 1", n)
	}
	if v.Value != "0000-00-00 00:00:00" {
		t.Fatalf("value = %v, want zero sentinel", v.Value)
	}
}

func TestNullBitmapReportsCorrectBits(t *testing.T) {
	isNull, size := NullBitmap([]byte{0b00000101}, 3)
	if size != 1 {
		t.Fatalf("size = %d, want 1", size)
	}
	if !isNull(0) || isNull(1) || !isNull(2) {
		t.Fatalf("bitmap decode mismatch")
	}
}
