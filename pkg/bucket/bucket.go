// Package bucket defines the backend server model and its static
// configuration shape. A Bucket is one backend MariaDB/MySQL server this
// proxy can route requests to; its replication Role is asserted at
// runtime by the monitor subsystem, not configured here.
package bucket

import (
	"strconv"
	"time"
)

// Role is the replication role the monitor subsystem asserts for a server
// (spec.md §4.8). Configuration only supplies the server's address; role
// flags are runtime facts published over SharedData.
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster
	RoleSlave
	RoleRelay
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	case RoleRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Bucket represents one backend MariaDB/MySQL server this proxy can pool
// connections to and route requests against.
type Bucket struct {
	ID                string        `yaml:"id"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Database          string        `yaml:"database"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxConnections    int           `yaml:"max_connections"`
	MinIdle           int           `yaml:"min_idle"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`

	// ServerGroup ties servers in the same replication group together
	// for the monitor's "at most one master per group" invariant
	// (spec.md §4.8).
	ServerGroup string `yaml:"server_group"`
}

// DSN returns the go-sql-driver/mysql connection string for this bucket.
func (b *Bucket) DSN() string {
	return b.Username + ":" + b.Password +
		"@tcp(" + b.Host + ":" + strconv.Itoa(b.Port) + ")/" + b.Database +
		"?timeout=" + b.ConnectionTimeout.String() + "&parseTime=true"
}

// Addr returns the host:port address of the backend server.
func (b *Bucket) Addr() string {
	return b.Host + ":" + strconv.Itoa(b.Port)
}
