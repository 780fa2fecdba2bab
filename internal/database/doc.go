// Package database provides the PostgreSQL connection pool used by the
// diagnostics archive.
package database
