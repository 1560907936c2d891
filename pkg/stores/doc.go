// Package stores provides the persistence layer for TeamCloud.
// It includes a SQLite-based store with WAL mode, connection pooling and
// embedded migrations that holds the workflow journal (instances, replay
// steps and the event inbox), project and user documents with optimistic
// revisions, and the callback keys issued to providers.
package stores
