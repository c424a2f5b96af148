// Package migrations generates SQL migration files for the message bus outbox
// used by clustercode nodes, for PostgreSQL, MySQL/MariaDB and SQLite databases.
package migrations
