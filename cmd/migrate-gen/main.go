// Command migrate-gen generates SQL migration files for the clustercode message bus outbox.
//
// Usage:
//
//	go run github.com/getpup/clustercode/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/clustercode/cmd/migrate-gen -output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/clustercode/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/getpup/clustercode/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/getpup/clustercode/cmd/migrate-gen -adapter sqlite -output migrations
//
// The table name to configure on the node (CC_BUS_TABLE) is printed after generation.
//
// With -dsn the schema is also applied to the database:
//
//	go run github.com/getpup/clustercode/cmd/migrate-gen -adapter postgres -dsn "$DATABASE_URL"
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getpup/clustercode/bus/sqlbus"
	"github.com/getpup/clustercode/pkg/clustercode"
	"github.com/getpup/clustercode/pkg/migrations"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// drivers maps adapters to database/sql driver names.
var drivers = map[string]string{
	"postgres": sqlbus.DialectPostgres,
	"mysql":    sqlbus.DialectMySQL,
	"sqlite":   sqlbus.DialectSQLite,
}

func main() {
	var (
		adapter        = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder   = flag.String("output", "migrations", "Output folder for migration file")
		outputFilename = flag.String("filename", "", "Output filename (default: timestamp-based)")
		schemaName     = flag.String("schema", "clustercode", "Schema name (PostgreSQL), database name (MySQL) or table prefix (SQLite)")
		outboxTable    = flag.String("outbox-table", "bus_outbox", "Name of the bus outbox table")
		dsn            = flag.String("dsn", "", "Apply the schema to this database as well")
	)

	flag.Parse()

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.SchemaName = *schemaName
	config.OutboxTable = *outboxTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	var err error
	switch *adapter {
	case "postgres":
		err = migrations.GeneratePostgres(&config)
	case "mysql":
		err = migrations.GenerateMySQL(&config)
	case "sqlite":
		err = migrations.GenerateSQLite(&config)
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported adapter '%s'. Supported adapters are: postgres, mysql, sqlite\n", *adapter)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s (table %s)\n", *adapter, config.OutputFolder, config.OutputFilename, config.TableName(*adapter))

	if *dsn != "" {
		if err := apply(drivers[*adapter], *dsn, config.TableName(*adapter)); err != nil {
			fmt.Fprintf(os.Stderr, "Error applying migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Applied %s migration to the database\n", *adapter)
	}
}

func apply(driver, dsn, table string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if schema, _, ok := strings.Cut(table, "."); ok && driver == sqlbus.DialectPostgres {
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return clustercode.RunMigrations(ctx, db, driver, table)
}
