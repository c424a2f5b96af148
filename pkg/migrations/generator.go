package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/getpup/clustercode/bus/sqlbus"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validateIdentifier ensures an identifier contains only safe characters for SQL.
// Returns an error if the identifier contains characters that could be used for SQL injection.
func validateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

// validateConfig validates all configuration values to prevent SQL injection.
func validateConfig(config *Config) error {
	if err := validateIdentifier(config.SchemaName, "SchemaName"); err != nil {
		return err
	}
	if err := validateIdentifier(config.OutboxTable, "OutboxTable"); err != nil {
		return err
	}
	return nil
}

// Config configures migration generation for the bus outbox.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// SchemaName is the database schema name (PostgreSQL) or database name (MySQL)
	// For SQLite, table name prefixes are used instead of schemas (e.g., clustercode_bus_outbox)
	SchemaName string

	// OutboxTable is the name of the outbox table
	OutboxTable string
}

// DefaultConfig returns the default configuration for outbox migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_clustercode_bus.sql", timestamp),
		SchemaName:     "clustercode",
		OutboxTable:    "bus_outbox",
	}
}

// TableName returns the outbox table name as the gateway must be configured for adapter.
func (c Config) TableName(adapter string) string {
	switch adapter {
	case "postgres":
		return c.SchemaName + "." + c.OutboxTable
	case "sqlite", sqlbus.DialectSQLite:
		// SQLite doesn't support schemas, so we use table name prefixes instead
		return c.SchemaName + "_" + c.OutboxTable
	default:
		return c.OutboxTable
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return generate(config, func() (string, error) {
		stmts, err := sqlbus.SchemaStatements(sqlbus.DialectPostgres, config.TableName("postgres"))
		if err != nil {
			return "", err
		}
		return render("PostgreSQL",
			fmt.Sprintf("-- Create schema for clustercode tables\nCREATE SCHEMA IF NOT EXISTS %s;\n", config.SchemaName),
			stmts), nil
	})
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return generate(config, func() (string, error) {
		stmts, err := sqlbus.SchemaStatements(sqlbus.DialectMySQL, config.TableName("mysql"))
		if err != nil {
			return "", err
		}
		return render("MySQL/MariaDB",
			fmt.Sprintf(`-- In MySQL, we use a separate database instead of schema
CREATE DATABASE IF NOT EXISTS %s
    DEFAULT CHARACTER SET utf8mb4
    DEFAULT COLLATE utf8mb4_unicode_ci;

USE %s;
`, config.SchemaName, config.SchemaName),
			stmts), nil
	})
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return generate(config, func() (string, error) {
		stmts, err := sqlbus.SchemaStatements(sqlbus.DialectSQLite, config.TableName("sqlite"))
		if err != nil {
			return "", err
		}
		return render("SQLite", "", stmts), nil
	})
}

func generate(config *Config, build func() (string, error)) error {
	// Validate configuration to prevent SQL injection
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sql, err := build()
	if err != nil {
		return fmt.Errorf("failed to build migration: %w", err)
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

func render(database, preamble string, stmts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Clustercode Message Bus Outbox Migration\n-- Generated: %s\n-- Database: %s\n\n", time.Now().Format(time.RFC3339), database)
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n")
	}
	b.WriteString("-- Outbox rows carry task-added and task-completed events until a consumer acknowledges them\n")
	for _, stmt := range stmts {
		b.WriteString(stmt)
		b.WriteString(";\n\n")
	}
	return b.String()
}
