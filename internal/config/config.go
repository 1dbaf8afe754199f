// Package config defines the kong-parsed flag/env structs shared by the
// enrichment engine's CLI subcommands, grounded directly on the teacher's
// root main.go (pgconfig, logconfig) and generalized with the option
// groups this repo's domain needs: K/V sizing, provider API keys/feature
// flags, and related-ISBNs merge precedence.
package config

import "fmt"

// PostgresConfig is the teacher's pgconfig, unchanged: connection details
// for the editions/works/authors/logs store.
type PostgresConfig struct {
	PostgresHost     string `default:"localhost" help:"Postgres host."`
	PostgresUser     string `default:"postgres" help:"Postgres user."`
	PostgresPassword string `default:"" help:"Postgres password."`
	PostgresPort     int    `default:"5432" help:"Postgres port."`
	PostgresDatabase string `default:"alexandria" help:"Postgres database to use."`
}

// DSN returns the database's connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDatabase)
}

// KVConfig sizes the process-local K/V cache backing the quota manager,
// the negative-ISBN cache, and job status.
type KVConfig struct {
	KVMaxCostMB int `default:"128" help:"Max K/V cache cost, in MB."`
}

// RelatedISBNsPrecedence names which side wins when merging edition
// variants into related_isbns. The value is parsed from the environment,
// but no merge code reads it: existing keys always win.
type RelatedISBNsPrecedence string

const (
	RelatedISBNsExistingWins  RelatedISBNsPrecedence = "existing"
	RelatedISBNsIncomingWins RelatedISBNsPrecedence = "incoming"
)

// ProviderConfig carries every provider's API key and feature flag.
type ProviderConfig struct {
	ISBNdbAPIKey      string `env:"ISBNDB_API_KEY" help:"ISBNdb API key."`
	GoogleBooksAPIKey string `env:"GOOGLE_BOOKS_API_KEY" default:"" help:"Google Books API key (optional)."`
	GeminiAPIKey      string `env:"GEMINI_API_KEY" help:"Gemini API key for backfill generation."`
	XAIAPIKey         string `env:"XAI_API_KEY" help:"xAI API key for backfill generation."`

	EnableGoogleBooksEnrichment bool `env:"ENABLE_GOOGLE_BOOKS_ENRICHMENT" help:"Enable Google Books supplementary enrichment."`

	RelatedISBNsPrecedence RelatedISBNsPrecedence `env:"RELATED_ISBNS_PRECEDENCE" default:"existing" help:"Which side wins when merging edition variants into related_isbns: existing or incoming."`
}

// LogConfig is the teacher's logconfig, unchanged.
type LogConfig struct {
	Verbose bool `help:"increase log verbosity"`
}

// QuotaConfig sizes the daily ISBNdb budget (spec.md §4.1).
type QuotaConfig struct {
	ISBNdbDailyLimit int `default:"15000" help:"ISBNdb daily call budget."`
	ISBNdbSafetyBuffer int `default:"2000" help:"Reserved headroom subtracted from the daily budget."`
}
