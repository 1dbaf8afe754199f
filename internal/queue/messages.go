// Package queue defines the wire shapes of the four ingress queues
// (spec.md §6): enrichment, cover, author, and backfill. Each message
// type is validated at the edge by its Validate method; malformed
// bodies become *apperr.Poison, ACKed without retry.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/jukasdrj/alexandria-enrich/internal/apperr"
	"github.com/jukasdrj/alexandria-enrich/internal/isbn"
)

// Priority is shared across the queue bodies that carry one.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// EnrichmentMessage is the enrichment-queue body. At least one of ISBN or
// ISBNs must be set; both absent is a Poison message. When both are set,
// ISBN is used and ISBNs is ignored (see ISBNList).
type EnrichmentMessage struct {
	ISBN     string   `json:"isbn,omitempty"`
	ISBNs    []string `json:"isbns,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	Source   string   `json:"source,omitempty"`
	JobID    string   `json:"job_id,omitempty"`
}

// ISBNList returns the message's ISBNs as a single slice, regardless of
// whether it arrived in the singular or plural field.
func (m EnrichmentMessage) ISBNList() []string {
	if m.ISBN != "" {
		return []string{m.ISBN}
	}
	return m.ISBNs
}

// ParseEnrichmentMessage decodes and validates an enrichment-queue body.
func ParseEnrichmentMessage(body []byte) (EnrichmentMessage, error) {
	var m EnrichmentMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return EnrichmentMessage{}, &apperr.Poison{Reason: "invalid json: " + err.Error()}
	}
	if m.ISBN == "" && len(m.ISBNs) == 0 {
		return EnrichmentMessage{}, &apperr.Poison{Reason: "missing both isbn and isbns"}
	}
	for _, raw := range m.ISBNList() {
		if _, ok := isbn.Normalize(raw); !ok {
			return EnrichmentMessage{}, &apperr.Poison{Reason: fmt.Sprintf("invalid isbn %q", raw)}
		}
	}
	return m, nil
}

// CoverMessage is the cover-queue body.
type CoverMessage struct {
	ISBN        string   `json:"isbn"`
	WorkKey     string   `json:"work_key,omitempty"`
	ProviderURL string   `json:"provider_url,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Source      string   `json:"source,omitempty"`
	QueuedAt    string   `json:"queued_at,omitempty"`
}

// ParseCoverMessage decodes and validates a cover-queue body.
func ParseCoverMessage(body []byte) (CoverMessage, error) {
	var m CoverMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return CoverMessage{}, &apperr.Poison{Reason: "invalid json: " + err.Error()}
	}
	if m.ISBN == "" {
		return CoverMessage{}, &apperr.Poison{Reason: "missing isbn"}
	}
	if _, ok := isbn.Normalize(m.ISBN); !ok {
		return CoverMessage{}, &apperr.Poison{Reason: fmt.Sprintf("invalid isbn %q", m.ISBN)}
	}
	return m, nil
}

// AuthorTrigger enumerates what caused a JIT author-enrichment request.
type AuthorTrigger string

const (
	AuthorTriggerView   AuthorTrigger = "view"
	AuthorTriggerSearch AuthorTrigger = "search"
	AuthorTriggerManual AuthorTrigger = "manual"
)

// AuthorMessage is the author-queue body: a just-in-time Wikidata
// enrichment request (spec.md §4.3.3).
type AuthorMessage struct {
	Type        string        `json:"type"`
	Priority    Priority      `json:"priority"`
	AuthorKey   string        `json:"author_key"`
	WikidataID  string        `json:"wikidata_id"`
	TriggeredBy AuthorTrigger `json:"triggered_by"`
}

// ParseAuthorMessage decodes and validates an author-queue body.
func ParseAuthorMessage(body []byte) (AuthorMessage, error) {
	var m AuthorMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return AuthorMessage{}, &apperr.Poison{Reason: "invalid json: " + err.Error()}
	}
	if m.Type != "JIT_ENRICH" {
		return AuthorMessage{}, &apperr.Poison{Reason: "unsupported type: " + m.Type}
	}
	if m.AuthorKey == "" || m.WikidataID == "" {
		return AuthorMessage{}, &apperr.Poison{Reason: "missing author_key or wikidata_id"}
	}
	return m, nil
}

// BackfillMessage is the backfill-queue body.
type BackfillMessage struct {
	JobID         string `json:"job_id"`
	Year          int    `json:"year"`
	Month         int    `json:"month"`
	BatchSize     int    `json:"batch_size"`
	DryRun        bool   `json:"dry_run,omitempty"`
	ExperimentID  string `json:"experiment_id,omitempty"`
	PromptVariant string `json:"prompt_variant,omitempty"`
	ModelOverride string `json:"model_override,omitempty"`
	MaxQuota      int    `json:"max_quota,omitempty"`
}

// ParseBackfillMessage decodes and validates a backfill-queue body.
func ParseBackfillMessage(body []byte) (BackfillMessage, error) {
	var m BackfillMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return BackfillMessage{}, &apperr.Poison{Reason: "invalid json: " + err.Error()}
	}
	if m.JobID == "" {
		return BackfillMessage{}, &apperr.Poison{Reason: "missing job_id"}
	}
	if m.Year < 1000 || m.Year > 9999 {
		return BackfillMessage{}, &apperr.Poison{Reason: fmt.Sprintf("year out of range: %d", m.Year)}
	}
	if m.Month < 1 || m.Month > 12 {
		return BackfillMessage{}, &apperr.Poison{Reason: fmt.Sprintf("month out of range: %d", m.Month)}
	}
	if m.BatchSize <= 0 {
		m.BatchSize = 20
	}
	if m.PromptVariant == "" {
		m.PromptVariant = "baseline"
	}
	return m, nil
}
