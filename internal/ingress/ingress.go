// Package ingress is the thin HTTP admin surface spec.md places out of
// scope as "consumed only": health checks, Prometheus scraping, and a
// read-only quota snapshot. It carries the teacher's mux/middleware
// shape (github.com/go-chi/chi/v5 + middleware.RequestID/Recoverer/
// RedirectSlashes, github.com/go-chi/stampede request coalescing) but
// drops the Goodreads-shaped resource routes (/work/{id}, /book/{id},
// /author/{id}) entirely -- this engine has no read-through surface to
// serve, only queue consumers and this admin mux.
package ingress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jukasdrj/alexandria-enrich/internal/consume"
	"github.com/jukasdrj/alexandria-enrich/internal/metrics"
	"github.com/jukasdrj/alexandria-enrich/internal/quota"
)

// QuotaReporter is the read-only surface the /quota endpoint needs.
type QuotaReporter interface {
	GetQuotaStatus(ctx context.Context) (quota.Snapshot, error)
}

// Consumers is the set of message handlers dispatch/* delivers a raw body
// to. The teacher's engine has no queue transport at all -- it is HTTP
// request/response end to end -- so in that same spirit, absent any
// broker client in the retrieved pack, this admin mux doubles as the
// delivery mechanism: an operator or sidecar POSTs one message body per
// request and gets back the ack/retry/poison outcome spec.md §4.3 defines,
// instead of a broker client polling a subscription.
type Consumers struct {
	Enrichment *consume.EnrichmentConsumer
	Cover      *consume.CoverConsumer
	Author     *consume.AuthorConsumer
}

// NewMux builds the admin handler: /healthz, /metrics, /quota, and (when
// consumers is non-nil) /dispatch/{enrichment,cover,author}. Registered
// metrics middleware mirrors the teacher's instrument() wrapper.
func NewMux(reg *prometheus.Registry, q QuotaReporter, consumers *Consumers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RedirectSlashes)
	r.Use(stampede.Handler(1024, 0))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", gzhttp.GzipHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	r.Get("/quota", func(w http.ResponseWriter, r *http.Request) {
		snap, err := q.GetQuotaStatus(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	if consumers != nil {
		r.Route("/dispatch", func(r chi.Router) {
			if consumers.Enrichment != nil {
				r.Post("/enrichment", dispatchBatch(func(ctx context.Context, body []byte) consume.Outcome {
					outcomes := consumers.Enrichment.HandleBatch(ctx, [][]byte{body})
					return outcomes[0]
				}))
			}
			if consumers.Cover != nil {
				r.Post("/cover", dispatchBatch(consumers.Cover.HandleMessage))
			}
			if consumers.Author != nil {
				r.Post("/author", dispatchBatch(func(ctx context.Context, body []byte) consume.Outcome {
					outcomes := consumers.Author.HandleBatch(ctx, [][]byte{body})
					return outcomes[0]
				}))
			}
		})
	}

	return metrics.HTTPMiddleware(reg, r)
}

// dispatchBatch adapts a single-message handler into an HTTP endpoint:
// the body is the message, the response is the outcome as plain text.
func dispatchBatch(handle func(ctx context.Context, body []byte) consume.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
			return
		}
		outcome := handle(r.Context(), body)

		status := http.StatusOK
		if outcome == consume.OutcomePoison {
			status = http.StatusUnprocessableEntity
		}
		if outcome == consume.OutcomeRetry {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(outcome))
	}
}
