// Package loopback stands in for the message-broker transport spec.md §6
// describes but no retrieved example repo carries a client for (no AMQP,
// SQS, NATS, or similar library appears anywhere in the pack's go.mod
// files). Rather than fabricate one, EnrichmentPublisher here re-enters
// the enrichment consumer in-process -- the same shape as the teacher's
// Controller.denormalize path feeding its own edge channel rather than
// going out over the wire. A deployment that wires in a real broker
// client replaces this package; internal/consume's interfaces don't change.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jukasdrj/alexandria-enrich/internal/consume"
	"github.com/jukasdrj/alexandria-enrich/internal/merge"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
)

// EnrichmentPublisher re-enters EnrichmentConsumer.HandleBatch directly,
// satisfying both consume.EnrichmentPublisher and synthetic.EnrichmentPublisher.
type EnrichmentPublisher struct {
	Consumer *consume.EnrichmentConsumer
}

// PublishEnrichment implements consume.EnrichmentPublisher.
func (p *EnrichmentPublisher) PublishEnrichment(ctx context.Context, msg queue.EnrichmentMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding loopback enrichment message: %w", err)
	}
	outcomes := p.Consumer.HandleBatch(ctx, [][]byte{body})
	if len(outcomes) == 1 && outcomes[0] == consume.OutcomeRetry {
		return fmt.Errorf("loopback enrichment dispatch: consumer requested retry")
	}
	return nil
}

// CoverEnqueuer re-enters CoverConsumer.HandleMessage directly, satisfying
// merge.CoverEnqueuer the same way EnrichmentPublisher stands in for the
// enrichment queue.
type CoverEnqueuer struct {
	Consumer *consume.CoverConsumer
}

// EnqueueCover implements merge.CoverEnqueuer.
func (p *CoverEnqueuer) EnqueueCover(ctx context.Context, job merge.CoverJob) error {
	body, err := json.Marshal(queue.CoverMessage{ISBN: job.ISBN, ProviderURL: job.URL, Priority: job.Priority})
	if err != nil {
		return fmt.Errorf("encoding loopback cover message: %w", err)
	}
	if outcome := p.Consumer.HandleMessage(ctx, body); outcome == consume.OutcomeRetry {
		return fmt.Errorf("loopback cover dispatch: consumer requested retry")
	}
	return nil
}
