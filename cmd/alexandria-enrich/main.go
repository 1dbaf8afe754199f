// Command alexandria-enrich runs the book-metadata enrichment engine.
// Grounded on the teacher's root main.go: a kong-parsed cli struct with
// Run()-method subcommands, the same automemlimit init(), the same
// fatal-error logging shape. serve replaces the teacher's read-through
// HTTP proxy with the admin/metrics mux plus the four queue consumers and
// the deferred synthetic-enhancement loop; backfill and quota replace the
// teacher's single domain-specific bust command with the one-shot actions
// this domain actually has.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	charm "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jukasdrj/alexandria-enrich/internal/cache"
	"github.com/jukasdrj/alexandria-enrich/internal/config"
	"github.com/jukasdrj/alexandria-enrich/internal/consume"
	"github.com/jukasdrj/alexandria-enrich/internal/ingress"
	"github.com/jukasdrj/alexandria-enrich/internal/logging"
	"github.com/jukasdrj/alexandria-enrich/internal/loopback"
	"github.com/jukasdrj/alexandria-enrich/internal/merge"
	"github.com/jukasdrj/alexandria-enrich/internal/metrics"
	"github.com/jukasdrj/alexandria-enrich/internal/monthlock"
	"github.com/jukasdrj/alexandria-enrich/internal/objectstore"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/archive"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/genai"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/googlebooks"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/isbndb"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/openlibrary"
	"github.com/jukasdrj/alexandria-enrich/internal/providers/wikidata"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
	"github.com/jukasdrj/alexandria-enrich/internal/quota"
	"github.com/jukasdrj/alexandria-enrich/internal/store"
	"github.com/jukasdrj/alexandria-enrich/internal/store/sqlitejobstore"
	"github.com/jukasdrj/alexandria-enrich/internal/synthetic"
)

type cli struct {
	Serve    serveCmd    `cmd:"" help:"Run the queue consumers and admin HTTP surface."`
	Backfill backfillCmd `cmd:"" help:"Run one (year, month) backfill job synchronously."`
	Quota    quotaCmd    `cmd:"" help:"Print today's ISBNdb quota status."`
}

type serveCmd struct {
	config.PostgresConfig
	config.ProviderConfig
	config.LogConfig

	Port         int           `default:"8788" help:"Port the admin HTTP surface listens on."`
	CoverDir     string        `default:"./alexandria-covers" help:"Local directory backing the cover object store."`
	CoverBaseURL string        `default:"https://covers.local" help:"Base URL prefixed onto stored cover keys."`
	EnhanceEvery time.Duration `default:"5m" help:"How often to run the deferred synthetic-enhancement pass."`
}

type backfillCmd struct {
	config.PostgresConfig
	config.ProviderConfig
	config.LogConfig

	Year          int    `arg:"" help:"Publication year to backfill."`
	Month         int    `arg:"" help:"Publication month to backfill (1-12)."`
	BatchSize     int    `default:"20" help:"Number of candidate books to generate."`
	DryRun        bool   `help:"Generate and resolve candidates but don't enqueue enrichment."`
	PromptVariant string `default:"baseline" help:"Named prompt variant to use for generation."`
}

type quotaCmd struct {
	config.LogConfig
}

func (c *serveCmd) Run() error {
	applyLogLevel(c.LogConfig)
	ctx := context.Background()

	d, cleanup, err := buildDeps(ctx, c.PostgresConfig, c.ProviderConfig)
	if err != nil {
		return fmt.Errorf("building dependencies: %w", err)
	}
	defer cleanup()

	objects, err := objectstore.New(c.CoverDir, c.CoverBaseURL)
	if err != nil {
		return fmt.Errorf("opening cover object store: %w", err)
	}

	cover := &consume.CoverConsumer{
		Registry: d.registry,
		Objects:  objects,
		Editions: d.store,
		Fetch:    fetchBytes,
		Metrics:  d.consumerMetrics,
	}
	writer := merge.NewWriter(d.store, d.store, d.store, d.store, &loopback.CoverEnqueuer{Consumer: cover}, d.mergeMetrics)

	enrichment := &consume.EnrichmentConsumer{
		Registry:   d.registry,
		Quota:      d.quota,
		NegativeKV: d.kv,
		Writer:     writer,
		Linker:     d.store,
		DedupStore: d.store,
		Metrics:    d.consumerMetrics,
	}
	author := &consume.AuthorConsumer{
		Quota:    d.quota,
		Wikidata: d.wikidata,
		Writer:   writer,
		Metrics:  d.consumerMetrics,
	}

	publisher := &loopback.EnrichmentPublisher{Consumer: enrichment}

	enhancer := &synthetic.Enhancer{
		Store:     d.store,
		Registry:  d.registry,
		Publisher: publisher,
		Metrics:   d.orchMetrics,
	}
	go runEnhancementLoop(ctx, enhancer, c.EnhanceEvery)

	mux := ingress.NewMux(d.reg, d.quota, &ingress.Consumers{
		Enrichment: enrichment,
		Cover:      cover,
		Author:     author,
	})
	addr := fmt.Sprintf(":%d", c.Port)
	srv := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}

	slog.Info("listening on " + addr)
	return srv.ListenAndServe()
}

func (c *backfillCmd) Run() error {
	applyLogLevel(c.LogConfig)
	ctx := context.Background()

	d, cleanup, err := buildDeps(ctx, c.PostgresConfig, c.ProviderConfig)
	if err != nil {
		return fmt.Errorf("building dependencies: %w", err)
	}
	defer cleanup()

	writer := merge.NewWriter(d.store, d.store, d.store, d.store, nil, d.mergeMetrics)
	enrichment := &consume.EnrichmentConsumer{
		Registry:   d.registry,
		Quota:      d.quota,
		NegativeKV: d.kv,
		Writer:     writer,
		Linker:     d.store,
		DedupStore: d.store,
	}

	jobs, err := sqlitejobstore.Open(":memory:")
	if err != nil {
		return fmt.Errorf("opening job status store: %w", err)
	}
	defer jobs.Close()

	backfill := &consume.BackfillConsumer{
		Registry:    d.registry,
		Locks:       monthlock.New(d.pool),
		Jobs:        jobs,
		Logs:        d.store,
		Synthetic:   &synthetic.Persister{Writer: writer},
		Publisher:   &loopback.EnrichmentPublisher{Consumer: enrichment},
		OrchMetrics: d.orchMetrics,
	}

	body, err := json.Marshal(queue.BackfillMessage{
		JobID:         uuid.NewString(),
		Year:          c.Year,
		Month:         c.Month,
		BatchSize:     c.BatchSize,
		DryRun:        c.DryRun,
		PromptVariant: c.PromptVariant,
	})
	if err != nil {
		return err
	}

	outcome := backfill.HandleMessage(ctx, body)
	slog.Info("backfill finished", "year", c.Year, "month", c.Month, "outcome", string(outcome))
	return nil
}

func (c *quotaCmd) Run() error {
	applyLogLevel(c.LogConfig)
	ctx := context.Background()

	kv, err := cache.New()
	if err != nil {
		return err
	}
	mgr := quota.New(kv)

	snap, err := mgr.GetQuotaStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("used=%d remaining=%d limit=%d last_reset=%s hours_to_reset=%.1f\n",
		snap.UsedToday, snap.Remaining, snap.Limit, snap.LastReset, snap.HoursToReset)
	return nil
}

func applyLogLevel(c config.LogConfig) {
	if c.Verbose {
		logging.SetLevel(charm.DebugLevel)
	}
}

// fetchBytes is the minimal, domain-independent "GET a URL" helper
// consume.CoverConsumer needs for its Fetch field -- no provider-specific
// behavior lives here, so stdlib net/http is sufficient without reaching
// for any pack library.
func fetchBytes(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	body := make([]byte, 0, 64*1024)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func runEnhancementLoop(ctx context.Context, e *synthetic.Enhancer, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.RunOnce(ctx); err != nil {
				logging.Log(ctx).Warn("synthetic enhancement pass failed", "error", err)
			}
		}
	}
}

type deps struct {
	pool            *pgxpool.Pool
	store           *store.Store
	kv              cache.Cache
	quota           *quota.Manager
	registry        *providers.Registry
	reg             *prometheus.Registry
	wikidata        *wikidata.Client
	consumerMetrics *metrics.Consumer
	orchMetrics     *metrics.Orchestrator
	mergeMetrics    *metrics.Merge
}

func buildDeps(ctx context.Context, pg config.PostgresConfig, pc config.ProviderConfig) (*deps, func(), error) {
	s, err := store.New(ctx, pg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := s.Bootstrap(ctx); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("bootstrapping schema: %w", err)
	}

	kv, err := cache.New()
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	reg := metrics.New()
	metrics.RegisterPool(reg, s.Pool())

	registry := providers.NewRegistry()
	registry.RegisterAll(
		isbndb.New(pc.ISBNdbAPIKey),
		googlebooks.New(pc.GoogleBooksAPIKey),
		openlibrary.New(),
		archive.New(),
	)
	wd := wikidata.New()
	registry.Register(wd)
	if pc.GeminiAPIKey != "" {
		registry.Register(genai.NewGemini(pc.GeminiAPIKey))
	}
	if pc.XAIAPIKey != "" {
		registry.Register(genai.NewXAI(pc.XAIAPIKey))
	}

	d := &deps{
		pool:            s.Pool(),
		store:           s,
		kv:              kv,
		quota:           quota.New(kv),
		registry:        registry,
		reg:             reg,
		wikidata:        wd,
		consumerMetrics: metrics.NewConsumer(reg),
		orchMetrics:     metrics.NewOrchestrator(reg),
		mergeMetrics:    metrics.NewMerge(reg),
	}

	cleanup := func() { s.Close() }
	return d, cleanup, nil
}

func main() {
	kctx := kong.Parse(&cli{})
	err := kctx.Run()
	if err != nil {
		logging.Log(context.Background()).Error("fatal", "err", err)
		os.Exit(1)
	}
}

func init() {
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		panic(err)
	}
}
