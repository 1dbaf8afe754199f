package consume

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/cache"
	"github.com/jukasdrj/alexandria-enrich/internal/merge"
	"github.com/jukasdrj/alexandria-enrich/internal/model"
	"github.com/jukasdrj/alexandria-enrich/internal/providers"
	"github.com/jukasdrj/alexandria-enrich/internal/quota"
	"github.com/jukasdrj/alexandria-enrich/internal/queue"
)

// newTestQuotaManager returns a quota.Manager backed by a fresh in-memory
// cache, i.e. 0% of the daily budget used -- fine for every AuthorConsumer
// test here since none of them exercise the circuit breaker thresholds.
func newTestQuotaManager(t *testing.T, _ float64) *quota.Manager {
	t.Helper()
	return quota.New(newFakeCache())
}

// -- shared fakes, mirroring internal/merge's and internal/dedup's test fakes --

type fakeEditionStore struct{ rows map[string]model.Edition }

func newFakeEditionStore() *fakeEditionStore { return &fakeEditionStore{rows: map[string]model.Edition{}} }

func (f *fakeEditionStore) GetEdition(ctx context.Context, isbn string) (model.Edition, bool, error) {
	e, ok := f.rows[isbn]
	return e, ok, nil
}

func (f *fakeEditionStore) PutEdition(ctx context.Context, e model.Edition) error {
	f.rows[e.ISBN] = e
	return nil
}

type fakeWorkStore struct{ rows map[string]model.Work }

func newFakeWorkStore() *fakeWorkStore { return &fakeWorkStore{rows: map[string]model.Work{}} }

func (f *fakeWorkStore) GetWork(ctx context.Context, key string) (model.Work, bool, error) {
	w, ok := f.rows[key]
	return w, ok, nil
}

func (f *fakeWorkStore) PutWork(ctx context.Context, w model.Work) error {
	f.rows[w.WorkKey] = w
	return nil
}

type fakeAuthorStore struct{ rows map[string]model.Author }

func newFakeAuthorStore() *fakeAuthorStore { return &fakeAuthorStore{rows: map[string]model.Author{}} }

func (f *fakeAuthorStore) GetAuthor(ctx context.Context, key string) (model.Author, bool, error) {
	a, ok := f.rows[key]
	return a, ok, nil
}

func (f *fakeAuthorStore) PutAuthor(ctx context.Context, a model.Author) error {
	f.rows[a.AuthorKey] = a
	return nil
}

type fakeLogger struct{ entries []model.EnrichmentLogEntry }

func (f *fakeLogger) WriteLog(ctx context.Context, entry model.EnrichmentLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeCoverEnqueuer struct{ jobs []merge.CoverJob }

func (f *fakeCoverEnqueuer) EnqueueCover(ctx context.Context, job merge.CoverJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func newTestWriter() *merge.Writer {
	return merge.NewWriter(newFakeEditionStore(), newFakeWorkStore(), newFakeAuthorStore(), &fakeLogger{}, &fakeCoverEnqueuer{}, nil)
}

// fakeDedupStore always mints a fresh key: every ISBN/title/author in
// these tests is a total miss, which is the path HandleBatch exercises.
type fakeDedupStore struct{}

func (fakeDedupStore) FindWorkKeyByISBN(ctx context.Context, isbn string) (string, bool, error) {
	return "", false, nil
}
func (fakeDedupStore) FindWorkKeyByAuthorsTitle(ctx context.Context, authorKeys []string, title string, threshold float64) (string, bool, error) {
	return "", false, nil
}
func (fakeDedupStore) FindWorkKeyByExactTitle(ctx context.Context, title string) (string, bool, error) {
	return "", false, nil
}
func (fakeDedupStore) FindAuthorKeyByName(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}
func (fakeDedupStore) FindAuthorKeyByFuzzyName(ctx context.Context, name string, threshold float64) (string, bool, error) {
	return "", false, nil
}

type fakeLinker struct{ links []model.WorkAuthor }

func (f *fakeLinker) PutWorkAuthor(ctx context.Context, wa model.WorkAuthor) error {
	f.links = append(f.links, wa)
	return nil
}

type fakeCache struct{ vals map[string][]byte }

func newFakeCache() *fakeCache { return &fakeCache{vals: map[string][]byte{}} }

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.vals[key]
	return v, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	c.vals[key] = val
}
func (c *fakeCache) Delete(ctx context.Context, key string) error {
	delete(c.vals, key)
	return nil
}

var _ cache.Cache = (*fakeCache)(nil)

type fakeBatcher struct {
	name  string
	books map[string]model.Edition
}

func (f *fakeBatcher) Name() string { return f.name }
func (f *fakeBatcher) BatchFetchMetadata(ctx context.Context, isbns []string) (map[string]model.Edition, error) {
	out := map[string]model.Edition{}
	for _, isbn := range isbns {
		if e, ok := f.books[isbn]; ok {
			out[isbn] = e
		}
	}
	return out, nil
}

func newTestRegistry(books map[string]model.Edition) *providers.Registry {
	reg := providers.NewRegistry()
	reg.Register(&fakeBatcher{name: "fake", books: books})
	return reg
}

func enrichmentBody(t *testing.T, m queue.EnrichmentMessage) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestHandleBatchAcksWhenEveryISBNWritten(t *testing.T) {
	e := *model.NewEdition("9780441013593")
	e.Title = "Dune"
	e.Authors = []string{"Frank Herbert"}

	reg := newTestRegistry(map[string]model.Edition{"9780441013593": e})
	c := &EnrichmentConsumer{
		Registry:   reg,
		NegativeKV: newFakeCache(),
		Writer:     newTestWriter(),
		Linker:     &fakeLinker{},
		DedupStore: fakeDedupStore{},
	}

	body := enrichmentBody(t, queue.EnrichmentMessage{ISBN: "9780441013593"})
	outcomes := c.HandleBatch(context.Background(), [][]byte{body})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeAck, outcomes[0])
}

func TestHandleBatchMissNegativeCachesAndAcks(t *testing.T) {
	reg := newTestRegistry(map[string]model.Edition{})
	nk := newFakeCache()
	c := &EnrichmentConsumer{
		Registry:   reg,
		NegativeKV: nk,
		Writer:     newTestWriter(),
		Linker:     &fakeLinker{},
		DedupStore: fakeDedupStore{},
	}

	body := enrichmentBody(t, queue.EnrichmentMessage{ISBN: "9999999999994"})
	outcomes := c.HandleBatch(context.Background(), [][]byte{body})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeAck, outcomes[0])
	_, hit, _ := nk.Get(context.Background(), negativeCacheKey("9999999999994"))
	assert.True(t, hit)
}

func TestHandleBatchMultiISBNAcksOnlyWhenAllTerminal(t *testing.T) {
	e1 := *model.NewEdition("1111111111116")
	e1.Title = "Book One"
	reg := newTestRegistry(map[string]model.Edition{"1111111111116": e1}) // second ISBN is a miss -> negative cache, still terminal

	c := &EnrichmentConsumer{
		Registry:   reg,
		NegativeKV: newFakeCache(),
		Writer:     newTestWriter(),
		Linker:     &fakeLinker{},
		DedupStore: fakeDedupStore{},
	}

	body := enrichmentBody(t, queue.EnrichmentMessage{ISBNs: []string{"1111111111116", "2222222222222"}})
	outcomes := c.HandleBatch(context.Background(), [][]byte{body})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeAck, outcomes[0])
}

func TestHandleBatchPoisonsMalformedMessage(t *testing.T) {
	c := &EnrichmentConsumer{
		Registry:   newTestRegistry(nil),
		NegativeKV: newFakeCache(),
		Writer:     newTestWriter(),
		Linker:     &fakeLinker{},
		DedupStore: fakeDedupStore{},
	}

	outcomes := c.HandleBatch(context.Background(), [][]byte{[]byte(`{"source":"x"}`)})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomePoison, outcomes[0])
}

// -- CoverConsumer --

type fakeObjectStore struct {
	exists   map[string]bool
	uploaded map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{exists: map[string]bool{}, uploaded: map[string][]byte{}}
}

func (f *fakeObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	return f.exists[key], nil
}

func (f *fakeObjectStore) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	f.uploaded[key] = body
	return "https://covers.example.com/" + key, nil
}

func TestCoverConsumerSkipsWhenAlreadyStored(t *testing.T) {
	objects := newFakeObjectStore()
	objects.exists["isbn/9780441013593/original"] = true

	c := &CoverConsumer{
		Registry: newTestRegistry(nil),
		Objects:  objects,
		Editions: newFakeEditionStore(),
	}

	body, err := json.Marshal(queue.CoverMessage{ISBN: "9780441013593"})
	require.NoError(t, err)

	outcome := c.HandleMessage(context.Background(), body)
	assert.Equal(t, OutcomeAck, outcome)
}

func TestCoverConsumerFetchesUploadsAndUpdatesEdition(t *testing.T) {
	editions := newFakeEditionStore()
	editions.rows["9780441013593"] = *model.NewEdition("9780441013593")

	objects := newFakeObjectStore()
	c := &CoverConsumer{
		Registry: newTestRegistry(nil),
		Objects:  objects,
		Editions: editions,
		Fetch: func(ctx context.Context, url string) ([]byte, string, error) {
			return []byte("jpeg-bytes"), "image/jpeg", nil
		},
	}

	body, err := json.Marshal(queue.CoverMessage{ISBN: "9780441013593", ProviderURL: "https://provider.example.com/cover.jpg"})
	require.NoError(t, err)

	outcome := c.HandleMessage(context.Background(), body)
	require.Equal(t, OutcomeAck, outcome)

	e, ok, err := editions.GetEdition(context.Background(), "9780441013593")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://covers.example.com/isbn/9780441013593/original", e.CoverOriginal)
}

func TestCoverConsumerRetriesOnFetchFailure(t *testing.T) {
	editions := newFakeEditionStore()
	editions.rows["9780441013593"] = *model.NewEdition("9780441013593")

	c := &CoverConsumer{
		Registry: newTestRegistry(nil),
		Objects:  newFakeObjectStore(),
		Editions: editions,
		Fetch: func(ctx context.Context, url string) ([]byte, string, error) {
			return nil, "", assertErr{}
		},
	}

	body, err := json.Marshal(queue.CoverMessage{ISBN: "9780441013593", ProviderURL: "https://provider.example.com/cover.jpg"})
	require.NoError(t, err)

	outcome := c.HandleMessage(context.Background(), body)
	assert.Equal(t, OutcomeRetry, outcome)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

// -- AuthorConsumer --

type fakeWikidataFetcher struct {
	authors map[string]model.Author
	err     error
}

func (f *fakeWikidataFetcher) FetchAuthors(ctx context.Context, qids []string) (map[string]model.Author, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.authors, nil
}

func authorBody(t *testing.T, m queue.AuthorMessage) []byte {
	t.Helper()
	m.Type = "JIT_ENRICH"
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestAuthorConsumerAcksOnSuccessfulFetch(t *testing.T) {
	quotaMgr := newTestQuotaManager(t, 0.0)
	a := &AuthorConsumer{
		Quota: quotaMgr,
		Wikidata: &fakeWikidataFetcher{authors: map[string]model.Author{
			"Q1": {AuthorKey: "/authors/1", Name: "Ursula K. Le Guin"},
		}},
		Writer: newTestWriter(),
	}

	body := authorBody(t, queue.AuthorMessage{Priority: queue.PriorityNormal, AuthorKey: "/authors/1", WikidataID: "Q1"})
	outcomes := a.HandleBatch(context.Background(), [][]byte{body})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeAck, outcomes[0])
}

func TestAuthorConsumerDedupsRepeatedAuthorWithinBatch(t *testing.T) {
	quotaMgr := newTestQuotaManager(t, 0.0)
	a := &AuthorConsumer{
		Quota: quotaMgr,
		Wikidata: &fakeWikidataFetcher{authors: map[string]model.Author{
			"Q1": {AuthorKey: "/authors/1", Name: "Ursula K. Le Guin"},
		}},
		Writer: newTestWriter(),
	}

	lowBody := authorBody(t, queue.AuthorMessage{Priority: queue.PriorityLow, AuthorKey: "/authors/1", WikidataID: "Q1"})
	highBody := authorBody(t, queue.AuthorMessage{Priority: queue.PriorityHigh, AuthorKey: "/authors/1", WikidataID: "Q1"})

	outcomes := a.HandleBatch(context.Background(), [][]byte{lowBody, highBody})

	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeAck, outcomes[0])
	assert.Equal(t, OutcomeAck, outcomes[1])
}

func TestAuthorConsumerPoisonsUnparsableMessage(t *testing.T) {
	quotaMgr := newTestQuotaManager(t, 0.0)
	a := &AuthorConsumer{Quota: quotaMgr, Wikidata: &fakeWikidataFetcher{authors: map[string]model.Author{}}, Writer: newTestWriter()}

	outcomes := a.HandleBatch(context.Background(), [][]byte{[]byte(`not json`)})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomePoison, outcomes[0])
}

// -- monthCoalescer / buffer --

func TestMonthCoalescerMergesRepeatedPush(t *testing.T) {
	c := newMonthCoalescer()
	key := monthKey{year: 2020, month: 1}

	c.push(key)
	c.push(key)
	c.push(key)

	req, ok := c.pop()
	require.True(t, ok)
	assert.Equal(t, key, req.key)
	assert.Equal(t, 3, req.count)
}

func TestMonthCoalescerPopBlocksThenUnblocksOnClose(t *testing.T) {
	c := newMonthCoalescer()

	done := make(chan bool, 1)
	go func() {
		_, ok := c.pop()
		done <- ok
	}()

	c.close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after close")
	}
}

func TestSlicebufferFIFOOrder(t *testing.T) {
	var buf slicebuffer[int]
	buf.push(1)
	buf.push(2)
	buf.push(3)

	v, ok := buf.peek()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, buf.pop())
	assert.Equal(t, 2, buf.pop())
	assert.Equal(t, 1, buf.len())
}

func TestAccumulateRepublishesAllValues(t *testing.T) {
	producer := make(chan int)
	buf := &slicebuffer[int]{}
	out := accumulate[int](producer, buf)

	go func() {
		producer <- 1
		producer <- 2
		producer <- 3
		close(producer)
	}()

	var got []int
	for v := range out {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}
