package proc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podpub/internal/app/podpub/feed"
	"podpub/internal/app/podpub/podcast"
)

const testBaseURL = "https://cdn.example.com"

func testShow(id string) *podcast.Show {
	return &podcast.Show{
		ID:          id,
		UserID:      "testUser",
		Title:       "Show " + id,
		Description: "Daily notes of " + id,
		Author:      "Test Author",
		Email:       "author@example.com",
		Link:        "https://example.com/" + id,
		Language:    "en",
		Image:       "https://example.com/" + id + ".png",
		Category:    "Technology",
	}
}

// fault decides the outcome of the n-th put to path. land stores the data even when err is set.
type fault func(path string, n int) (land bool, err error)

// memStorage keeps objects in memory and injects faults into puts
type memStorage struct {
	mu         sync.Mutex
	objects    map[string][]byte
	puts       map[string]int
	fault      fault
	staleReads int // number of feed reads answered as if the put is not visible yet
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, puts: map[string]int{}}
}

func (m *memStorage) Put(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[path]++
	land, err := true, error(nil)
	if m.fault != nil {
		land, err = m.fault(path, m.puts[path])
	}
	if land {
		m.objects[path] = append([]byte(nil), data...)
	}
	return err
}

func (m *memStorage) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.HasSuffix(path, ".xml") && m.staleReads > 0 {
		m.staleReads--
		return nil, &podcast.NotFoundError{Kind: "object", Key: path}
	}
	data, ok := m.objects[path]
	if !ok {
		return nil, &podcast.NotFoundError{Kind: "object", Key: path}
	}
	return append([]byte(nil), data...), nil
}

func (m *memStorage) URL(path string) string {
	return testBaseURL + "/" + path
}

func (m *memStorage) object(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, ok
}

func (m *memStorage) putCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[path]
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// steppingClock returns start, start+step, start+2*step, ...
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}

func prepProcessor(t *testing.T, shows ...string) (*Processor, *memStorage, Catalog) {
	t.Helper()
	return prepProcessorWith(t, testCatalogDriver, shows...)
}

func prepProcessorWith(t *testing.T, driver string, shows ...string) (*Processor, *memStorage, Catalog) {
	t.Helper()
	db := testCatalog(t, driver)
	store := newMemStorage()
	p := &Processor{
		Catalog:    db,
		Storage:    store,
		Ingestor:   &Ingestor{Catalog: db, Storage: store, Now: fixedClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))},
		Locks:      &ShowLocks{},
		Files:      &Files{},
		AudioRetry: RetryPolicy{Attempts: 3},
		FeedRetry:  RetryPolicy{Attempts: 3},
	}
	for _, id := range shows {
		require.NoError(t, p.RegisterShow(testShow(id)))
	}
	return p, store, db
}

func liveDoc(t *testing.T, store *memStorage, showID string) *feed.Document {
	t.Helper()
	data, ok := store.object(testShow(showID).FeedPath())
	require.True(t, ok, "feed of %s is missing", showID)
	doc, err := feed.Parse(data)
	require.NoError(t, err)
	return doc
}

func update(title string) podcast.Metadata {
	return podcast.Metadata{Title: title, MimeType: "audio/wav", DurationSeconds: 5}
}

func TestPublish(t *testing.T) {
	p, store, db := prepProcessor(t, "p1")
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	audio := []byte("0123456789abcdefg")

	ep, err := p.Publish(context.Background(), "p1", audio, update("Update"))
	require.NoError(t, err)
	assert.Equal(t, "20260501-100000", ep.ID)
	assert.Equal(t, podcast.Published, ep.Status)
	assert.Equal(t, "audio/testUser/p1/20260501-100000.wav", ep.AudioPath)
	assert.Equal(t, int64(17), ep.ByteLength)

	stored, ok := store.object(ep.AudioPath)
	require.True(t, ok)
	assert.Equal(t, audio, stored)

	doc := liveDoc(t, store, "p1")
	require.Len(t, doc.Items, 1)
	item := doc.Items[0]
	assert.Equal(t, ep.GUID, item.GUID)
	assert.Equal(t, "Update", item.Title)
	assert.Equal(t, testBaseURL+"/audio/testUser/p1/20260501-100000.wav", item.EnclosureURL)
	assert.Equal(t, "audio/wav", item.EnclosureType)
	assert.Equal(t, int64(17), item.Length)
	assert.True(t, at.Equal(item.PublishedAt))
	assert.Equal(t, testBaseURL+"/rss/testUser/p1/p1.xml", doc.SelfURL)

	show, err := db.GetShow("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), show.Version)

	episodes, err := p.Episodes("p1")
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, ep.GUID, episodes[0].GUID)
}

func TestPublishOrder(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")
	p.Ingestor.Now = steppingClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), time.Minute)

	first, err := p.Publish(context.Background(), "p1", []byte("first"), update("first"))
	require.NoError(t, err)
	second, err := p.Publish(context.Background(), "p1", []byte("second"), update("second"))
	require.NoError(t, err)

	doc := liveDoc(t, store, "p1")
	require.Len(t, doc.Items, 2)
	assert.Equal(t, second.GUID, doc.Items[0].GUID)
	assert.Equal(t, first.GUID, doc.Items[1].GUID)

	episodes, err := p.Episodes("p1")
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, second.ID, episodes[0].ID)
}

func TestPublishSameSecond(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")

	first, err := p.Publish(context.Background(), "p1", []byte("first"), update("first"))
	require.NoError(t, err)
	second, err := p.Publish(context.Background(), "p1", []byte("second"), update("second"))
	require.NoError(t, err)
	assert.Equal(t, "20260501-100000", first.ID)
	assert.Equal(t, "20260501-100000-2", second.ID)
	assert.NotEqual(t, first.GUID, second.GUID)

	// equal instants list the later ingested episode first
	doc := liveDoc(t, store, "p1")
	require.Len(t, doc.Items, 2)
	assert.Equal(t, second.GUID, doc.Items[0].GUID)
}

func TestPublishAudioFailure(t *testing.T) {
	p, store, db := prepProcessor(t, "p1")
	store.fault = func(path string, _ int) (bool, error) {
		if strings.HasPrefix(path, "audio/") {
			return false, &podcast.StorageError{Op: "put", Path: path, Err: errors.New("access denied")}
		}
		return true, nil
	}

	_, err := p.Publish(context.Background(), "p1", []byte("audio"), update("lost"))
	require.Error(t, err)
	assert.Equal(t, "storage_permanent", podcast.Kind(err))
	assert.Equal(t, 1, store.putCount("audio/testUser/p1/20260501-100000.wav"))

	_, ok := store.object(testShow("p1").FeedPath())
	assert.False(t, ok, "feed must not be written")
	for _, status := range []podcast.Status{podcast.Pending, podcast.Published} {
		episodes, err := db.FindEpisodesByStatus("p1", status)
		require.NoError(t, err)
		assert.Empty(t, episodes)
	}
}

func TestPublishFeedFailureKeepsPreviousFeed(t *testing.T) {
	p, store, db := prepProcessor(t, "p1")
	p.Ingestor.Now = steppingClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), time.Minute)
	first, err := p.Publish(context.Background(), "p1", []byte("first"), update("first"))
	require.NoError(t, err)
	before, _ := store.object(testShow("p1").FeedPath())

	store.fault = func(path string, _ int) (bool, error) {
		if strings.HasSuffix(path, ".xml") {
			return false, &podcast.StorageError{Op: "put", Path: path, Err: errors.New("bucket is read-only")}
		}
		return true, nil
	}
	_, err = p.Publish(context.Background(), "p1", []byte("second"), update("second"))
	require.Error(t, err)

	after, _ := store.object(testShow("p1").FeedPath())
	assert.Equal(t, before, after)

	published, err := db.FindEpisodesByStatus("p1", podcast.Published)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, first.ID, published[0].ID)
	pending, err := db.FindEpisodesByStatus("p1", podcast.Pending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	show, err := db.GetShow("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), show.Version)
}

func TestPublishRetriesTransient(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")
	store.fault = func(path string, n int) (bool, error) {
		if n < 3 {
			return false, &podcast.StorageError{Op: "put", Path: path, Transient: true, Err: errors.New("503 slow down")}
		}
		return true, nil
	}

	ep, err := p.Publish(context.Background(), "p1", []byte("audio"), update("retry"))
	require.NoError(t, err)
	assert.Equal(t, 3, store.putCount(ep.AudioPath))
	assert.Equal(t, 3, store.putCount(testShow("p1").FeedPath()))
	assert.Len(t, liveDoc(t, store, "p1").Items, 1)
}

func TestPublishRetriesExhausted(t *testing.T) {
	p, store, db := prepProcessor(t, "p1")
	store.fault = func(path string, _ int) (bool, error) {
		if strings.HasSuffix(path, ".xml") {
			return false, &podcast.StorageError{Op: "put", Path: path, Transient: true, Err: errors.New("503")}
		}
		return true, nil
	}

	_, err := p.Publish(context.Background(), "p1", []byte("audio"), update("retry"))
	require.Error(t, err)
	assert.True(t, podcast.IsTransient(err))
	assert.Equal(t, 3, store.putCount(testShow("p1").FeedPath()))

	pending, err := db.FindEpisodesByStatus("p1", podcast.Pending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPublishFeedLandedDespiteError(t *testing.T) {
	p, store, db := prepProcessor(t, "p1")
	store.fault = func(path string, _ int) (bool, error) {
		if strings.HasSuffix(path, ".xml") {
			return true, &podcast.StorageError{Op: "put", Path: path, Err: errors.New("connection reset after upload")}
		}
		return true, nil
	}

	ep, err := p.Publish(context.Background(), "p1", []byte("audio"), update("landed"))
	require.NoError(t, err)
	assert.Equal(t, ep.GUID, liveDoc(t, store, "p1").Items[0].GUID)

	published, err := db.FindEpisodesByStatus("p1", podcast.Published)
	require.NoError(t, err)
	assert.Len(t, published, 1)
}

func TestPublishVerifyFeed(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")
	p.VerifyFeed = true
	store.staleReads = 2

	_, err := p.Publish(context.Background(), "p1", []byte("audio"), update("verified"))
	require.NoError(t, err)
	assert.Equal(t, 3, store.putCount(testShow("p1").FeedPath()))
	assert.Len(t, liveDoc(t, store, "p1").Items, 1)
}

func TestPublishConcurrent(t *testing.T) {
	for _, driver := range testDrivers() {
		t.Run(driver, func(t *testing.T) {
			testPublishConcurrent(t, driver)
		})
	}
}

func testPublishConcurrent(t *testing.T, driver string) {
	const n = 20
	p, store, db := prepProcessorWith(t, driver, "p1")

	var wg sync.WaitGroup
	results := make(chan *podcast.Episode, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep, err := p.Publish(context.Background(), "p1", []byte(fmt.Sprintf("audio %d", i)), update(fmt.Sprintf("take %d", i)))
			if err != nil {
				errs <- err
				return
			}
			results <- ep
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Errorf("publish failed: %v", err)
	}

	ids, guids := map[string]bool{}, map[string]bool{}
	for ep := range results {
		assert.False(t, ids[ep.ID], "duplicate id %s", ep.ID)
		ids[ep.ID] = true
		guids[ep.GUID] = true
	}
	require.Len(t, ids, n)

	doc := liveDoc(t, store, "p1")
	require.Len(t, doc.Items, n)
	seen := map[string]bool{}
	for _, item := range doc.Items {
		assert.True(t, guids[item.GUID], "unexpected guid %s", item.GUID)
		assert.False(t, seen[item.GUID], "guid %s listed twice", item.GUID)
		seen[item.GUID] = true
	}

	show, err := db.GetShow("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), show.Version)
}

func TestPublishShowsIsolated(t *testing.T) {
	for _, driver := range testDrivers() {
		t.Run(driver, func(t *testing.T) {
			testPublishShowsIsolated(t, driver)
		})
	}
}

func testPublishShowsIsolated(t *testing.T, driver string) {
	p, store, _ := prepProcessorWith(t, driver, "a1", "b1")

	release, err := p.Locks.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	defer release()

	_, err = p.Publish(context.Background(), "b1", []byte("audio"), update("b"))
	require.NoError(t, err)
	assert.Len(t, liveDoc(t, store, "b1").Items, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Publish(ctx, "a1", []byte("audio"), update("a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := store.object(testShow("a1").FeedPath())
	assert.False(t, ok)
}

func TestPublishCancelledBeforeFeed(t *testing.T) {
	p, store, db := prepProcessor(t, "p1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.fault = func(path string, _ int) (bool, error) {
		if strings.HasPrefix(path, "audio/") {
			cancel()
		}
		return true, nil
	}

	_, err := p.Publish(ctx, "p1", []byte("audio"), update("cancelled"))
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := store.object(testShow("p1").FeedPath())
	assert.False(t, ok)

	exists, err := db.EpisodeExists("p1", "20260501-100000")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPublishInvalid(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")

	_, err := p.Publish(context.Background(), "p1", nil, update("empty"))
	assert.Equal(t, "validation", podcast.Kind(err))

	_, err = p.Publish(context.Background(), "nope", []byte("audio"), update("x"))
	assert.Equal(t, "not_found", podcast.Kind(err))

	store.mu.Lock()
	assert.Empty(t, store.puts)
	store.mu.Unlock()
}

func TestPublishReconcilesPending(t *testing.T) {
	p, store, db := prepProcessor(t, "p1")
	show := testShow("p1")
	at := time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC)

	// "live" made it to the feed before the crash, "lost" did not
	live := catalogEpisode("20260430-080000", at)
	lost := catalogEpisode("20260430-090000", at.Add(time.Hour))
	require.NoError(t, db.StageEpisode(live))
	require.NoError(t, db.StageEpisode(lost))
	data, err := feed.Build(show, []*podcast.Episode{live}, feed.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), show.FeedPath(), data, feed.ContentType))

	ep, err := p.Publish(context.Background(), "p1", []byte("audio"), update("after crash"))
	require.NoError(t, err)

	doc := liveDoc(t, store, "p1")
	require.Len(t, doc.Items, 2)
	assert.Equal(t, ep.GUID, doc.Items[0].GUID)
	assert.Equal(t, live.GUID, doc.Items[1].GUID)
	assert.False(t, doc.HasGUID(lost.GUID))

	exists, err := db.EpisodeExists("p1", lost.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := db.GetShow("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestRebuild(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")
	_, err := p.Publish(context.Background(), "p1", []byte("audio"), update("one"))
	require.NoError(t, err)
	path := testShow("p1").FeedPath()
	before, _ := store.object(path)

	store.mu.Lock()
	delete(store.objects, path)
	store.mu.Unlock()

	require.NoError(t, p.Rebuild(context.Background(), "p1"))
	after, ok := store.object(path)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestRegisterShowInvalid(t *testing.T) {
	p, _, _ := prepProcessor(t)
	show := testShow("p1")
	show.Title = ""
	err := p.RegisterShow(show)
	var verr *podcast.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "show.title", verr.Field)

	_, err = p.Episodes("p1")
	assert.True(t, podcast.IsNotFound(err))
}
