package podpub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/go-pkgz/lgr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"podpub/internal/app/podpub/proc"
	"podpub/internal/configs"
)

// App ties configured shows to the processor
type App struct {
	config    *configs.Conf
	processor *proc.Processor
}

// NewApplication registers configured shows in the catalog
func NewApplication(conf *configs.Conf, p *proc.Processor) (*App, error) {
	app := App{config: conf, processor: p}
	for _, id := range app.showIDs() {
		if err := p.RegisterShow(conf.ToShow(id)); err != nil {
			return nil, fmt.Errorf("register show %s: %w", id, err)
		}
	}
	return &app, nil
}

// Processor returns the processor publishing for the app
func (a *App) Processor() *proc.Processor {
	return a.processor
}

// Close releases the catalog
func (a *App) Close() error {
	return a.processor.Catalog.Close()
}

// FindShows returns configured shows by id
func (a *App) FindShows() map[string]configs.Show {
	return a.config.Shows
}

// Update publishes new files of every show inbox, shows in parallel. Returns the count of published episodes.
func (a *App) Update(ctx context.Context) int64 {
	var total int64
	wg := sync.WaitGroup{}
	for id, s := range a.FindShows() {
		if s.Folder == "" {
			continue
		}
		wg.Add(1)
		go func(id string, s configs.Show) {
			defer wg.Done()
			countNew, err := a.processor.Update(ctx, s.Folder, id)
			if countNew > 0 {
				atomic.AddInt64(&total, countNew)
				log.Printf("[INFO] published %d new episodes for %s", countNew, id)
			}
			if err != nil {
				log.Printf("[ERROR] can't update %s from %s, %v", id, s.Folder, err)
			}
		}(id, s)
	}
	wg.Wait()
	return total
}

func (a *App) showIDs() []string {
	ids := make([]string, 0, len(a.config.Shows))
	for id := range a.config.Shows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewProcessor makes processor with catalog and storage defined by config
func NewProcessor(ctx context.Context, conf *configs.Conf) (*proc.Processor, error) {
	catalog, err := NewCatalog(conf)
	if err != nil {
		return nil, err
	}
	storage, err := NewStorage(ctx, conf)
	if err != nil {
		_ = catalog.Close()
		return nil, err
	}

	return &proc.Processor{
		Catalog: catalog,
		Storage: storage,
		Ingestor: &proc.Ingestor{
			Catalog:  catalog,
			Storage:  storage,
			MaxSize:  int64(conf.Ingest.MaxSize),
			TagAudio: conf.Ingest.TagAudio,
		},
		Locks:      &proc.ShowLocks{Dir: conf.Publish.LockDir},
		Files:      &proc.Files{},
		AudioRetry: retryPolicy(conf.Publish.AudioRetry),
		FeedRetry:  retryPolicy(conf.Publish.FeedRetry),
		VerifyFeed: conf.Publish.VerifyFeed,
	}, nil
}

// NewCatalog opens bolt or sqlite catalog
func NewCatalog(conf *configs.Conf) (proc.Catalog, error) {
	if dir := filepath.Dir(conf.Catalog.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir %s: %w", dir, err)
		}
	}
	switch conf.Catalog.Driver {
	case "sqlite":
		db, err := proc.NewSQLite(conf.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite catalog %s: %w", conf.Catalog.Path, err)
		}
		return db, nil
	case "bolt", "":
		db, err := proc.NewBoltDB(conf.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt catalog %s: %w", conf.Catalog.Path, err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown catalog driver %q", conf.Catalog.Driver)
}

// NewStorage makes s3 or local storage, the s3 bucket is created when missing
func NewStorage(ctx context.Context, conf *configs.Conf) (proc.Storage, error) {
	cs := conf.CloudStorage
	if cs.Type == "local" {
		store, err := proc.NewLocalStore(cs.Local.Root, cs.Local.BaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	secure := cs.Secure == nil || *cs.Secure
	client, err := NewS3Client(cs.EndPointURL, cs.Secrets.Key, cs.Secrets.Secret, secure)
	if err != nil {
		return nil, fmt.Errorf("make s3 client: %w", err)
	}
	store := &proc.S3Store{Client: client, Location: cs.Region, Bucket: cs.Bucket, PublicURL: cs.PublicURL}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewS3Client makes minio client for any s3 compatible storage
func NewS3Client(endpoint, accessKeyID, secretAccessKey string, secure bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: secure,
	})
}

func retryPolicy(r configs.Retry) proc.RetryPolicy {
	return proc.RetryPolicy{Attempts: r.Attempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}
