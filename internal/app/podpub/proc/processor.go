package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	log "github.com/go-pkgz/lgr"

	"podpub/internal/app/podpub/feed"
	"podpub/internal/app/podpub/podcast"
)

// Processor publishes episodes: uploads audio, rebuilds and uploads the feed, commits the catalog.
// It is the only component changing shows, episodes or stored objects.
type Processor struct {
	Catalog    Catalog
	Storage    Storage
	Ingestor   *Ingestor
	Locks      *ShowLocks
	Files      *Files
	AudioRetry RetryPolicy
	FeedRetry  RetryPolicy
	VerifyFeed bool
}

// RegisterShow validates and saves show metadata, the stored version is kept
func (p *Processor) RegisterShow(show *podcast.Show) error {
	if err := show.Validate(); err != nil {
		return err
	}
	if err := p.Catalog.SaveShow(show); err != nil {
		return fmt.Errorf("save show %s: %w", show.ID, err)
	}
	return nil
}

// Publish adds one episode to the show. On success the live feed contains the episode and
// the show version is bumped. On failure the live feed is left as it was before the call.
func (p *Processor) Publish(ctx context.Context, showID string, audio []byte, meta podcast.Metadata) (*podcast.Episode, error) {
	release, err := p.Locks.Acquire(ctx, showID)
	if err != nil {
		return nil, fmt.Errorf("lock show %s: %w", showID, err)
	}
	defer release()

	if err = p.reconcile(ctx, showID); err != nil {
		return nil, err
	}

	cand, err := p.Ingestor.Ingest(showID, audio, meta)
	if err != nil {
		return nil, err
	}
	ep := cand.Episode

	err = retry(ctx, policyOr(p.AudioRetry, DefaultAudioRetry), "upload audio "+ep.AudioPath, func() error {
		return p.Storage.Put(ctx, ep.AudioPath, cand.Audio, ep.MimeType)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[DEBUG] uploaded %s, %s", ep.AudioPath, humanize.Bytes(uint64(ep.ByteLength)))

	if err = p.Catalog.StageEpisode(ep); err != nil {
		return nil, fmt.Errorf("stage episode %s: %w", ep.ID, err)
	}

	show, data, err := p.build(showID, ep)
	if err != nil {
		p.discard(showID, ep.ID)
		return nil, err
	}

	if err = ctx.Err(); err != nil {
		p.discard(showID, ep.ID)
		return nil, err
	}

	if err = p.putFeed(ctx, show, data); err != nil {
		// the upload may have landed even though it reported failure
		doc, lerr := p.liveFeed(context.WithoutCancel(ctx), show)
		switch {
		case lerr != nil:
			log.Printf("[WARN] can't tell whether %s is live, left pending, %v", ep.ID, lerr)
			return nil, err
		case !doc.HasGUID(ep.GUID):
			p.discard(showID, ep.ID)
			return nil, err
		}
		log.Printf("[WARN] feed upload of %s reported %v, but the live feed has %s", showID, err, ep.ID)
	}

	version, err := p.Catalog.CommitEpisode(showID, ep.ID)
	if err != nil {
		return nil, fmt.Errorf("feed of %s is live, commit of %s failed: %w", showID, ep.ID, err)
	}
	ep.Status = podcast.Published
	log.Printf("[INFO] published %s to %s (v%d), %q %s", ep.ID, showID, version, ep.Title, humanize.Bytes(uint64(ep.ByteLength)))
	return ep, nil
}

// Shows returns registered shows ordered by id
func (p *Processor) Shows() ([]*podcast.Show, error) {
	return p.Catalog.ListShows()
}

// Episodes returns published episodes of the show in feed order
func (p *Processor) Episodes(showID string) ([]*podcast.Episode, error) {
	if _, err := p.Catalog.GetShow(showID); err != nil {
		return nil, err
	}
	episodes, err := p.Catalog.FindEpisodesByStatus(showID, podcast.Published)
	if err != nil {
		return nil, err
	}
	return feed.Sort(episodes), nil
}

// Rebuild uploads the feed built from the catalog again. Unchanged catalog gives the same bytes.
func (p *Processor) Rebuild(ctx context.Context, showID string) error {
	release, err := p.Locks.Acquire(ctx, showID)
	if err != nil {
		return fmt.Errorf("lock show %s: %w", showID, err)
	}
	defer release()

	if err = p.reconcile(ctx, showID); err != nil {
		return err
	}
	show, data, err := p.build(showID, nil)
	if err != nil {
		return err
	}
	if err = p.putFeed(ctx, show, data); err != nil {
		return err
	}
	log.Printf("[INFO] rebuilt feed %s (v%d)", show.FeedPath(), show.Version)
	return nil
}

// build renders the feed of published episodes plus the candidate, if any
func (p *Processor) build(showID string, candidate *podcast.Episode) (*podcast.Show, []byte, error) {
	show, err := p.Catalog.GetShow(showID)
	if err != nil {
		return nil, nil, err
	}
	episodes, err := p.Catalog.FindEpisodesByStatus(showID, podcast.Published)
	if err != nil {
		return nil, nil, fmt.Errorf("load episodes of %s: %w", showID, err)
	}
	if candidate != nil {
		episodes = append(episodes, candidate)
	}
	data, err := feed.Build(show, episodes, feed.Options{SelfURL: p.Storage.URL(show.FeedPath())})
	if err != nil {
		return nil, nil, fmt.Errorf("build feed of %s: %w", showID, err)
	}
	return show, data, nil
}

// putFeed uploads the feed with retries. With VerifyFeed the object is read back,
// a stale or different read counts as a transient failure.
func (p *Processor) putFeed(ctx context.Context, show *podcast.Show, data []byte) error {
	path := show.FeedPath()
	return retry(ctx, policyOr(p.FeedRetry, DefaultFeedRetry), "upload feed "+path, func() error {
		if err := p.Storage.Put(ctx, path, data, feed.ContentType); err != nil {
			return err
		}
		if !p.VerifyFeed {
			return nil
		}
		got, err := p.Storage.Get(ctx, path)
		if err != nil {
			if podcast.IsNotFound(err) {
				return &podcast.StorageError{Op: "verify", Path: path, Transient: true, Err: err}
			}
			return err
		}
		if !bytes.Equal(got, data) {
			return &podcast.StorageError{Op: "verify", Path: path, Transient: true, Err: errors.New("read back differs from upload")}
		}
		return nil
	})
}

// liveFeed reads and parses the feed currently served, empty document if there is none yet
func (p *Processor) liveFeed(ctx context.Context, show *podcast.Show) (*feed.Document, error) {
	data, err := p.Storage.Get(ctx, show.FeedPath())
	if err != nil {
		if podcast.IsNotFound(err) {
			return &feed.Document{}, nil
		}
		return nil, err
	}
	doc, err := feed.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("live feed %s: %w", show.FeedPath(), err)
	}
	return doc, nil
}

// reconcile settles pending episodes left by interrupted publishes. Episodes the live feed
// already serves are committed, the rest are dropped and their audio stays orphaned.
func (p *Processor) reconcile(ctx context.Context, showID string) error {
	pending, err := p.Catalog.FindEpisodesByStatus(showID, podcast.Pending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	show, err := p.Catalog.GetShow(showID)
	if err != nil {
		return err
	}
	doc, err := p.liveFeed(ctx, show)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", showID, err)
	}

	for _, ep := range pending {
		if !doc.HasGUID(ep.GUID) {
			log.Printf("[INFO] drop unfinished episode %s of %s", ep.ID, showID)
			if err := p.Catalog.DiscardEpisode(showID, ep.ID); err != nil {
				return fmt.Errorf("reconcile %s: %w", showID, err)
			}
			continue
		}
		version, err := p.Catalog.CommitEpisode(showID, ep.ID)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", showID, err)
		}
		log.Printf("[INFO] recovered live episode %s of %s (v%d)", ep.ID, showID, version)
	}
	return nil
}

func (p *Processor) discard(showID, episodeID string) {
	if err := p.Catalog.DiscardEpisode(showID, episodeID); err != nil {
		log.Printf("[WARN] can't discard pending episode %s of %s, %v", episodeID, showID, err)
	}
}

func policyOr(policy, def RetryPolicy) RetryPolicy {
	if policy.Attempts <= 0 {
		return def
	}
	return policy
}
