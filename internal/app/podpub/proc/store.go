package proc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/go-pkgz/lgr"

	"podpub/internal/app/podpub/podcast"
)

var (
	showsBucket    = []byte("shows")
	episodesBucket = []byte("episodes")
)

// BoltDB store
type BoltDB struct {
	DB *bolt.DB
}

// NewBoltDB opens bolt file, creating it when missing
func NewBoltDB(dbFile string) (*BoltDB, error) {
	log.Printf("[INFO] bolt (persistent) store, %s", dbFile)
	db, err := bolt.Open(dbFile, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", dbFile, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(showsBucket); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(episodesBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{DB: db}, nil
}

// SaveShow save show metadata to shows bucket in bolt db
func (b *BoltDB) SaveShow(show *podcast.Show) error {
	return b.DB.Update(func(tx *bolt.Tx) error {
		shows := tx.Bucket(showsBucket)
		rec := *show
		if existing := shows.Get([]byte(show.ID)); existing != nil {
			var old podcast.Show
			if err := json.Unmarshal(existing, &old); err != nil {
				return fmt.Errorf("unmarshal show %s: %w", show.ID, err)
			}
			rec.Version = old.Version
		}
		if _, err := tx.Bucket(episodesBucket).CreateBucketIfNotExists([]byte(show.ID)); err != nil {
			return err
		}
		jdata, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		log.Printf("[DEBUG] save show %s - %s, version %d", show.ID, show.Title, rec.Version)
		return shows.Put([]byte(show.ID), jdata)
	})
}

// GetShow get show from store
func (b *BoltDB) GetShow(showID string) (*podcast.Show, error) {
	show := &podcast.Show{}
	err := b.DB.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(showsBucket).Get([]byte(showID))
		if data == nil {
			return &podcast.NotFoundError{Kind: "show", Key: showID}
		}
		return json.Unmarshal(data, show)
	})
	if err != nil {
		return nil, err
	}
	return show, nil
}

// ListShows get all shows from store
func (b *BoltDB) ListShows() ([]*podcast.Show, error) {
	var result []*podcast.Show
	err := b.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket(showsBucket).ForEach(func(k, v []byte) error {
			item := podcast.Show{}
			if err := json.Unmarshal(v, &item); err != nil {
				log.Printf("[WARN] failed to unmarshal show %s, %v", string(k), err)
				return nil
			}
			result = append(result, &item)
			return nil
		})
	})
	return result, err
}

// FindEpisodesByStatus get episodes from store by status
func (b *BoltDB) FindEpisodesByStatus(showID string, filterStatus podcast.Status) ([]*podcast.Episode, error) {
	var result []*podcast.Episode
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket).Bucket([]byte(showID))
		if bucket == nil {
			return &podcast.NotFoundError{Kind: "show", Key: showID}
		}

		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			item := podcast.Episode{}
			if err := json.Unmarshal(v, &item); err != nil {
				log.Printf("[WARN] failed to unmarshal, %v", err)
				continue
			}
			if item.Status != filterStatus {
				continue
			}
			result = append(result, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortBySeq(result)
	return result, nil
}

// EpisodeExists check episode id in show bucket
func (b *BoltDB) EpisodeExists(showID, episodeID string) (bool, error) {
	exists := false
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket).Bucket([]byte(showID))
		if bucket == nil {
			return &podcast.NotFoundError{Kind: "show", Key: showID}
		}
		exists = bucket.Get([]byte(episodeID)) != nil
		return nil
	})
	return exists, err
}

// StageEpisode save pending episode to show bucket
func (b *BoltDB) StageEpisode(episode *podcast.Episode) error {
	return b.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket).Bucket([]byte(episode.ShowID))
		if bucket == nil {
			return &podcast.NotFoundError{Kind: "show", Key: episode.ShowID}
		}
		key := []byte(episode.ID)
		if bucket.Get(key) != nil {
			return &podcast.ConflictError{ShowID: episode.ShowID, EpisodeID: episode.ID}
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		rec := *episode
		rec.Seq = int64(seq)
		rec.Status = podcast.Pending

		jdata, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		log.Printf("[INFO] stage episode %s - %s - %s - %d", episode.ID, episode.ShowID, episode.AudioPath, episode.ByteLength)
		if err := bucket.Put(key, jdata); err != nil {
			return err
		}
		episode.Seq, episode.Status = rec.Seq, rec.Status
		return nil
	})
}

// CommitEpisode change status of pending episode to published and bump show version
func (b *BoltDB) CommitEpisode(showID, episodeID string) (int64, error) {
	var version int64
	err := b.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket).Bucket([]byte(showID))
		if bucket == nil {
			return &podcast.NotFoundError{Kind: "show", Key: showID}
		}
		item, err := getEpisode(bucket, episodeID)
		if err != nil {
			return err
		}
		if item.Status == podcast.Published {
			return fmt.Errorf("episode %s of %s is already published", episodeID, showID)
		}
		item.Status = podcast.Published
		jdata, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(episodeID), jdata); err != nil {
			return err
		}

		shows := tx.Bucket(showsBucket)
		show := podcast.Show{}
		if err := json.Unmarshal(shows.Get([]byte(showID)), &show); err != nil {
			return fmt.Errorf("unmarshal show %s: %w", showID, err)
		}
		show.Version++
		version = show.Version
		sdata, err := json.Marshal(&show)
		if err != nil {
			return err
		}
		return shows.Put([]byte(showID), sdata)
	})
	return version, err
}

// DiscardEpisode delete pending episode from show bucket
func (b *BoltDB) DiscardEpisode(showID, episodeID string) error {
	return b.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(episodesBucket).Bucket([]byte(showID))
		if bucket == nil {
			return &podcast.NotFoundError{Kind: "show", Key: showID}
		}
		item, err := getEpisode(bucket, episodeID)
		if err != nil {
			return err
		}
		if item.Status != podcast.Pending {
			return fmt.Errorf("episode %s of %s is %s, only pending episodes can be discarded", episodeID, showID, item.Status)
		}
		log.Printf("[INFO] discard episode %s - %s", episodeID, showID)
		return bucket.Delete([]byte(episodeID))
	})
}

// Close bolt db
func (b *BoltDB) Close() error {
	return b.DB.Close()
}

func getEpisode(bucket *bolt.Bucket, episodeID string) (*podcast.Episode, error) {
	data := bucket.Get([]byte(episodeID))
	if data == nil {
		return nil, &podcast.NotFoundError{Kind: "episode", Key: episodeID}
	}
	item := &podcast.Episode{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, fmt.Errorf("unmarshal episode %s: %w", episodeID, err)
	}
	return item, nil
}
