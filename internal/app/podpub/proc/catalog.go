package proc

import (
	"sort"

	"podpub/internal/app/podpub/podcast"
)

// Catalog is the durable record of shows and their episodes
type Catalog interface {
	// SaveShow inserts or updates show metadata, the stored version is kept
	SaveShow(show *podcast.Show) error
	// GetShow returns a show with its current version, *podcast.NotFoundError if unknown
	GetShow(showID string) (*podcast.Show, error)
	// ListShows returns all shows ordered by id
	ListShows() ([]*podcast.Show, error)
	// FindEpisodesByStatus returns episodes of a show in ingestion order
	FindEpisodesByStatus(showID string, status podcast.Status) ([]*podcast.Episode, error)
	// EpisodeExists tells whether the show has an episode with this id in any status
	EpisodeExists(showID, episodeID string) (bool, error)
	// StageEpisode records a pending episode and assigns its Seq, *podcast.ConflictError on duplicate id
	StageEpisode(episode *podcast.Episode) error
	// CommitEpisode marks a pending episode published and bumps the show version, returns the new version
	CommitEpisode(showID, episodeID string) (int64, error)
	// DiscardEpisode removes a pending episode, published episodes are never removed
	DiscardEpisode(showID, episodeID string) error
	Close() error
}

func sortBySeq(episodes []*podcast.Episode) {
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].Seq < episodes[j].Seq })
}
