package proc

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"podpub/internal/app/podpub/media"
	"podpub/internal/app/podpub/podcast"
)

const (
	idLayout         = "20060102-150405"
	titleLayout      = "January 2, 2006 15:04 MST"
	maxDisambiguator = 99

	// DefaultMaxSize is the audio ceiling used when none is configured
	DefaultMaxSize = 512 << 20
)

// guidNamespace scopes episode guids of this publisher
var guidNamespace = uuid.MustParse("2b0b4a5e-6f1c-5d8e-9a57-1c3f3f0d6a11")

// Ingestor turns raw audio and metadata into a candidate episode. It never uploads or records anything.
type Ingestor struct {
	Catalog  Catalog
	Storage  Storage
	MaxSize  int64
	TagAudio bool
	Now      func() time.Time
}

// Candidate is an episode ready to publish with the exact bytes to upload
type Candidate struct {
	Episode *podcast.Episode
	Audio   []byte
}

// Ingest validates the payload and assigns id, guid and paths
func (in *Ingestor) Ingest(showID string, audio []byte, meta podcast.Metadata) (*Candidate, error) {
	if len(audio) == 0 {
		return nil, &podcast.ValidationError{Field: "audio", Reason: "payload is empty"}
	}
	limit := in.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	if int64(len(audio)) > limit {
		return nil, &podcast.PayloadTooLargeError{Size: int64(len(audio)), Limit: limit}
	}
	if meta.DurationSeconds < 0 {
		return nil, &podcast.ValidationError{Field: "duration", Reason: "can't be negative"}
	}
	if err := podcast.ValidID("show", showID); err != nil {
		return nil, err
	}

	show, err := in.Catalog.GetShow(showID)
	if err != nil {
		return nil, err
	}

	mimeType, ext, err := mimeOf(audio, meta.MimeType)
	if err != nil {
		return nil, err
	}

	duration := meta.DurationSeconds
	if duration == 0 {
		if duration, err = media.Duration(audio, mimeType); err != nil || duration <= 0 {
			return nil, &podcast.ValidationError{Field: "duration", Reason: fmt.Sprintf("not given and can't be probed from %s payload", mimeType)}
		}
	}

	now := in.now().UTC().Truncate(time.Second)
	id, err := in.episodeID(showID, now)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" && mimeType == "audio/mpeg" {
		if tags, terr := media.ReadTags(audio); terr == nil {
			title = strings.TrimSpace(tags.Title)
		}
	}
	if title == "" {
		title = fmt.Sprintf("%s for %s", show.Title, now.Format(titleLayout))
	}

	if in.TagAudio && mimeType == "audio/mpeg" {
		tagged, terr := media.WriteTags(audio, media.Tags{Title: title, Artist: show.Author, Album: show.Title})
		switch {
		case terr != nil:
			log.Printf("[WARN] can't tag audio of %s/%s, upload as is, %v", showID, id, terr)
		case int64(len(tagged)) > limit:
			log.Printf("[WARN] tagged audio of %s/%s is %s, over the limit of %s, upload as is",
				showID, id, humanize.Bytes(uint64(len(tagged))), humanize.Bytes(uint64(limit)))
		default:
			audio = tagged
		}
	}

	audioPath := show.AudioPath(id, ext)
	ep := &podcast.Episode{
		ID:              id,
		ShowID:          showID,
		GUID:            uuid.NewSHA1(guidNamespace, []byte(show.UserID+"/"+showID+"/"+id)).String(),
		Title:           title,
		Description:     strings.TrimSpace(meta.Description),
		AudioPath:       audioPath,
		EnclosureURL:    in.Storage.URL(audioPath),
		MimeType:        mimeType,
		ByteLength:      int64(len(audio)),
		DurationSeconds: duration,
		PublishedAt:     now,
		Status:          podcast.Pending,
	}
	log.Printf("[DEBUG] ingested %s/%s, %s %s, %ds", showID, id, mimeType, humanize.Bytes(uint64(len(audio))), duration)
	return &Candidate{Episode: ep, Audio: audio}, nil
}

// episodeID formats the ingestion instant and appends -2, -3, ... while the id is taken
func (in *Ingestor) episodeID(showID string, at time.Time) (string, error) {
	base := at.Format(idLayout)
	id := base
	for n := 2; ; n++ {
		exists, err := in.Catalog.EpisodeExists(showID, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
		if n > maxDisambiguator {
			return "", &podcast.ConflictError{ShowID: showID, EpisodeID: base}
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func (in *Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

func mimeOf(audio []byte, declared string) (mimeType, ext string, err error) {
	mimeType = media.Normalize(declared)
	if mimeType == "" || mimeType == "application/octet-stream" {
		if mimeType = media.Detect(audio); mimeType == "" {
			return "", "", &podcast.ValidationError{Field: "mime_type", Reason: "not given and not detectable from payload"}
		}
	}
	ext, ok := media.Extension(mimeType)
	if !ok {
		return "", "", &podcast.ValidationError{Field: "mime_type", Reason: fmt.Sprintf("%q is not a supported audio type", declared)}
	}
	return mimeType, ext, nil
}
