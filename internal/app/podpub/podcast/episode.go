package podcast

import (
	"fmt"
	"time"
)

// Status of episode
type Status int

const (
	// Pending status for episodes with uploaded audio waiting for the feed commit
	Pending Status = iota
	// Published status for episodes referenced by the committed feed
	Published
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Published:
		return "published"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Episode of podcast
type Episode struct {
	ID              string
	ShowID          string
	Seq             int64
	GUID            string
	Title           string
	Description     string
	AudioPath       string
	EnclosureURL    string
	MimeType        string
	ByteLength      int64
	DurationSeconds int64
	PublishedAt     time.Time
	Status          Status
}

// Metadata is the optional information a recorder sends along with the audio
type Metadata struct {
	Title           string
	Description     string
	MimeType        string
	DurationSeconds int64
}
