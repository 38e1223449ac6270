// Package feed renders and reads podcast RSS documents
package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"podpub/internal/app/podpub/podcast"
)

const (
	// ContentType of feed documents
	ContentType = "application/rss+xml"

	generator = "podpub"
	itunesNS  = "http://www.itunes.com/dtds/podcast-1.0.dtd"
	atomNS    = "http://www.w3.org/2005/Atom"
)

type rss struct {
	XMLName  xml.Name `xml:"rss"`
	Version  string   `xml:"version,attr"`
	ITunesNS string   `xml:"xmlns:itunes,attr"`
	AtomNS   string   `xml:"xmlns:atom,attr"`
	Channel  channel  `xml:"channel"`
}

type channel struct {
	Title          string          `xml:"title"`
	Link           string          `xml:"link"`
	Description    string          `xml:"description"`
	Language       string          `xml:"language"`
	Generator      string          `xml:"generator"`
	LastBuildDate  string          `xml:"lastBuildDate,omitempty"`
	AtomLink       *atomLink       `xml:"atom:link,omitempty"`
	Image          *image          `xml:"image,omitempty"`
	ITunesAuthor   string          `xml:"itunes:author"`
	ITunesSummary  string          `xml:"itunes:summary"`
	ITunesExplicit string          `xml:"itunes:explicit"`
	ITunesOwner    *owner          `xml:"itunes:owner,omitempty"`
	ITunesImage    *itunesImage    `xml:"itunes:image,omitempty"`
	ITunesCategory *itunesCategory `xml:"itunes:category,omitempty"`
	Items          []item          `xml:"item"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type image struct {
	URL   string `xml:"url"`
	Title string `xml:"title"`
	Link  string `xml:"link"`
}

type owner struct {
	Name  string `xml:"itunes:name"`
	Email string `xml:"itunes:email"`
}

type itunesImage struct {
	Href string `xml:"href,attr"`
}

type itunesCategory struct {
	Text string `xml:"text,attr"`
}

type item struct {
	Title          string    `xml:"title"`
	Description    string    `xml:"description,omitempty"`
	GUID           guid      `xml:"guid"`
	PubDate        string    `xml:"pubDate"`
	Enclosure      enclosure `xml:"enclosure"`
	ITunesDuration string    `xml:"itunes:duration"`
	ITunesSummary  string    `xml:"itunes:summary,omitempty"`
}

type guid struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type enclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

// Options carry values that are not part of the show itself
type Options struct {
	// SelfURL is the public URL of the feed document, rendered as atom:link
	SelfURL string
}

// Build renders the RSS document of a show. Output depends only on its arguments.
func Build(show *podcast.Show, episodes []*podcast.Episode, opts Options) ([]byte, error) {
	if show == nil {
		return nil, &podcast.ValidationError{Field: "show", Reason: "is required"}
	}
	if err := show.Validate(); err != nil {
		return nil, err
	}
	for _, e := range episodes {
		if err := validateEpisode(e); err != nil {
			return nil, err
		}
	}

	sorted := Sort(episodes)

	ch := channel{
		Title:          show.Title,
		Link:           show.Link,
		Description:    show.Description,
		Language:       show.Language,
		Generator:      generator,
		ITunesAuthor:   show.Author,
		ITunesSummary:  show.Description,
		ITunesExplicit: "false",
		Items:          make([]item, 0, len(sorted)),
	}
	if show.Explicit {
		ch.ITunesExplicit = "true"
	}
	if len(sorted) > 0 {
		ch.LastBuildDate = formatDate(sorted[0].PublishedAt)
	}
	if opts.SelfURL != "" {
		ch.AtomLink = &atomLink{Href: opts.SelfURL, Rel: "self", Type: ContentType}
	}
	if show.Email != "" {
		ch.ITunesOwner = &owner{Name: show.Author, Email: show.Email}
	}
	if show.Image != "" {
		ch.Image = &image{URL: show.Image, Title: show.Title, Link: show.Link}
		ch.ITunesImage = &itunesImage{Href: show.Image}
	}
	if show.Category != "" {
		ch.ITunesCategory = &itunesCategory{Text: show.Category}
	}

	for _, e := range sorted {
		ch.Items = append(ch.Items, item{
			Title:          e.Title,
			Description:    e.Description,
			GUID:           guid{IsPermaLink: "false", Value: e.GUID},
			PubDate:        formatDate(e.PublishedAt),
			Enclosure:      enclosure{URL: e.EnclosureURL, Length: e.ByteLength, Type: e.MimeType},
			ITunesDuration: formatDuration(e.DurationSeconds),
			ITunesSummary:  e.Description,
		})
	}

	doc := rss{Version: "2.0", ITunesNS: itunesNS, AtomNS: atomNS, Channel: ch}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode feed of %s: %w", show.ID, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Sort returns a copy of episodes in feed order: newest first, later ingestion first on ties
func Sort(episodes []*podcast.Episode) []*podcast.Episode {
	res := make([]*podcast.Episode, len(episodes))
	copy(res, episodes)
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq > b.Seq
		}
		return a.ID > b.ID
	})
	return res
}

func validateEpisode(e *podcast.Episode) error {
	if e == nil {
		return &podcast.ValidationError{Field: "episode", Reason: "is nil"}
	}
	switch {
	case e.GUID == "":
		return &podcast.ValidationError{Field: "episode.guid", Reason: fmt.Sprintf("missing for episode %q", e.ID)}
	case e.EnclosureURL == "":
		return &podcast.ValidationError{Field: "episode.enclosure_url", Reason: fmt.Sprintf("missing for episode %q", e.ID)}
	case e.DurationSeconds <= 0:
		return &podcast.ValidationError{Field: "episode.duration", Reason: fmt.Sprintf("missing for episode %q", e.ID)}
	case e.MimeType == "":
		return &podcast.ValidationError{Field: "episode.mime_type", Reason: fmt.Sprintf("missing for episode %q", e.ID)}
	}
	return nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC1123Z)
}

func formatDuration(seconds int64) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}
