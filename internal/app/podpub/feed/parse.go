package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

// Document is the subset of a feed needed to check what it references
type Document struct {
	Title   string
	Link    string
	SelfURL string
	Items   []Item
}

// Item is a parsed feed entry
type Item struct {
	GUID          string
	Title         string
	EnclosureURL  string
	EnclosureType string
	Length        int64
	PublishedAt   time.Time
}

type parsedRSS struct {
	Channel struct {
		Title string `xml:"title"`
		// atom:link has to be matched before the plain link field
		Self struct {
			Href string `xml:"href,attr"`
		} `xml:"http://www.w3.org/2005/Atom link"`
		Link  string `xml:"link"`
		Items []struct {
			Title     string `xml:"title"`
			GUID      string `xml:"guid"`
			PubDate   string `xml:"pubDate"`
			Enclosure struct {
				URL    string `xml:"url,attr"`
				Length int64  `xml:"length,attr"`
				Type   string `xml:"type,attr"`
			} `xml:"enclosure"`
		} `xml:"item"`
	} `xml:"channel"`
}

// Parse reads a feed document
func Parse(data []byte) (*Document, error) {
	var p parsedRSS
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	doc := &Document{Title: p.Channel.Title, Link: p.Channel.Link, SelfURL: p.Channel.Self.Href, Items: make([]Item, 0, len(p.Channel.Items))}
	for _, it := range p.Channel.Items {
		pub, err := time.Parse(time.RFC1123Z, it.PubDate)
		if err != nil {
			return nil, fmt.Errorf("item %q has bad pubDate %q: %w", it.GUID, it.PubDate, err)
		}
		doc.Items = append(doc.Items, Item{
			GUID:          it.GUID,
			Title:         it.Title,
			EnclosureURL:  it.Enclosure.URL,
			EnclosureType: it.Enclosure.Type,
			Length:        it.Enclosure.Length,
			PublishedAt:   pub.UTC(),
		})
	}
	return doc, nil
}

// HasGUID tells whether the document contains an item with the given guid
func (d *Document) HasGUID(guid string) bool {
	for _, it := range d.Items {
		if it.GUID == guid {
			return true
		}
	}
	return false
}
