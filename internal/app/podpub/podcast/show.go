// Package podcast holds shows, episodes and the errors shared by the publishing pipeline
package podcast

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Show is a single podcast owned by a user
type Show struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Author      string
	Email       string
	Link        string
	Language    string
	Image       string
	Category    string
	Explicit    bool
	Version     int64
}

// FeedPath returns the fixed object path of the show's feed document
func (s *Show) FeedPath() string {
	return fmt.Sprintf("rss/%s/%s/%s.xml", s.UserID, s.ID, s.ID)
}

// AudioPath returns the object path of an episode's audio
func (s *Show) AudioPath(episodeID, ext string) string {
	return fmt.Sprintf("audio/%s/%s/%s.%s", s.UserID, s.ID, episodeID, ext)
}

// Validate checks fields required to build a feed and to form storage paths
func (s *Show) Validate() error {
	if err := ValidID("id", s.ID); err != nil {
		return err
	}
	if err := ValidID("user", s.UserID); err != nil {
		return err
	}

	required := []struct{ field, value string }{
		{"title", s.Title},
		{"description", s.Description},
		{"author", s.Author},
		{"link", s.Link},
		{"language", s.Language},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: "show." + r.field, Reason: "is required"}
		}
	}
	return nil
}

// ValidID checks that an identifier is safe to use as a path segment
func ValidID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	if !idPattern.MatchString(id) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q has characters outside [A-Za-z0-9_-]", id)}
	}
	return nil
}
