// Package configs for work with configurations
package configs

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"podpub/internal/app/podpub/podcast"
)

// Defaults for omitted fields
const (
	DefaultCatalogPath = "var/podpub.bdb"
	DefaultListen      = ":8080"
	DefaultMaxSize     = Size(512 << 20)
)

// Conf for config yaml
type Conf struct {
	Shows        map[string]Show `yaml:"shows"`
	CloudStorage struct {
		Type        string `yaml:"type"`
		EndPointURL string `yaml:"endpoint_url"`
		Bucket      string `yaml:"bucket"`
		Region      string `yaml:"region"`
		Secure      *bool  `yaml:"secure"`
		PublicURL   string `yaml:"public_url"`
		Secrets     struct {
			Key    string `yaml:"aws_key"`
			Secret string `yaml:"aws_secret"`
		} `yaml:"secrets"`
		Local struct {
			Root    string `yaml:"root"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"local"`
	} `yaml:"cloud_storage"`
	Catalog struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"catalog"`
	Ingest struct {
		MaxSize  Size `yaml:"max_size"`
		TagAudio bool `yaml:"tag_audio"`
	} `yaml:"ingest"`
	Publish struct {
		AudioRetry Retry  `yaml:"audio_retry"`
		FeedRetry  Retry  `yaml:"feed_retry"`
		LockDir    string `yaml:"lock_dir"`
		VerifyFeed bool   `yaml:"verify_feed"`
	} `yaml:"publish"`
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
}

// Show defines show section, the map key is the show id
type Show struct {
	User        string `yaml:"user"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Email       string `yaml:"email"`
	Link        string `yaml:"link"`
	Language    string `yaml:"language"`
	Image       string `yaml:"image"`
	Category    string `yaml:"category"`
	Explicit    bool   `yaml:"explicit"`
	Folder      string `yaml:"folder"`
}

// Retry defines a retry policy, zero attempts means the built-in policy
type Retry struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// Size is a byte count written the human way, like 512MiB or 200 MB
type Size int64

// UnmarshalYAML parses human sizes with go-humanize
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*s = Size(n)
	return nil
}

// Load config from file and fill defaults
func Load(fileName string) (res *Conf, err error) {
	res = &Conf{}
	data, err := os.ReadFile(fileName) // nolint
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, err
	}
	res.setDefaults()
	return res, nil
}

func (c *Conf) setDefaults() {
	if c.CloudStorage.Type == "" {
		c.CloudStorage.Type = "s3"
	}
	if c.CloudStorage.Secure == nil {
		secure := true
		c.CloudStorage.Secure = &secure
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "bolt"
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = DefaultCatalogPath
	}
	if c.Ingest.MaxSize == 0 {
		c.Ingest.MaxSize = DefaultMaxSize
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
}

// Validate checks the loaded config is usable
func (c *Conf) Validate() error {
	if len(c.Shows) == 0 {
		return fmt.Errorf("no shows configured")
	}
	for id := range c.Shows {
		if err := c.ToShow(id).Validate(); err != nil {
			return fmt.Errorf("show %s: %w", id, err)
		}
	}

	switch c.CloudStorage.Type {
	case "s3":
		if c.CloudStorage.EndPointURL == "" || c.CloudStorage.Bucket == "" {
			return fmt.Errorf("cloud_storage: endpoint_url and bucket are required for s3")
		}
	case "local":
		if c.CloudStorage.Local.Root == "" {
			return fmt.Errorf("cloud_storage: local.root is required for local storage")
		}
	default:
		return fmt.Errorf("cloud_storage: unknown type %q", c.CloudStorage.Type)
	}

	if c.Catalog.Driver != "bolt" && c.Catalog.Driver != "sqlite" {
		return fmt.Errorf("catalog: unknown driver %q", c.Catalog.Driver)
	}
	for name, r := range map[string]Retry{"audio_retry": c.Publish.AudioRetry, "feed_retry": c.Publish.FeedRetry} {
		if r.Attempts < 0 || r.BaseDelay < 0 || r.MaxDelay < 0 {
			return fmt.Errorf("publish: %s can't be negative", name)
		}
	}
	return nil
}

// ToShow makes show metadata of the configured show id
func (c *Conf) ToShow(id string) *podcast.Show {
	s := c.Shows[id]
	return &podcast.Show{
		ID:          id,
		UserID:      s.User,
		Title:       s.Title,
		Description: s.Description,
		Author:      s.Author,
		Email:       s.Email,
		Link:        s.Link,
		Language:    s.Language,
		Image:       s.Image,
		Category:    s.Category,
		Explicit:    s.Explicit,
	}
}
