package proc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/go-pkgz/lgr"

	"podpub/internal/app/podpub/media"
	"podpub/internal/app/podpub/podcast"
)

// publishedDir is the inbox subfolder published files are moved to
const publishedDir = "published"

// Files for work with inbox folders of audio waiting to be published
type Files struct {
}

// InboxFile is an audio file found in an inbox folder
type InboxFile struct {
	Path     string
	Name     string
	MimeType string
	Size     int64
}

// FindEpisodes in folder and come back sorted by file name. Hidden files, folders
// and files without a known audio extension are skipped.
func (f *Files) FindEpisodes(folderName string) ([]InboxFile, error) {
	entities, err := os.ReadDir(folderName)
	if err != nil {
		return nil, fmt.Errorf("scan folder %s: %w", folderName, err)
	}

	result := make([]InboxFile, 0, len(entities))
	for _, entity := range entities {
		if entity.IsDir() || strings.HasPrefix(entity.Name(), ".") {
			continue
		}
		mimeType, ok := media.TypeByExtension(filepath.Ext(entity.Name()))
		if !ok {
			log.Printf("[DEBUG] skip %s in %s, not audio", entity.Name(), folderName)
			continue
		}

		entityInfo, err := entity.Info()
		if err != nil {
			return nil, fmt.Errorf("get file info %s in %s: %w", entity.Name(), folderName, err)
		}
		result = append(result, InboxFile{
			Path:     filepath.Join(folderName, entity.Name()),
			Name:     entity.Name(),
			MimeType: mimeType,
			Size:     entityInfo.Size(),
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// MarkPublished moves the file to the published subfolder of its inbox
func (f *Files) MarkPublished(file InboxFile) error {
	dir := filepath.Join(filepath.Dir(file.Path), publishedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.Rename(file.Path, filepath.Join(dir, file.Name)); err != nil {
		return fmt.Errorf("move %s: %w", file.Path, err)
	}
	return nil
}

// Update publishes audio files waiting in the folder to the show, one by one in name order.
// Rejected files stay in the inbox, a storage failure stops the scan.
func (p *Processor) Update(ctx context.Context, folderName, showID string) (int64, error) {
	files, err := p.Files.FindEpisodes(folderName)
	if err != nil {
		return 0, err
	}

	var countNew int64
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return countNew, err
		}

		audio, err := os.ReadFile(file.Path)
		if err != nil {
			return countNew, fmt.Errorf("read %s: %w", file.Path, err)
		}
		meta := podcast.Metadata{MimeType: file.MimeType}
		if file.MimeType != "audio/mpeg" {
			// mp3 files carry their own title in the ID3 tag
			meta.Title = strings.TrimSuffix(file.Name, filepath.Ext(file.Name))
		}

		ep, err := p.Publish(ctx, showID, audio, meta)
		if err != nil {
			switch podcast.Kind(err) {
			case "validation", "payload_too_large", "conflict":
				log.Printf("[WARN] skip %s for %s, %v", file.Path, showID, err)
				continue
			}
			return countNew, fmt.Errorf("publish %s: %w", file.Path, err)
		}
		countNew++

		if err := p.Files.MarkPublished(file); err != nil {
			// a file left in the inbox is published again on the next scan
			return countNew, err
		}
		log.Printf("[DEBUG] %s published as %s", file.Name, ep.ID)
	}
	return countNew, nil
}
