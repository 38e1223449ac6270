// Package media detects audio formats and reads what can be learned from the bytes themselves
package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/gabriel-vasile/mimetype"
	log "github.com/go-pkgz/lgr"
	"github.com/tcolgate/mp3"
)

// ErrUnknownDuration is returned when the duration can't be derived from the payload
var ErrUnknownDuration = errors.New("duration can't be derived from payload")

// extensions maps normalized mime types to file extensions
var extensions = map[string]string{
	"audio/wav":  "wav",
	"audio/mpeg": "mp3",
	"audio/mp4":  "m4a",
	"audio/aac":  "aac",
	"audio/ogg":  "ogg",
	"audio/flac": "flac",
}

var aliases = map[string]string{
	"audio/x-wav":     "audio/wav",
	"audio/wave":      "audio/wav",
	"audio/vnd.wave":  "audio/wav",
	"audio/mp3":       "audio/mpeg",
	"audio/x-mp3":     "audio/mpeg",
	"audio/x-m4a":     "audio/mp4",
	"audio/m4a":       "audio/mp4",
	"audio/x-aac":     "audio/aac",
	"application/ogg": "audio/ogg",
	"audio/x-flac":    "audio/flac",
}

// Normalize lower-cases a mime type, strips parameters and resolves aliases
func Normalize(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if a, ok := aliases[mt]; ok {
		return a
	}
	return mt
}

// Extension returns the file extension for a supported mime type
func Extension(mimeType string) (string, bool) {
	ext, ok := extensions[Normalize(mimeType)]
	return ext, ok
}

// TypeByExtension returns the mime type of a supported audio file extension, with or without the dot
func TypeByExtension(ext string) (string, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for mt, e := range extensions {
		if e == ext {
			return mt, true
		}
	}
	return "", false
}

// Detect sniffs the mime type of an audio payload, empty string if it is not audio we know
func Detect(data []byte) string {
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if n := Normalize(mt.String()); n != "" {
			if _, ok := extensions[n]; ok {
				return n
			}
		}
	}
	return ""
}

// Duration returns the audio duration in whole seconds, rounded to the nearest second
func Duration(data []byte, mimeType string) (int64, error) {
	switch Normalize(mimeType) {
	case "audio/wav":
		return wavDuration(data)
	case "audio/mpeg":
		return mp3Duration(data)
	}
	return 0, ErrUnknownDuration
}

// wavDuration walks RIFF chunks to find fmt byte rate and data size
func wavDuration(data []byte) (int64, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a RIFF/WAVE payload: %w", ErrUnknownDuration)
	}

	var byteRate uint32
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		body := pos + 8
		switch id {
		case "fmt ":
			if body+12 > len(data) {
				return 0, fmt.Errorf("truncated fmt chunk: %w", ErrUnknownDuration)
			}
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
		case "data":
			if byteRate == 0 {
				return 0, fmt.Errorf("data chunk before fmt: %w", ErrUnknownDuration)
			}
			// streaming writers leave the size unset, trust the payload length then
			if size == 0 || size == math.MaxUint32 || body+int(size) > len(data) {
				size = uint32(len(data) - body)
			}
			return int64(math.Round(float64(size) / float64(byteRate))), nil
		}
		pos = body + int(size) + int(size&1)
	}
	return 0, fmt.Errorf("no data chunk: %w", ErrUnknownDuration)
}

func mp3Duration(data []byte) (int64, error) {
	dec := mp3.NewDecoder(bytes.NewReader(data[id3Size(data):]))
	var (
		frame   mp3.Frame
		skipped int
		total   float64
		frames  int
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if frames == 0 {
				return 0, fmt.Errorf("decode mp3 frame: %w", err)
			}
			log.Printf("[DEBUG] stop mp3 walk after %d frames, %v", frames, err)
			break
		}
		frames++
		total += frame.Duration().Seconds()
	}
	if frames == 0 {
		return 0, fmt.Errorf("no mp3 frames: %w", ErrUnknownDuration)
	}
	return int64(math.Round(total)), nil
}

// id3Size returns the length of a leading ID3v2 tag including header and footer
func id3Size(data []byte) int {
	if len(data) < 10 || string(data[0:3]) != "ID3" {
		return 0
	}
	size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
	size += 10
	if data[5]&0x10 != 0 {
		size += 10
	}
	if size > len(data) {
		return len(data)
	}
	return size
}

// Tags holds ID3 text frames we read and write
type Tags struct {
	Title  string
	Artist string
	Album  string
}

// ReadTags reads ID3v2 text frames of an mp3 payload
func ReadTags(data []byte) (Tags, error) {
	tag, err := id3v2.ParseReader(bytes.NewReader(data), id3v2.Options{Parse: true})
	if err != nil {
		return Tags{}, fmt.Errorf("parse id3 tag: %w", err)
	}
	defer tag.Close()
	return Tags{Title: tag.Title(), Artist: tag.Artist(), Album: tag.Album()}, nil
}

// WriteTags returns the mp3 payload with its ID3v2 tag replaced by one carrying the given frames.
// Empty values keep what the existing tag has.
func WriteTags(data []byte, tags Tags) ([]byte, error) {
	tag, err := id3v2.ParseReader(bytes.NewReader(data), id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("parse id3 tag: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}
	if tags.Album != "" {
		tag.SetAlbum(tags.Album)
	}

	var buf bytes.Buffer
	if _, err := tag.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write id3 tag: %w", err)
	}
	buf.Write(data[id3Size(data):])
	return buf.Bytes(), nil
}
