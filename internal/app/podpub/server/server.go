// Package server exposes publishing over http for recorders and scripts
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"podpub/internal/app/podpub/podcast"
	"podpub/internal/app/podpub/proc"
)

const shutdownTimeout = 10 * time.Second

// Server is the http ingest server
type Server struct {
	Listen    string
	Processor *proc.Processor
	MaxSize   int64

	echo *echo.Echo
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type publishResponse struct {
	EpisodeID    string `json:"episode_id"`
	GUID         string `json:"guid"`
	EnclosureURL string `json:"enclosure_url"`
	FeedURL      string `json:"feed_url"`
}

type showResponse struct {
	ID      string `json:"id"`
	User    string `json:"user"`
	Title   string `json:"title"`
	Version int64  `json:"version"`
	FeedURL string `json:"feed_url"`
}

type episodeResponse struct {
	ID           string    `json:"id"`
	GUID         string    `json:"guid"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	EnclosureURL string    `json:"enclosure_url"`
	MimeType     string    `json:"mime_type"`
	Length       int64     `json:"length"`
	Duration     int64     `json:"duration"`
	PublishedAt  time.Time `json:"published_at"`
}

// New makes server with routes and middleware set up
func New(listen string, p *proc.Processor, maxSize int64) *Server {
	if maxSize <= 0 {
		maxSize = proc.DefaultMaxSize
	}
	s := &Server{Listen: listen, Processor: p, MaxSize: maxSize, echo: echo.New()}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.httpErrorHandler

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[DEBUG] %s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())

	s.echo.GET("/shows", s.handleShows)
	s.echo.GET("/shows/:show/episodes", s.handleEpisodes)
	s.echo.POST("/shows/:show/episodes", s.handlePublish)
	return s
}

// Handler returns the http handler of the server
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		log.Printf("[INFO] listen on %s", s.Listen)
		errs <- s.echo.Start(s.Listen)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Printf("[INFO] shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePublish(c echo.Context) error {
	showID := c.Param("show")
	meta := podcast.Metadata{
		Title:       c.QueryParam("title"),
		Description: c.QueryParam("description"),
		MimeType:    c.Request().Header.Get(echo.HeaderContentType),
	}
	if d := c.QueryParam("duration"); d != "" {
		duration, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return &podcast.ValidationError{Field: "duration", Reason: fmt.Sprintf("%q is not a number of seconds", d)}
		}
		meta.DurationSeconds = duration
	}

	audio, err := io.ReadAll(io.LimitReader(c.Request().Body, s.MaxSize+1))
	if err != nil {
		return &podcast.ValidationError{Field: "audio", Reason: fmt.Sprintf("can't read body, %v", err)}
	}
	if int64(len(audio)) > s.MaxSize {
		size := c.Request().ContentLength
		if size < int64(len(audio)) {
			size = int64(len(audio))
		}
		return &podcast.PayloadTooLargeError{Size: size, Limit: s.MaxSize}
	}

	ep, err := s.Processor.Publish(c.Request().Context(), showID, audio, meta)
	if err != nil {
		return err
	}

	show, err := s.Processor.Catalog.GetShow(showID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, publishResponse{
		EpisodeID:    ep.ID,
		GUID:         ep.GUID,
		EnclosureURL: ep.EnclosureURL,
		FeedURL:      s.Processor.Storage.URL(show.FeedPath()),
	})
}

func (s *Server) handleShows(c echo.Context) error {
	shows, err := s.Processor.Shows()
	if err != nil {
		return err
	}
	res := make([]showResponse, 0, len(shows))
	for _, show := range shows {
		res = append(res, showResponse{
			ID:      show.ID,
			User:    show.UserID,
			Title:   show.Title,
			Version: show.Version,
			FeedURL: s.Processor.Storage.URL(show.FeedPath()),
		})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleEpisodes(c echo.Context) error {
	episodes, err := s.Processor.Episodes(c.Param("show"))
	if err != nil {
		return err
	}
	res := make([]episodeResponse, 0, len(episodes))
	for _, ep := range episodes {
		res = append(res, episodeResponse{
			ID:           ep.ID,
			GUID:         ep.GUID,
			Title:        ep.Title,
			Description:  ep.Description,
			EnclosureURL: ep.EnclosureURL,
			MimeType:     ep.MimeType,
			Length:       ep.ByteLength,
			Duration:     ep.DurationSeconds,
			PublishedAt:  ep.PublishedAt,
		})
	}
	return c.JSON(http.StatusOK, res)
}

// httpErrorHandler renders pipeline errors as json with a status matching the error kind
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorResponse{Error: http.StatusText(he.Code), Message: fmt.Sprint(he.Message)})
		return
	}

	kind := podcast.Kind(err)
	code := statusOf(kind)
	if code >= http.StatusInternalServerError {
		log.Printf("[WARN] %s %s failed, %v", c.Request().Method, c.Request().URL.Path, err)
	}
	_ = c.JSON(code, errorResponse{Error: kind, Message: err.Error()})
}

func statusOf(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "payload_too_large":
		return http.StatusRequestEntityTooLarge
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "storage_transient":
		return http.StatusServiceUnavailable
	case "storage_permanent":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
