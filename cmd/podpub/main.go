package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"podpub/internal/app/podpub"
	"podpub/internal/app/podpub/media"
	"podpub/internal/app/podpub/podcast"
	"podpub/internal/app/podpub/server"
	"podpub/internal/configs"
)

const fallbackConf = "configs/podpub.yml"

var opts struct {
	Conf string `short:"c" long:"conf" env:"PODPUB_CONF" default:"podpub.yml" description:"config file (yml)"`
	Dbg  bool   `long:"dbg" env:"DEBUG" description:"show debug info"`

	Publish  publishCmd  `command:"publish" description:"publish audio file as a new episode"`
	Scan     scanCmd     `command:"scan" description:"publish new audio files from show folders"`
	Serve    serveCmd    `command:"serve" description:"run http ingest server"`
	Rebuild  rebuildCmd  `command:"rebuild" description:"upload show feed built from the catalog"`
	Episodes episodesCmd `command:"episodes" description:"list published episodes of a show"`
	Shows    showsCmd    `command:"shows" description:"list shows"`
}

type publishCmd struct {
	Show        string `short:"s" long:"show" required:"true" description:"show id"`
	Title       string `short:"t" long:"title" description:"episode title"`
	Description string `short:"d" long:"description" description:"episode description"`
	Mime        string `short:"m" long:"mime" description:"audio mime type, by file extension if not set"`
	Duration    int64  `long:"duration" description:"duration in seconds, probed if not set"`
	Args        struct {
		File string `positional-arg-name:"FILE" required:"yes"`
	} `positional-args:"yes"`
}

type scanCmd struct{}

type serveCmd struct {
	Listen    string        `short:"l" long:"listen" env:"PODPUB_LISTEN" description:"listen address, server.listen if not set"`
	ScanEvery time.Duration `long:"scan-every" env:"PODPUB_SCAN_EVERY" description:"scan show folders periodically"`
}

type rebuildCmd struct {
	Show string `short:"s" long:"show" required:"true" description:"show id"`
}

type episodesCmd struct {
	Show string `short:"s" long:"show" required:"true" description:"show id"`
}

type showsCmd struct{}

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFunc, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}

func checkFileExists(fileName string) bool {
	if _, err := os.Stat(fileName); errors.Is(err, os.ErrNotExist) {
		return false
	}
	return true
}

// loadApp reads config and makes the app, the caller closes it
func loadApp(ctx context.Context) (*podpub.App, *configs.Conf, error) {
	setupLog(opts.Dbg)

	configFile := opts.Conf
	if !checkFileExists(configFile) {
		configFile = fallbackConf
		if !checkFileExists(configFile) {
			return nil, nil, fmt.Errorf("config file %s not found", opts.Conf)
		}
	}

	conf, err := configs.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("can't load config %s: %w", configFile, err)
	}
	if err = conf.Validate(); err != nil {
		return nil, nil, fmt.Errorf("bad config %s: %w", configFile, err)
	}
	log.Printf("[DEBUG] loaded config %s, %d shows", configFile, len(conf.Shows))

	processor, err := podpub.NewProcessor(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	app, err := podpub.NewApplication(conf, processor)
	if err != nil {
		_ = processor.Catalog.Close()
		return nil, nil, err
	}
	return app, conf, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func closeApp(app *podpub.App) {
	if err := app.Close(); err != nil {
		log.Printf("[WARN] can't close catalog, %v", err)
	}
}

// Execute publishes one file
func (c *publishCmd) Execute(_ []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	app, _, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	audio, err := os.ReadFile(c.Args.File)
	if err != nil {
		return fmt.Errorf("can't read %s: %w", c.Args.File, err)
	}
	meta := podcast.Metadata{Title: c.Title, Description: c.Description, MimeType: c.Mime, DurationSeconds: c.Duration}
	if meta.MimeType == "" {
		meta.MimeType, _ = media.TypeByExtension(filepath.Ext(c.Args.File))
	}

	ep, err := app.Processor().Publish(ctx, c.Show, audio, meta)
	if err != nil {
		return fmt.Errorf("can't publish %s to %s (%s): %w", c.Args.File, c.Show, podcast.Kind(err), err)
	}
	log.Printf("[INFO] %s is live at %s", ep.ID, ep.EnclosureURL)
	fmt.Println(ep.ID)
	return nil
}

// Execute publishes inbox folders of all shows
func (c *scanCmd) Execute(_ []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	app, _, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	countNew := app.Update(ctx)
	log.Printf("[INFO] scan done, %d new episodes", countNew)
	return nil
}

// Execute runs the http server and the optional periodic scan until interrupted
func (c *serveCmd) Execute(_ []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	app, conf, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	listen := c.Listen
	if listen == "" {
		listen = conf.Server.Listen
	}
	srv := server.New(listen, app.Processor(), int64(conf.Ingest.MaxSize))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(ctx)
	})

	if c.ScanEvery > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(c.ScanEvery)
			defer ticker.Stop()
			for {
				app.Update(ctx)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("[INFO] gracefully stopped")
	return nil
}

// Execute uploads the feed again
func (c *rebuildCmd) Execute(_ []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	app, _, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	return app.Processor().Rebuild(ctx, c.Show)
}

// Execute prints published episodes
func (c *episodesCmd) Execute(_ []string) error {
	app, _, err := loadApp(context.Background())
	if err != nil {
		return err
	}
	defer closeApp(app)

	episodes, err := app.Processor().Episodes(c.Show)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(episodes))
	for _, ep := range episodes {
		rows = append(rows, []string{ep.ID, ep.PublishedAt.Format(time.RFC3339),
			(time.Duration(ep.DurationSeconds) * time.Second).String(), humanize.Bytes(uint64(ep.ByteLength)), ep.Title})
	}
	fmt.Println(renderTable([]string{"ID", "Published", "Duration", "Size", "Title"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft}, !stdoutIsTerminal()))
	return nil
}

// Execute prints shows with their feed urls
func (c *showsCmd) Execute(_ []string) error {
	app, _, err := loadApp(context.Background())
	if err != nil {
		return err
	}
	defer closeApp(app)

	shows, err := app.Processor().Shows()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(shows))
	for _, s := range shows {
		rows = append(rows, []string{s.ID, strconv.FormatInt(s.Version, 10), s.Title, app.Processor().Storage.URL(s.FeedPath())})
	}
	fmt.Println(renderTable([]string{"ID", "Version", "Title", "Feed"}, rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft}, !stdoutIsTerminal()))
	return nil
}
