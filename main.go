package main

import (
	"errors"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/cloudflare/tableflip"

	"github.com/omalloc/migux/conf"
	"github.com/omalloc/migux/contrib/config"
	"github.com/omalloc/migux/contrib/config/provider/file"
	"github.com/omalloc/migux/contrib/kratos"
	"github.com/omalloc/migux/contrib/log"
	"github.com/omalloc/migux/server"
)

var (
	id, _ = os.Hostname()

	// flagConf is the config flag.
	flagConf string = "config.yaml"
	// flagVerbose is the verbose flag.
	flagVerbose bool

	// Version is the version of the app.
	Version string = "no-set"
)

func init() {
	flag.StringVar(&flagConf, "c", "config.yaml", "config file path")
	flag.BoolVar(&flagVerbose, "v", false, "enable verbose log")

	log.SetLogger(log.With(log.GetLogger(), "ts", log.Timestamp(time.RFC3339), "pid", os.Getpid()))
}

func main() {
	flag.Parse()
	if flagVerbose {
		log.SetLevel(log.LevelDebug)
		log.SetLogger(log.With(log.NewZap("", log.LevelDebug, 100, 3, 7, false), "ts", log.Timestamp(time.RFC3339), "pid", os.Getpid()))
	}

	bc, err := loadConfig(flagConf)
	if err != nil {
		log.Fatal(err)
	}

	app, err := newApp(bc)
	if err != nil {
		log.Fatal(err)
	}

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig scans flagConf into a Bootstrap. A missing config file falls
// back to a single server listening on 127.0.0.1:8080 rather than aborting
// startup; every other setting is then filled in by conf.Resolve's defaults.
func loadConfig(path string) (*conf.Bootstrap, error) {
	c := config.New[conf.Bootstrap](config.WithSource(file.NewSource(path)))
	defer c.Close()

	bc := &conf.Bootstrap{}
	if err := c.Scan(bc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warnf("config file %s not found, using built-in defaults", path)
			return &conf.Bootstrap{Server: []*conf.Server{{Listen: "127.0.0.1:8080"}}}, nil
		}
		return nil, err
	}
	return bc, nil
}

func newApp(bc *conf.Bootstrap) (*kratos.App, error) {
	stopTimeout := 120 * time.Second

	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        bc.PidFile,
		UpgradeTimeout: stopTimeout,
	})
	if err != nil {
		return nil, err
	}

	// graceful upgrade: only the first-started process owns cleanup of a
	// unix-socket listen address.
	if !flip.HasParent() {
		for _, sv := range bc.Server {
			if strings.HasSuffix(sv.Listen, ".sock") {
				_ = os.Remove(sv.Listen)
			}
		}
	}

	view, err := conf.Resolve(bc)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(flip, view, log.GetLogger())
	if err != nil {
		return nil, err
	}

	return kratos.New(
		kratos.ID(id),
		kratos.Name("migux"),
		kratos.Version(Version),
		kratos.StopTimeout(stopTimeout),
		kratos.Logger(log.GetLogger()),
		kratos.Server(srv),
	), nil
}
