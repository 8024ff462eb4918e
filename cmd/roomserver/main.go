package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mossy-p/roomserver/config"
	"github.com/mossy-p/roomserver/internal/logger"
	"github.com/mossy-p/roomserver/internal/metrics"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to a YAML config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"ROOMSERVER_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "port",
		Usage: "HTTP port, overrides the config",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and uses the console formatter",
	},
}

func main() {
	app := &cli.App{
		Name:        "roomserver",
		Usage:       "multi-tenant media room server",
		Description: "run without subcommands to start the server",
		Flags:       baseFlags,
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "create-auth-token",
				Usage:  "create an auth token for development use",
				Action: createAuthToken,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "username",
						Usage:    "username the token identifies",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "role",
						Usage: "admin, user or guest",
						Value: "user",
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "token lifetime, 0 for no expiry",
					},
				}, baseFlags...),
			},
			{
				Name:   "create-room-token",
				Usage:  "create a room token for development use",
				Action: createRoomToken,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "room",
						Usage: "room id, generated when omitted",
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "token lifetime, 0 for no expiry",
					},
				}, baseFlags...),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	var (
		conf *config.Config
		err  error
	)
	switch {
	case c.String("config-body") != "":
		conf, err = config.LoadBody(c.String("config-body"))
	case c.String("config") != "":
		conf, err = config.LoadFile(c.String("config"))
	default:
		conf = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if port := c.String("port"); port != "" {
		conf.Port = port
	}
	if c.Bool("dev") {
		conf.Environment = "development"
		conf.Logging.Level = "debug"
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	log, err := logger.New(conf.IsProduction(), conf.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	metrics.Init()

	server, err := newServer(conf, log)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}
