// Command cdsretrieve submits a retrieval request to a data-retrieval
// backend, waits for the job and downloads the result.
//
//	cdsretrieve retrieve reanalysis-era5-single-levels request.json -t era5.grib
//	cdsretrieve download https://host/file.grib 1048576 -t file.grib
//	cdsretrieve config
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/adamwoolhether/cdsapi/client"
	"github.com/adamwoolhether/cdsapi/client/publish"
	"github.com/adamwoolhether/cdsapi/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(ctx, os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		stop()
		os.Exit(1)
	}
}

var clientFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "url",
		Usage: "backend `URL` (default: $CDSAPI_URL or .cdsapirc)",
	},
	cli.StringFlag{
		Name:  "key",
		Usage: "API `KEY`, either <id>:<secret> or a token (default: $CDSAPI_KEY or .cdsapirc)",
	},
	cli.BoolFlag{
		Name:  "insecure",
		Usage: "skip TLS certificate verification",
	},
	cli.StringFlag{
		Name:  "settings, s",
		Usage: "YAML `FILE` with client tuning",
	},
	cli.DurationFlag{
		Name:  "timeout",
		Usage: "per-request `TIMEOUT`",
	},
	cli.IntFlag{
		Name:  "retry-max",
		Usage: "attempt budget for polling and for the download",
	},
	cli.DurationFlag{
		Name:  "sleep-max",
		Usage: "backoff ceiling",
	},
	cli.BoolFlag{
		Name:  "quiet, q",
		Usage: "only log warnings and errors",
	},
	cli.BoolFlag{
		Name:  "json-log",
		Usage: "log as JSON",
	},
}

func newApp(ctx context.Context, stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "cdsretrieve"
	app.Usage = "Retrieve datasets from a job-oriented data-retrieval service"
	app.Version = client.Version
	app.Writer = stdout
	app.ErrWriter = stderr

	app.Commands = cli.Commands{
		cli.Command{
			Name:      "retrieve",
			Usage:     "Submit a request, wait for it and download the result",
			ArgsUsage: "DATASET REQUEST_FILE",
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "target, t",
					Usage: "`PATH` to download to (default: name from the download URL)",
				},
				cli.BoolFlag{
					Name:  "no-download",
					Usage: "only print the resolved file",
				},
				cli.BoolFlag{
					Name:  "no-wait",
					Usage: "do not poll; legacy keys only",
				},
				cli.StringFlag{
					Name:  "publish",
					Usage: "copy the download into the bucket at `URL` (file://, mem://, s3://, gs://)",
				},
				cli.StringFlag{
					Name:  "publish-prefix",
					Usage: "object key `PREFIX` for --publish",
				},
			}, clientFlags...),
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return errors.New("retrieve needs DATASET and REQUEST_FILE")
				}

				request, err := readRequest(c.Args().Get(1))
				if err != nil {
					return err
				}

				extra := []client.Option{}
				if c.Bool("no-wait") {
					extra = append(extra, client.WithWaitUntilComplete(false))
				}
				cl, err := buildClient(c, stderr, extra...)
				if err != nil {
					return err
				}

				var opts []client.RetrieveOption
				if !c.Bool("no-download") {
					opts = append(opts, client.WithTarget(c.String("target")))
				}

				if u := c.String("publish"); u != "" {
					if c.Bool("no-download") {
						return errors.New("--publish cannot be combined with --no-download")
					}
					bkt, err := publish.Open(ctx, u)
					if err != nil {
						return err
					}
					defer bkt.Close()

					opts = append(opts, client.WithPublish(publish.Target{
						Bucket:       bkt,
						Prefix:       c.String("publish-prefix"),
						SkipExisting: true,
					}))
				}

				file, err := cl.Retrieve(ctx, c.Args().First(), request, opts...)
				if err != nil {
					return err
				}

				return printFile(stdout, file)
			},
		},
		cli.Command{
			Name:      "download",
			Usage:     "Download a previously resolved file",
			ArgsUsage: "URL SIZE",
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "target, t",
					Usage: "`PATH` to download to (default: name from URL)",
				},
			}, clientFlags...),
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return errors.New("download needs URL and SIZE")
				}

				size, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
				if err != nil || size < 0 {
					return fmt.Errorf("invalid SIZE %q", c.Args().Get(1))
				}

				cl, err := buildClient(c, stderr)
				if err != nil {
					return err
				}

				path, err := cl.Download(ctx, client.RemoteFile{Location: c.Args().First(), ContentLength: size}, c.String("target"))
				if err != nil {
					return err
				}

				fmt.Fprintln(stdout, path)
				return nil
			},
		},
		cli.Command{
			Name:  "config",
			Usage: "Print the resolved configuration with the key redacted",
			Flags: clientFlags,
			Action: func(c *cli.Context) error {
				cfg, err := config.Resolve(c.String("url"), c.String("key"), verifyFlag(c))
				if err != nil {
					return err
				}

				cred := client.ParseCredential(cfg.Key)
				fmt.Fprintf(stdout, "url: %s\nkey: %s\nverify: %t\nprotocol: %s\n", cfg.URL, cred, cfg.Verify, cred.Protocol())
				return nil
			},
		},
	}

	return app
}

func verifyFlag(c *cli.Context) *bool {
	if !c.Bool("insecure") {
		return nil
	}
	v := false
	return &v
}

func buildClient(c *cli.Context, stderr io.Writer, extra ...client.Option) (*client.Client, error) {
	level := slog.LevelInfo
	if c.Bool("quiet") {
		level = slog.LevelWarn
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(stderr, hopts)
	if c.Bool("json-log") {
		handler = slog.NewJSONHandler(stderr, hopts)
	}

	var opts []client.Option
	if path := c.String("settings"); path != "" {
		s, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSettings(s))
	}

	opts = append(opts, client.WithLogger(slog.New(handler)))
	if v := c.String("url"); v != "" {
		opts = append(opts, client.WithURL(v))
	}
	if v := c.String("key"); v != "" {
		opts = append(opts, client.WithKey(v))
	}
	if v := verifyFlag(c); v != nil {
		opts = append(opts, client.WithVerify(*v))
	}
	if c.IsSet("timeout") {
		opts = append(opts, client.WithTimeout(c.Duration("timeout")))
	}
	if c.IsSet("retry-max") {
		opts = append(opts, client.WithRetryMax(c.Int("retry-max")))
	}
	if c.IsSet("sleep-max") {
		opts = append(opts, client.WithSleepMax(c.Duration("sleep-max")))
	}
	if c.Bool("quiet") {
		opts = append(opts, client.WithProgress(false))
	}

	return client.Build(append(opts, extra...)...)
}

func readRequest(path string) (map[string]any, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var request map[string]any
	if err := json.NewDecoder(r).Decode(&request); err != nil {
		return nil, fmt.Errorf("decoding request %s: %w", path, err)
	}
	return request, nil
}

func printFile(w io.Writer, file client.RemoteFile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"location":       file.Location,
		"content_length": file.ContentLength,
		"content_type":   file.ContentType,
	})
}

// describe renders err for the terminal, with remediation advice for API errors.
func describe(err error) string {
	var se *client.UnexpectedStatusError
	if errors.As(err, &se) {
		return se.Remediation()
	}
	return fmt.Sprintf("%s: %v", client.KindOf(err), err)
}
