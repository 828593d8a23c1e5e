// Program dealer is a command-line client for dealer backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/raskyld/dealer"
	"github.com/raskyld/dealer/pkg/discovery"
	"github.com/raskyld/dealer/pkg/storage"
)

var flags struct {
	Config string        `flag:"config,default=dealer.yaml,Configuration file"`
	Debug  bool          `flag:"debug,Enable debug logging"`
	Wait   time.Duration `flag:"wait,default=30s,How long to wait for responses"`
}

var policyFlags struct {
	Timeout    float64 `flag:"timeout,default=-1,Seconds to wait for an ack (negative: service default)"`
	Deadline   float64 `flag:"deadline,default=-1,Seconds to complete the request (negative: service default)"`
	Retries    int     `flag:"retries,default=-1,Maximum number of retries (negative: service default)"`
	Persistent bool    `flag:"persistent,Commit the message to storage until it completes"`
	Urgent     bool    `flag:"urgent,Mark the message as urgent"`
}

var hostsFlags struct {
	Port int `flag:"port,Port of hosts listed without one (default 5000)"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Send requests to dealer backends.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "send",
				Usage: "<service>/<handle> <payload>",
				Help: `Send a payload to a handle and print the chunks of the response.

Each chunk is printed on its own line. The policy of the service in the
configuration file applies unless overridden by flags.`,
				SetFlags: command.Flags(flax.MustBind, &policyFlags),
				Run:      runSend(false),
			},
			{
				Name:  "broadcast",
				Usage: "<pattern>/<handle> <payload>",
				Help: `Send a payload to the handle of every service matching pattern.

The pattern is a regular expression matched against whole service names.
Chunks are prefixed by the name of the service that sent them.`,
				SetFlags: command.Flags(flax.MustBind, &policyFlags),
				Run:      runSend(true),
			},
			{
				Name:     "hosts",
				Usage:    "<file-or-url>",
				Help:     "Fetch and print a host list the way discovery reads it.",
				SetFlags: command.Flags(flax.MustBind, &hostsFlags),
				Run:      runHosts,
			},
			{
				Name:  "stored",
				Usage: "[service]",
				Help:  "List the persistent messages waiting in storage.",
				Run:   runStored,
			},
			{
				Name:  "resend",
				Usage: "[service]",
				Help:  "Send again the persistent messages waiting in storage.",
				Run:   runResend,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newClient() (*dealer.Client, error) {
	level := slog.LevelWarn
	if flags.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return dealer.NewFromConfig(flags.Config, dealer.WithLog(handler), dealer.WithMetricSink(nil))
}

func runSend(many bool) func(*command.Env) error {
	return func(env *command.Env) error {
		if len(env.Args) != 2 {
			return env.Usagef("want a path and a payload")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), flags.Wait)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}

		service, _, _ := strings.Cut(env.Args[0], "/")
		policy, err := overridePolicy(c, service, many)
		if err != nil {
			return err
		}
		payload := []byte(env.Args[1])

		if !many {
			resp, err := c.Send(env.Args[0], payload, policy)
			if err != nil {
				return err
			}
			return printResponse(ctx, "", resp)
		}

		responses, sendErr := c.SendMany(env.Args[0], payload, policy)
		var errs []error
		for _, resp := range responses {
			if err := printResponse(ctx, resp.Path().Service+": ", resp); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", resp.Path(), err))
			}
		}
		return errors.Join(append(errs, sendErr)...)
	}
}

// overridePolicy returns nil when no flag changes the default policy of
// service. A pattern has no single default, flags apply to a zero policy.
func overridePolicy(c *dealer.Client, service string, many bool) (*dealer.Policy, error) {
	pf := policyFlags
	if pf.Timeout < 0 && pf.Deadline < 0 && pf.Retries < 0 && !pf.Persistent && !pf.Urgent {
		return nil, nil
	}
	var policy dealer.Policy
	if !many {
		var err error
		if policy, err = c.PolicyFor(service); err != nil {
			return nil, err
		}
	}
	if pf.Timeout >= 0 {
		policy.Timeout = pf.Timeout
	}
	if pf.Deadline >= 0 {
		policy.Deadline = pf.Deadline
	}
	if pf.Retries >= 0 {
		policy.MaxRetries = pf.Retries
	}
	policy.Persistent = policy.Persistent || pf.Persistent
	policy.Urgent = policy.Urgent || pf.Urgent
	return &policy, nil
}

func printResponse(ctx context.Context, prefix string, resp *dealer.Response) error {
	for {
		chunk, err := resp.Next(ctx)
		if errors.Is(err, dealer.ErrResponseDone) {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Printf("%s%s\n", prefix, chunk)
	}
}

func runHosts(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("want a file or a URL")
	}
	var fetcher discovery.Fetcher
	if loc := env.Args[0]; strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		fetcher = discovery.NewHTTP(loc, nil, hostsFlags.Port)
	} else {
		fetcher = discovery.NewFile(loc, hostsFlags.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.Wait)
	defer cancel()
	eps, _, err := fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		fmt.Println(ep.Address)
	}
	return nil
}

// storedMessages reads the store without starting a client, so listing
// does not depend on backends being reachable.
func storedMessages(env *command.Env) ([]*dealer.Message, error) {
	if len(env.Args) > 1 {
		return nil, env.Usagef("extra arguments: %q", env.Args[1:])
	}
	cfg, err := dealer.LoadConfig(flags.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Type != "dir" {
		return nil, fmt.Errorf("%w: %s has no dir storage", dealer.ErrNoStorage, flags.Config)
	}
	store, err := storage.OpenDir(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	var service string
	if len(env.Args) == 1 {
		service = env.Args[0]
	}
	return dealer.StoredMessages(store, service)
}

func runStored(env *command.Env) error {
	msgs, err := storedMessages(env)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		fmt.Printf("%s\t%s\t%s\t%d bytes\n",
			msg.UUID(), msg.Path(), msg.EnqueuedAt().Format(time.RFC3339), msg.Size())
	}
	return nil
}

func runResend(env *command.Env) error {
	msgs, err := storedMessages(env)
	if err != nil || len(msgs) == 0 {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.Wait)
	defer cancel()
	if err := c.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	var errs []error
	for _, msg := range msgs {
		resp, err := c.Resend(msg)
		if err == nil {
			err = printResponse(ctx, msg.UUID()+": ", resp)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", msg.UUID(), err))
		}
	}
	return errors.Join(errs...)
}
