package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/chatsync/internal/errors"
	"github.com/hpungsan/chatsync/internal/ops"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(env *appEnv) *cli.App {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Consent-gated capture and sync of AI chat conversations",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", EnvVars: []string{"CHATSYNC_ADDR"}, Usage: "Control API address of the running service (default: listen from config)"},
		},
		Commands: []*cli.Command{
			serveCmd(env),
			statusCmd(env),
			toggleCmd(env),
			syncCmd(env),
			identityCmd(env),
			pendingCmd(env),
			exportCmd(env),
			forgetCmd(env),
			accountCmd(env),
			detectCmd(env),
			snapshotCmd(env),
			mcpCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the coordinator, the control API and the browser capture host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "Control API address (default: listen from config)"},
			&cli.BoolFlag{Name: "no-browser", Usage: "Do not launch or attach a browser"},
			&cli.BoolFlag{Name: "headless", Usage: "Launch Chrome without a window"},
			&cli.StringFlag{Name: "browser-url", Usage: "DevTools websocket of a running Chrome to attach to"},
			&cli.StringSliceFlag{Name: "open", Usage: "URL to open in a new tab (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			cfg := *env.cfg
			if listen := c.String("listen"); listen != "" {
				cfg.Listen = listen
			}
			if c.Bool("headless") {
				cfg.Headless = true
			}
			if u := c.String("browser-url"); u != "" {
				cfg.BrowserURL = u
			}
			if urls := c.StringSlice("open"); len(urls) > 0 {
				cfg.OpenURLs = append(append([]string{}, cfg.OpenURLs...), urls...)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, env, &cfg, !c.Bool("no-browser"))
			if err != nil {
				return outputError(err)
			}
			if err := svc.Run(ctx); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// statusCmd creates the status command.
func statusCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show whether capture is enabled and how much is pending",
		Action: func(c *cli.Context) error {
			ctl, err := env.controller(c.String("addr"))
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Status(c.Context, ctl)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// toggleCmd creates the toggle command.
func toggleCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "toggle",
		Usage:     "Turn capture on or off (off purges cached and uploaded data)",
		ArgsUsage: "on|off",
		Action: func(c *cli.Context) error {
			enabled, err := parseSwitch(c.Args().First())
			if err != nil {
				return outputError(errors.NewInvalidRequest(err.Error()))
			}
			ctl, err := env.controller(c.String("addr"))
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Toggle(c.Context, ctl, enabled)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// syncCmd creates the sync command.
func syncCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Upload every cached conversation now",
		Action: func(c *cli.Context) error {
			ctl, err := env.controller(c.String("addr"))
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Sync(c.Context, ctl)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// identityCmd creates the identity command group.
func identityCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "Show or set the anonymous user id",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show the stored capture state",
				Action: func(c *cli.Context) error {
					store, err := env.store(c.Context)
					if err != nil {
						return outputError(err)
					}
					output, err := store.Load(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, output)
				},
			},
			{
				Name:      "set",
				Usage:     "Set the anonymous user id on the running service",
				ArgsUsage: "<user-id>",
				Action: func(c *cli.Context) error {
					ctl, err := env.controller(c.String("addr"))
					if err != nil {
						return outputError(err)
					}
					output, err := ops.SetIdentity(c.Context, ctl, c.Args().First())
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, output)
				},
			},
		},
	}
}

// pendingCmd creates the pending command.
func pendingCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "List cached batches waiting for upload",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
			&cli.BoolFlag{Name: "conversations", Aliases: []string{"c"}, Usage: "Group by conversation with merged messages"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("conversations") {
				convs, err := ops.Conversations(c.Context, env.cache())
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c, map[string]any{"conversations": convs})
			}

			output, err := ops.Pending(c.Context, env.cache(), ops.PendingInput{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export the pending cache to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.chatsync/exports/<platform>-<timestamp>.jsonl)"},
			&cli.StringFlag{Name: "platform", Usage: "Filter by platform id"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Export(c.Context, env.cache(), env.cfg, ops.ExportInput{
				Path:     c.String("path"),
				Platform: c.String("platform"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// forgetCmd creates the forget command.
func forgetCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "forget",
		Usage:     "Drop cached batches locally without uploading them",
		ArgsUsage: "[conversation-url]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "Drop every cached conversation"},
		},
		Action: func(c *cli.Context) error {
			reg, err := env.registry()
			if err != nil {
				return outputError(err)
			}
			keys, err := env.resolver(reg)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Forget(c.Context, env.cache(), keys, ops.ForgetInput{
				URL: c.Args().First(),
				All: c.Bool("all"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// accountCmd creates the account command group.
func accountCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Inspect or erase what the ingestion service holds for you",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List your uploaded conversations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultMyChats, Usage: "Maximum items to return"},
					&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
				},
				Action: func(c *cli.Context) error {
					acct, err := env.ingest()
					if err != nil {
						return outputError(err)
					}
					store, err := env.store(c.Context)
					if err != nil {
						return outputError(err)
					}
					output, err := ops.MyChats(c.Context, acct, store, ops.MyChatsInput{
						Limit:  c.Int("limit"),
						Offset: c.Int("offset"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, output)
				},
			},
			{
				Name:  "erase",
				Usage: "Erase every upload the service holds for you",
				Action: func(c *cli.Context) error {
					acct, err := env.ingest()
					if err != nil {
						return outputError(err)
					}
					store, err := env.store(c.Context)
					if err != nil {
						return outputError(err)
					}
					output, err := ops.EraseAccount(c.Context, acct, store)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, output)
				},
			},
		},
	}
}

// detectCmd creates the detect command.
func detectCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "detect",
		Usage:     "Ask the classifier whether a message seeks a direct answer (reads stdin when no message is given)",
		ArgsUsage: "[message]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "platform", Usage: "Platform id the message was written on"},
			&cli.StringFlag{Name: "url", Usage: "Page URL the message was written on"},
		},
		Action: func(c *cli.Context) error {
			message := strings.Join(c.Args().Slice(), " ")
			if message == "" && stdinHasData() {
				text, err := readStdin()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				message = text
			}

			cl, err := env.ingest()
			if err != nil {
				return outputError(err)
			}
			store, err := env.store(c.Context)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Detect(c.Context, cl, store, ops.DetectInput{
				Message:  message,
				Platform: c.String("platform"),
				URL:      c.String("url"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// snapshotCmd creates the snapshot command.
func snapshotCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Extract a conversation from a saved chat page",
		ArgsUsage: "<page.html>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Original page URL (detects the platform and keys the capture)"},
			&cli.StringFlag{Name: "platform", Usage: "Platform id, overrides detection"},
			&cli.BoolFlag{Name: "send", Usage: "Cache the snapshot on the running service"},
		},
		Action: func(c *cli.Context) error {
			reg, err := env.registry()
			if err != nil {
				return outputError(err)
			}

			input := ops.SnapshotInput{
				Path:     c.Args().First(),
				URL:      c.String("url"),
				Platform: c.String("platform"),
				Send:     c.Bool("send"),
			}
			var ctl ops.Controller
			if input.Send {
				client, err := env.controller(c.String("addr"))
				if err != nil {
					return outputError(err)
				}
				ctl = client
			}

			output, err := ops.Snapshot(c.Context, ctl, reg, env.cfg, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools over stdio",
		Action: func(c *cli.Context) error {
			if err := runMCP(env, c.String("addr")); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON writes v to the app's writer as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var syncErr *errors.SyncError
	if stderrors.As(err, &syncErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", syncErr.Code, syncErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseSwitch accepts on/off and the usual boolean spellings.
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "no", "0", "disable", "disabled":
		return false, nil
	case "":
		return false, fmt.Errorf("expected on or off")
	}
	return false, fmt.Errorf("invalid switch %q: expected on or off", s)
}
