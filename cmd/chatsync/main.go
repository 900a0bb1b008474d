package main

import (
	"fmt"
	"os"
	"slices"
)

// Version is set via -ldflags at build time.
var Version = "dev"

const banner = `
        _           _
    ___| |__   __ _| |_ ___ _   _ _ __   ___
   / __| '_ \ / _' | __/ __| | | | '_ \ / __|
  | (__| | | | (_| | |_\__ \ |_| | | | | (__
   \___|_| |_|\__,_|\__|___/\__, |_| |_|\___|
                            |___/

  Consent-gated chat capture and sync

  Usage: chatsync <command> [options]
         chatsync --help

  MCP server mode requires piped input.`

type mode int

const (
	modeMCP     mode = iota // stdio tool server, the default
	modeBanner              // bare invocation at a terminal
	modeHelp                // needs no database
	modeCLI
	modeUnknown // unrecognized argument at a terminal
)

var helpArgs = []string{"--help", "-h", "--version", "-v", "help"}

// selectMode picks what to run from the arguments and whether stdin is a
// terminal. Anything unrecognized on a pipe falls through to MCP.
func selectMode(args []string, tty bool) mode {
	if len(args) < 2 {
		if tty {
			return modeBanner
		}
		return modeMCP
	}
	arg := args[1]
	switch {
	case slices.Contains(helpArgs, arg):
		return modeHelp
	case newCLIApp(nil).Command(arg) != nil:
		return modeCLI
	case len(arg) > 1 && arg[0] == '-':
		return modeCLI
	case tty:
		return modeUnknown
	}
	return modeMCP
}

func stdinIsTerminal() bool {
	stat, err := os.Stdin.Stat()
	return err == nil && stat.Mode()&os.ModeCharDevice != 0
}

func run(args []string) error {
	m := selectMode(args, stdinIsTerminal())
	switch m {
	case modeBanner:
		fmt.Println(banner)
		return nil
	case modeHelp:
		return newCLIApp(nil).Run(args)
	case modeUnknown:
		return fmt.Errorf("unknown command %q (run 'chatsync --help' for usage)", args[1])
	}

	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	if m == modeCLI {
		return newCLIApp(env).Run(args)
	}
	return runMCP(env, env.cfg.Listen)
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
