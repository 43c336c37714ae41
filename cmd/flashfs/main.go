// flashfs manipulates filesystem images stored in regular files.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// handler executes the command with the positional arguments.
type handler func(o *options, args []string, stdout io.Writer) error

type command struct {
	name  string
	args  string
	help  string
	setup func(flags *pflag.FlagSet) handler
}

var commands = []command{
	{name: "mkfs", help: "create image and format the filesystem", setup: mkfsCommand},
	{name: "ls", help: "list files", setup: lsCommand},
	{name: "put", args: "<local> [name]", help: "store local file", setup: putCommand},
	{name: "get", args: "<name> [local]", help: "read file, stdout is used if local path is not set", setup: getCommand},
	{name: "rm", args: "<name>...", help: "remove files", setup: rmCommand},
	{name: "mv", args: "<old> <new>", help: "rename file", setup: mvCommand},
	{name: "check", help: "verify and repair the filesystem", setup: checkCommand},
	{name: "vis", help: "print the map of pages", setup: visCommand},
	{name: "info", help: "print usage and statistics", setup: infoCommand},
	{name: "sum", args: "<name>...", help: "print BLAKE3 digests of files", setup: sumCommand},
	{name: "manifest", help: "write or verify CBOR manifest of all the files", setup: manifestCommand},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		return errors.Errorf("unknown command %q, run 'flashfs help' to list commands", args[0])
	}

	flags := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	o := &options{flags: flags}
	o.addFlags(flags)
	h := cmd.setup(flags)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: flashfs %s [flags] %s\n\n%s\n\nFlags:\n%s", cmd.name, cmd.args, cmd.help,
			flags.FlagUsages())
	}
	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return errors.WithStack(err)
	}
	return h(o, flags.Args(), stdout)
}

func printUsage(w io.Writer) {
	b := &strings.Builder{}
	b.WriteString("Usage: flashfs <command> [flags] [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(b, "  %-9s %-16s %s\n", c.name, c.args, c.help)
	}
	b.WriteString("\nRun 'flashfs <command> --help' to list the flags of the command.\n")
	_, _ = io.WriteString(w, b.String())
}
