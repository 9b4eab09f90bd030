// Package config parses the initrd-put command-line interface: a
// destination directory followed by one or more seed paths whose
// dependency closure should be computed and installed.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// Config holds one parsed invocation of initrd-put.
type Config struct {
	Destdir      string
	Seeds        []string
	RemovePrefix string
	Force        bool
	DryRun       bool
	Verbose      bool
	LogPath      string
}

// ErrShowHelp and ErrShowVersion signal that Parse already printed the
// requested help/version text and the caller should exit 0 without running
// anything else.
var (
	ErrShowHelp    = errors.New("config: help requested")
	ErrShowVersion = errors.New("config: version requested")
)

// version is reported by --version/-V.
const version = "1.0.0"

// Parse parses args (normally os.Args[1:]) into a Config. out receives
// --help/--version text.
func Parse(progname string, args []string, out io.Writer) (*Config, error) {
	fs := flag.NewFlagSet(progname, flag.ContinueOnError)
	fs.SetOutput(out)

	cfg := &Config{}
	var showVersion, showHelp bool

	fs.BoolVar(&cfg.Force, "force", false, "overwrite destination file if it exists")
	fs.BoolVar(&cfg.Force, "f", false, "shorthand for --force")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "don't install anything, just report what would happen")
	fs.BoolVar(&cfg.DryRun, "n", false, "shorthand for --dry-run")
	fs.StringVar(&cfg.LogPath, "log", "", "append a report of what was installed to FILE")
	fs.StringVar(&cfg.LogPath, "l", "", "shorthand for --log")
	fs.StringVar(&cfg.RemovePrefix, "remove-prefix", "", "strip PATH as a prefix from every installed destination")
	fs.StringVar(&cfg.RemovePrefix, "r", "", "shorthand for --remove-prefix")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "print a message for each action")
	fs.BoolVar(&cfg.Verbose, "v", false, "shorthand for --verbose")
	fs.BoolVar(&showVersion, "version", false, "output version information and exit")
	fs.BoolVar(&showVersion, "V", false, "shorthand for --version")
	fs.BoolVar(&showHelp, "help", false, "display usage information and exit")
	fs.BoolVar(&showHelp, "h", false, "shorthand for --help")

	fs.Usage = func() { showUsage(out, progname) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if showHelp {
		showUsage(out, progname)
		return nil, ErrShowHelp
	}
	if showVersion {
		fmt.Fprintf(out, "%s version %s\n", progname, version)
		return nil, ErrShowVersion
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return nil, fmt.Errorf("config: destination directory required")
	}
	cfg.Destdir = rest[0]

	if len(rest) < 2 {
		return nil, fmt.Errorf("config: at least one seed path required")
	}
	cfg.Seeds = rest[1:]

	return cfg, nil
}

func showUsage(out io.Writer, progname string) {
	fmt.Fprintf(out,
		"Usage: %[1]s [<options>] <destdir> directory [directory ...]\n"+
			"   or: %[1]s [<options>] <destdir> file [file ...]\n"+
			"\n"+
			"Copies files and directories into destdir along with their runtime\n"+
			"dependencies: parent directories, shebang interpreters, symlink targets,\n"+
			"and shared library dependencies.\n"+
			"\n"+
			"Options:\n"+
			"   -n, --dry-run              report what would happen, install nothing\n"+
			"   -f, --force                overwrite destination file if it exists\n"+
			"   -l, --log=FILE             append a report of what was installed to FILE\n"+
			"   -r, --remove-prefix=PATH   strip PATH as a prefix from installed paths\n"+
			"   -v, --verbose              print a message for each action\n"+
			"   -V, --version              output version information and exit\n"+
			"   -h, --help                 display this help and exit\n",
		progname,
	)
}
