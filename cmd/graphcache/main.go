package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
)

const rootUsage = `graphcache: normalized GraphQL cache tools

USAGE:
  graphcache <command> [flags]

COMMANDS:
  normalize        Normalize a response into the snapshot
  read             Read an operation from the snapshot
  fetch            Execute an operation with a fetch policy and update the snapshot
  dump             Print the records held in the snapshot
  help             Show help for any command
`

const commonUsage = `  -config <file>          YAML configuration file
  -schema <file>          GraphQL SDL (required)
  -query <file>           Operation document (required)
  -operation <name>       Operation to use when the document has several
  -vars <file>            JSON object of variables
  -snapshot <file>        Cache snapshot (default: graphcache.snapshot)
  -resolver default|id    Cache key resolver (default: from config)
`

const normalizeUsage = `normalize FLAGS:
` + commonUsage + `  -data <file>            GraphQL response body, {"data": ...} (required)
`

const readUsage = `read FLAGS:
` + commonUsage + `  -mode batch|sequential  Reader (default: from config)
`

const fetchUsage = `fetch FLAGS:
` + commonUsage + `  -endpoint <url>         GraphQL endpoint (default: from config)
  -policy <policy>        cache-first, cache-only, network-only or network-first
`

const dumpUsage = `dump FLAGS:
  -config <file>          YAML configuration file
  -snapshot <file>        Cache snapshot (default: graphcache.snapshot)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("graphcache", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "normalize":
		return cmdNormalize(ctx, cmdArgs, stdout, stderr)
	case "read":
		return cmdRead(ctx, cmdArgs, stdout, stderr)
	case "fetch":
		return cmdFetch(ctx, cmdArgs, stdout, stderr)
	case "dump":
		return cmdDump(ctx, cmdArgs, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "normalize":
		fmt.Fprint(stdout, normalizeUsage)
	case "read":
		fmt.Fprint(stdout, readUsage)
	case "fetch":
		fmt.Fprint(stdout, fetchUsage)
	case "dump":
		fmt.Fprint(stdout, dumpUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type commonFlags struct {
	configFile string
	schemaFile string
	queryFile  string
	operation  string
	varsFile   string
	snapshot   string
	resolver   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	c.snapshot = "graphcache.snapshot"
	fs.StringVar(&c.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&c.schemaFile, "schema", "", "GraphQL SDL")
	fs.StringVar(&c.queryFile, "query", "", "Operation document")
	fs.StringVar(&c.operation, "operation", "", "Operation name")
	fs.StringVar(&c.varsFile, "vars", "", "JSON variables")
	fs.StringVar(&c.snapshot, "snapshot", c.snapshot, "Cache snapshot")
	fs.StringVar(&c.resolver, "resolver", "", "Cache key resolver")
}

func (c *commonFlags) check() error {
	if c.schemaFile == "" {
		return fmt.Errorf("-schema is required")
	}
	if c.queryFile == "" {
		return fmt.Errorf("-query is required")
	}
	return nil
}

func cmdNormalize(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	dataFile := ""
	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	common.register(fs)
	fs.StringVar(&dataFile, "data", dataFile, "GraphQL response body")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, normalizeUsage)
		return err
	}
	if err := common.check(); err != nil {
		fmt.Fprint(stderr, normalizeUsage)
		return err
	}
	if dataFile == "" {
		fmt.Fprint(stderr, normalizeUsage)
		return fmt.Errorf("-data is required")
	}

	a, err := open(ctx, common, nil)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return a.normalize(ctx, dataFile, stdout)
}

func cmdRead(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	mode := ""
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	common.register(fs)
	fs.StringVar(&mode, "mode", mode, "Reader")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, readUsage)
		return err
	}
	if err := common.check(); err != nil {
		fmt.Fprint(stderr, readUsage)
		return err
	}

	a, err := open(ctx, common, func(o *overrides) { o.readMode = mode })
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return a.read(ctx, stdout)
}

func cmdFetch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	endpoint := ""
	policy := ""
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	common.register(fs)
	fs.StringVar(&endpoint, "endpoint", endpoint, "GraphQL endpoint")
	fs.StringVar(&policy, "policy", policy, "Fetch policy")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, fetchUsage)
		return err
	}
	if err := common.check(); err != nil {
		fmt.Fprint(stderr, fetchUsage)
		return err
	}

	a, err := open(ctx, common, func(o *overrides) {
		o.endpoint = endpoint
		o.policy = policy
	})
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return a.fetch(ctx, stdout)
}

func cmdDump(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	common.snapshot = "graphcache.snapshot"
	fs.StringVar(&common.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&common.snapshot, "snapshot", common.snapshot, "Cache snapshot")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, dumpUsage)
		return err
	}

	a, err := open(ctx, common, nil)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return a.dump(ctx, stdout)
}
