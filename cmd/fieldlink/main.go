package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"

	"fieldlink/cmd/fieldlink/collect"
	"fieldlink/cmd/fieldlink/console"
	"fieldlink/cmd/fieldlink/forward"
	"fieldlink/cmd/fieldlink/scan"
	"fieldlink/cmd/fieldlink/subcmd"
	"fieldlink/log2"
)

// BuildVersion is overridden by ldflags -X main.BuildVersion
var BuildVersion string = "unknown"

var modules = []subcmd.Mod{
	forward.Mod,
	collect.Mod,
	console.Mod,
	scan.Mod,
	{Name: "version", Main: versionMain},
}

const usage = `usage: fieldlink [flags] command [command flags]
commands:
  forward  keep configured sensors streaming to the sink (daemon mode)
  collect  dump snippet reports from connected nodes into CSV files
  scan     list transceivers announced over mDNS
  console  interactive transceiver/node RPC console
  version  print build version
`

func main() {
	cmdline := flag.NewFlagSet("fieldlink", flag.ExitOnError)
	flagConfig := cmdline.String("config", "fieldlink.hcl", "")
	flagLogDebug := cmdline.Bool("log-debug", false, "")
	cmdline.Parse(os.Args[1:])

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n%s", err, usage)
		os.Exit(1)
	}

	log := log2.NewStderr(log2.LInfo)
	if *flagLogDebug {
		log.SetLevel(log2.LDebug)
	}
	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, skip timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Debugf("fieldlink version=%s command=%s", BuildVersion, mod.Name)

	env := &subcmd.Env{
		Log:          log,
		BuildVersion: BuildVersion,
		ConfigPath:   *flagConfig,
		Args:         cmdline.Args()[1:],
	}
	if err := mod.Main(context.Background(), env); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func versionMain(ctx context.Context, env *subcmd.Env) error {
	fmt.Printf("fieldlink %s\n", env.BuildVersion)
	return nil
}
