// List transceivers announcing themselves over mDNS.
package scan

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/juju/errors"

	"fieldlink/cmd/fieldlink/subcmd"
	"fieldlink/discover"
)

var Mod = subcmd.Mod{Name: "scan", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	cmdline := flag.NewFlagSet("scan", flag.ExitOnError)
	flagTimeout := cmdline.Duration("timeout", 60*time.Second, "stop after this long, 0 runs until killed")
	cmdline.Parse(env.Args)

	if *flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *flagTimeout)
		defer cancel()
	}

	hosts, err := discover.Browse(ctx, discover.Options{Log: env.Log})
	if err != nil {
		return errors.Trace(err)
	}
	for host := range hosts {
		fmt.Println(host)
	}
	return nil
}
