// Interactive RPC console for one transceiver and its nodes.
package console

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"fieldlink/cmd/fieldlink/subcmd"
	"fieldlink/helpers/cli"
	"fieldlink/log2"
	"fieldlink/node"
	"fieldlink/report"
	"fieldlink/settings"
	"fieldlink/sink"
	"fieldlink/xcvr"
)

const usage = `commands, one per line:
(transceiver)
- info                    device info
- time                    read clock
- settime [unix-seconds]  set clock, default now
- assigned                list assigned nodes
- assign [ADDR...]        replace assigned node list, no args clears it
- connected               list connected nodes with RSSI
- methods                 discovered method id table

(node, select one first)
- node ADDR               select node for the commands below
- version                 firmware version
- settings                read active settings
- set NAME=VALUE...       write settings
- apply [persist]         apply staged settings
- health on|off           enable/disable health reports
- snippets [COUNT]        enable snippet reports, default continuous
- aggregates [COUNT]      enable aggregate reports, default continuous
- watch [SECONDS]         print decoded reports for a while, default 10
- reboot                  reboot the node
`

var Mod = subcmd.Mod{Name: "console", Main: Main}

type console struct {
	log  *log2.Log
	link *xcvr.Link

	node *node.Client
	sub  *xcvr.Subscription
	asm  report.Assembler
}

func Main(ctx context.Context, env *subcmd.Env) error {
	cmdline := flag.NewFlagSet("console", flag.ExitOnError)
	flagHost := cmdline.String("host", "", "transceiver host, name[:port]")
	cmdline.Parse(env.Args)
	if *flagHost == "" {
		return errors.NotValidf("-host required")
	}

	link, err := xcvr.Dial(ctx, *flagHost, xcvr.Options{Log: env.Log})
	if err != nil {
		return errors.Annotate(err, "dial")
	}
	defer link.Close()
	env.Log.Infof("connected to %s, try help", link.RemoteAddr())

	c := &console{log: env.Log, link: link}
	cli.MainLoop("fieldlink-console", c.executor(ctx), completer)
	return nil
}

func (c *console) executor(ctx context.Context) func(string) {
	return func(line string) {
		words := strings.Fields(line)
		if len(words) == 0 {
			return
		}
		if err := c.run(ctx, words[0], words[1:]); err != nil {
			c.log.Errorf(errors.ErrorStack(err))
		}
	}
}

func (c *console) run(ctx context.Context, verb string, args []string) error {
	switch verb {
	case "help":
		fmt.Print(usage)
		return nil

	case "info":
		info, err := c.link.DeviceInfo(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Printf("%+v\n", *info)
		return nil

	case "time":
		t, err := c.link.GetTime(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Println(t.Format(time.RFC3339Nano))
		return nil

	case "settime":
		t := time.Now()
		if len(args) > 0 {
			sec, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Annotatef(err, "settime %s", args[0])
			}
			t = time.Unix(sec, 0)
		}
		fmt.Printf("setting time to %d ns\n", t.UnixNano())
		return errors.Trace(c.link.SetTime(ctx, t))

	case "assigned":
		addrs, err := c.link.AssignedNodes(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		for _, a := range addrs {
			fmt.Println(a.String())
		}
		return nil

	case "assign":
		addrs := make([]xcvr.NodeAddr, 0, len(args))
		for _, arg := range args {
			a, err := xcvr.ParseNodeAddr(arg)
			if err != nil {
				return errors.Trace(err)
			}
			addrs = append(addrs, a)
		}
		return errors.Trace(c.link.SetAssignedNodes(ctx, addrs))

	case "connected":
		nodes, err := c.link.ConnectedNodes(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		for _, n := range nodes {
			fmt.Printf("%s RSSI: %d dBm\n", n.Addr, n.RSSI)
		}
		return nil

	case "methods":
		byName := c.link.Methods()
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%3d %s\n", byName[name], name)
		}
		return nil

	case "node":
		if len(args) != 1 {
			return errors.NotValidf("node ADDR")
		}
		addr, err := xcvr.ParseNodeAddr(args[0])
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(c.selectNode(addr))
	}

	if c.node == nil {
		return errors.Errorf("select a node first: node ADDR")
	}
	switch verb {
	case "version":
		v, err := c.node.GetVersion(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Println(sink.Text(v))

	case "settings":
		s, err := c.node.GetSettings(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Println(s.String())

	case "set":
		if len(args) == 0 {
			return errors.NotValidf("set NAME=VALUE...")
		}
		s := settings.Settings{}
		for _, arg := range args {
			name, valueStr, ok := strings.Cut(arg, "=")
			if !ok {
				return errors.NotValidf("set argument %q", arg)
			}
			key, err := settings.ParseName(name)
			if err != nil {
				return errors.Trace(err)
			}
			value, err := strconv.ParseInt(valueStr, 10, 32)
			if err != nil {
				return errors.Annotatef(err, "set %s", arg)
			}
			s[key] = int32(value)
		}
		acked, err := c.node.WriteSettings(ctx, s)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Printf("acknowledged %d of %d\n", len(acked), len(s))
		if un := settings.Unhandled(s, acked); len(un) > 0 {
			fmt.Printf("not handled: %s\n", un.String())
		}

	case "apply":
		persist := len(args) > 0 && args[0] == "persist"
		willReboot, err := c.node.ApplySettings(ctx, persist)
		if err != nil {
			return errors.Trace(err)
		}
		if willReboot {
			fmt.Println("applied, node will reboot")
		} else {
			fmt.Println("applied")
		}

	case "health":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.NotValidf("health on|off")
		}
		return errors.Trace(c.node.EnableHealth(ctx, args[0] == "on"))

	case "snippets":
		count, err := countArg(args)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(c.node.EnableSnippets(ctx, count, true))

	case "aggregates":
		count, err := countArg(args)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(c.node.EnableAggregates(ctx, count, true))

	case "watch":
		return errors.Trace(c.watch(ctx, args))

	case "reboot":
		if err := c.node.Reboot(ctx); err != nil {
			return errors.Trace(err)
		}
		fmt.Println("rebooting shortly")

	default:
		return errors.Errorf("invalid command '%s', try help", verb)
	}
	return nil
}

func (c *console) selectNode(addr xcvr.NodeAddr) error {
	sub, err := c.link.SubscribeReports(addr)
	if err != nil {
		return errors.Trace(err)
	}
	if c.sub != nil {
		c.sub.Close()
	}
	c.sub = sub
	c.node = node.NewClient(c.link, addr, c.log)
	c.asm.Reset()
	fmt.Printf("node %s\n", addr)
	return nil
}

func (c *console) watch(ctx context.Context, args []string) error {
	d := 10 * time.Second
	if len(args) > 0 {
		sec, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return errors.Annotatef(err, "watch %s", args[0])
		}
		d = time.Duration(sec) * time.Second
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case frame, ok := <-c.sub.Frames():
			if !ok {
				return errors.Trace(xcvr.ErrLinkClosed)
			}
			record, gap, err := c.asm.Feed(frame)
			if gap {
				fmt.Println("gap: dropped partial record")
			}
			if err != nil {
				c.log.Errorf("reassembly: %v", err)
				continue
			}
			if record == nil {
				continue
			}
			rep, err := report.DecodeRecord(record)
			if err != nil {
				c.log.Errorf("decode: %v", err)
				continue
			}
			fmt.Printf("%s %s\n", rep.Kind().String(), sink.Text(rep))
		}
	}
}

func countArg(args []string) (uint16, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return 0, errors.Annotatef(err, "count %s", args[0])
	}
	return uint16(n), nil
}

var suggests = []prompt.Suggest{
	{Text: "info", Description: "transceiver device info"},
	{Text: "time", Description: "read transceiver clock"},
	{Text: "settime", Description: "set transceiver clock"},
	{Text: "assigned", Description: "list assigned nodes"},
	{Text: "assign", Description: "replace assigned node list"},
	{Text: "connected", Description: "list connected nodes"},
	{Text: "methods", Description: "method id table"},
	{Text: "node", Description: "select node by address"},
	{Text: "version", Description: "node firmware version"},
	{Text: "settings", Description: "read node settings"},
	{Text: "set", Description: "write node settings NAME=VALUE"},
	{Text: "apply", Description: "apply staged settings"},
	{Text: "health", Description: "health reports on|off"},
	{Text: "snippets", Description: "enable snippet reports"},
	{Text: "aggregates", Description: "enable aggregate reports"},
	{Text: "watch", Description: "print reports for a while"},
	{Text: "reboot", Description: "reboot selected node"},
	{Text: "help", Description: "show usage"},
}

func completer(d prompt.Document) []prompt.Suggest {
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}
