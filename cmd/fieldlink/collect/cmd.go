// Dump snippet sample bursts from every connected node into CSV files,
// one directory per node, one file per snippet. Other report kinds go
// to the log. Runs until the transceiver connection drops.
package collect

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"

	"fieldlink/cmd/fieldlink/subcmd"
	"fieldlink/log2"
	"fieldlink/node"
	"fieldlink/report"
	"fieldlink/sink"
	"fieldlink/xcvr"
)

var Mod = subcmd.Mod{Name: "collect", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	cmdline := flag.NewFlagSet("collect", flag.ExitOnError)
	flagHost := cmdline.String("host", "", "transceiver host, name[:port]")
	flagOutput := cmdline.String("output", ".", "directory for CSV files")
	cmdline.Parse(env.Args)
	if *flagHost == "" {
		return errors.NotValidf("-host required")
	}

	log := env.Log
	link, err := xcvr.Dial(ctx, *flagHost, xcvr.Options{Log: log})
	if err != nil {
		return errors.Annotate(err, "dial")
	}
	defer link.Close()
	log.Infof("connected to %s", link.RemoteAddr())

	if err := link.SetTime(ctx, time.Now()); err != nil {
		if !xcvr.IsAPIError(err) {
			return errors.Annotate(err, "set_time")
		}
		log.Infof("transceiver rejected set_time: %v", err)
	}

	connected, err := link.ConnectedNodes(ctx)
	if err != nil {
		return errors.Annotate(err, "get_connected_nodes")
	}
	log.Infof("%d nodes connected", len(connected))

	wg := sync.WaitGroup{}
	for _, cn := range connected {
		wg.Add(1)
		go func(addr xcvr.NodeAddr) {
			defer wg.Done()
			if err := collectNode(ctx, log, link, *flagOutput, addr); err != nil && !xcvr.IsLinkClosed(err) {
				log.Errorf("node %s: %v", addr, err)
			}
		}(cn.Addr)
	}
	wg.Wait()
	if err := link.Err(); err != nil {
		return errors.Annotate(err, "link")
	}
	return nil
}

func collectNode(ctx context.Context, log *log2.Log, link *xcvr.Link, outputDir string, addr xcvr.NodeAddr) error {
	nodeDir := filepath.Join(outputDir, addr.DirName())
	if err := os.MkdirAll(nodeDir, 0755); err != nil {
		return errors.Trace(err)
	}
	log.Infof("started task for node %s", addr)
	defer log.Infof("exiting task for node %s", addr)

	sub, err := link.SubscribeReports(addr)
	if err != nil {
		return errors.Trace(err)
	}
	defer sub.Close()

	c := node.NewClient(link, addr, log)
	version, err := c.GetVersion(ctx)
	if err != nil {
		return errors.Annotate(err, "get_version")
	}
	log.Infof("%s version: %s (build: %s)", addr, version.Version, version.Build)

	s, err := c.GetSettings(ctx)
	if err != nil {
		return errors.Annotate(err, "read settings")
	}
	log.Infof("%s settings: %s", addr, s.String())

	if err := c.EnableHealth(ctx, true); err != nil {
		return errors.Annotate(err, "enable health")
	}
	if err := c.EnableSnippets(ctx, 0, true); err != nil {
		return errors.Annotate(err, "enable snippets")
	}

	snk := sink.NewLogger(log)
	asm := report.Assembler{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.Frames():
			if !ok {
				if cause := link.Err(); cause != nil {
					return errors.Annotatef(xcvr.ErrLinkClosed, "%v", cause)
				}
				return errors.Trace(xcvr.ErrLinkClosed)
			}
			record, gap, err := asm.Feed(frame)
			if gap {
				log.Infof("%s: dropped partial record", addr)
			}
			if err != nil {
				log.Errorf("%s: reassembly: %v", addr, err)
				continue
			}
			if record == nil {
				continue
			}
			rep, err := report.DecodeRecord(record)
			if err != nil {
				log.Errorf("%s: %v", addr, err)
				continue
			}
			_ = snk.Publish(ctx, addr.String(), rep)
			if snip, ok := rep.(*report.Snippet); ok {
				if err := writeSnippetCSV(nodeDir, snip); err != nil {
					log.Errorf("%s: write csv: %v", addr, err)
				}
			}
		}
	}
}

// writeSnippetCSV stores one snippet as rows of x,y,z acceleration in g.
func writeSnippetCSV(dir string, snip *report.Snippet) error {
	axes, err := report.DecodeSamples(snip.Samples)
	if err != nil {
		return errors.Trace(err)
	}
	blocks := [3][]int16{axes[report.AxisX], axes[report.AxisY], axes[report.AxisZ]}
	n := 0
	for _, block := range blocks {
		if len(block) > n {
			n = len(block)
		}
	}

	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("snippet_%d.csv", snip.StartTime)))
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	row := make([]string, len(blocks))
	for i := 0; i < n; i++ {
		for j, block := range blocks {
			if i < len(block) {
				row[j] = strconv.FormatFloat(report.SampleG(block[i], snip.Range), 'g', -1, 64)
			} else {
				row[j] = ""
			}
		}
		if err := w.Write(row); err != nil {
			return errors.Trace(err)
		}
	}
	w.Flush()
	return errors.Trace(w.Error())
}
