// Package discover finds transceivers announcing themselves over mDNS.
package discover

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/miekg/dns"

	"fieldlink/log2"
)

const (
	Service         = "_fieldlink._tcp.local."
	DefaultInterval = 5 * time.Second

	mdnsGroup   = "224.0.0.251:5353"
	defaultPort = 7645
)

type Options struct {
	Log      *log2.Log
	Service  string        // default Service
	Interval time.Duration // re-query period, default 5s
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = log2.NewStderr(log2.LError)
	}
	if o.Service == "" {
		o.Service = Service
	}
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
}

// Browse queries the local network for transceiver services and emits
// each distinct host once: bare hostname, or host:port when the
// advertised port is not the protocol default. The channel closes when
// ctx ends. Queries go out from an ephemeral port, answers come back
// unicast; no port 5353 binding is needed.
func Browse(ctx context.Context, opt Options) (<-chan string, error) {
	opt.setDefaults()
	group, err := net.ResolveUDPAddr("udp4", mdnsGroup)
	if err != nil {
		return nil, errors.Trace(err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, errors.Annotate(err, "mdns listen")
	}

	out := make(chan string, 8)
	go browseLoop(ctx, opt, conn, group, out)
	return out, nil
}

func browseLoop(ctx context.Context, opt Options, conn *net.UDPConn, group *net.UDPAddr, out chan<- string) {
	defer close(out)
	go func() {
		<-ctx.Done()
		_ = conn.Close() // unblocks reads
	}()

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(opt.Service), dns.TypePTR)
	packed, err := query.Pack()
	if err != nil {
		opt.Log.Errorf("mdns: pack query: %v", err)
		return
	}

	seen := make(map[string]bool)
	buf := make([]byte, 9000)
	next := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		if !time.Now().Before(next) {
			if _, err := conn.WriteToUDP(packed, group); err != nil && ctx.Err() == nil {
				opt.Log.Errorf("mdns: query: %v", err)
			}
			next = time.Now().Add(opt.Interval)
		}
		_ = conn.SetReadDeadline(next)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			opt.Log.Errorf("mdns: read: %v", err)
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			opt.Log.Debugf("mdns: drop bad packet: %v", err)
			continue
		}
		for _, host := range hostsFromMsg(msg, opt.Service) {
			if seen[host] {
				continue
			}
			seen[host] = true
			select {
			case out <- host:
			case <-ctx.Done():
				return
			}
		}
	}
}

// hostsFromMsg extracts hosts from one mDNS response: targets of SRV
// records owned by instances of service. mDNS names compare
// case-insensitively.
func hostsFromMsg(msg *dns.Msg, service string) []string {
	suffix := "." + strings.ToLower(dns.Fqdn(service))
	var hosts []string
	for _, section := range [][]dns.RR{msg.Answer, msg.Extra} {
		for _, rr := range section {
			srv, ok := rr.(*dns.SRV)
			if !ok || !strings.HasSuffix(strings.ToLower(srv.Hdr.Name), suffix) {
				continue
			}
			host := strings.TrimSuffix(srv.Target, ".")
			if srv.Port != defaultPort && srv.Port != 0 {
				host = net.JoinHostPort(host, strconv.Itoa(int(srv.Port)))
			}
			hosts = append(hosts, host)
		}
	}
	return hosts
}
