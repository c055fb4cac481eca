// Daemon mode: keep configured sensors connected, configured and
// streaming into the report sink.
package forward

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/errors"

	"fieldlink/cmd/fieldlink/subcmd"
	"fieldlink/config"
	"fieldlink/node"
	"fieldlink/sink"
)

var Mod = subcmd.Mod{Name: "forward", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	log := env.Log
	cfg, err := config.ReadConfig(log, config.NewOsFullReader("."), env.ConfigPath)
	if err != nil {
		return errors.Annotate(err, "config")
	}

	var snk sink.Sink
	if cfg.MQTT.Broker != "" {
		mq, err := sink.NewMQTT(sink.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			KeepaliveSec:   cfg.MQTT.KeepaliveSec,
			PingTimeoutSec: cfg.MQTT.PingTimeoutSec,
			StorePath:      cfg.MQTT.StorePath,
		}, log)
		if err != nil {
			return errors.Annotate(err, "mqtt")
		}
		defer mq.Close()
		snk = mq
	} else {
		log.Infof("no mqtt broker configured, reports go to the log")
		snk = sink.NewLogger(log)
	}

	sc, err := cfg.Supervisor(log, snk)
	if err != nil {
		return errors.Trace(err)
	}
	sv := node.NewSupervisor(sc)
	if err := sv.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("forwarding %d sensors via %d transceivers", len(sc.Nodes), len(sc.Transceivers))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("signal %v, stopping", sig)
	case <-ctx.Done():
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
	sv.Stop()
	return nil
}
