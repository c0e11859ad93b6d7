package main

import (
	"github.com/armon/go-metrics"
	mapsink "github.com/bakins/go-metrics-map"
	mmw "github.com/bakins/go-metrics-middleware"
	"github.com/coreos/go-etcd/etcd"
	"github.com/mistifyio/taniwha"
	flag "github.com/ogier/pflag"
	log "github.com/sirupsen/logrus"
)

type metricsContext struct {
	sink    *mapsink.MapSink
	metrics *metrics.Metrics
	mmw     *mmw.Middleware
}

const defaultEtcdAddr = "http://localhost:4001"

// logSetup configures logrus level and formatting
func logSetup(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(l)
	log.SetFormatter(&log.JSONFormatter{})
	return nil
}

func main() {
	var port uint
	var maxConcurrent int
	var etcdAddr, logLevel, statsd string

	flag.UintVarP(&port, "port", "p", 19000, "listen port")
	flag.StringVarP(&etcdAddr, "etcd", "e", defaultEtcdAddr, "address of etcd machine")
	flag.StringVarP(&logLevel, "log-level", "l", "warn", "log level")
	flag.StringVarP(&statsd, "statsd", "s", "", "statsd address")
	flag.IntVarP(&maxConcurrent, "max-concurrent", "c", taniwha.DefaultMaxConcurrent, "concurrent migration limit")
	flag.Parse()

	if err := logSetup(logLevel); err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "logSetup",
			"level": logLevel,
		}).Fatal("unable to set up logrus")
	}

	e := etcd.NewClient([]string{etcdAddr})
	if !e.SyncCluster() {
		log.WithFields(log.Fields{
			"addr": etcdAddr,
			"func": "etcd.SyncCluster",
		}).Fatal("unable to connect to etcd cluster")
	}

	audit := taniwha.NewContext(e)

	// setup metrics
	sink := mapsink.New()
	fanout := metrics.FanoutSink{sink}

	if statsd != "" {
		ss, _ := metrics.NewStatsdSink(statsd)
		fanout = append(fanout, ss)
	}
	conf := metrics.DefaultConfig("cmigrationd")
	conf.EnableHostname = false
	m, _ := metrics.New(conf, fanout)

	mctx := &metricsContext{
		sink:    sink,
		metrics: m,
		mmw:     mmw.New(m),
	}

	manager, err := taniwha.NewManager(taniwha.ManagerConfig{
		Runner:        taniwha.NewSSHRunner(),
		Audit:         audit,
		Metrics:       m,
		MaxConcurrent: maxConcurrent,
	})
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "taniwha.NewManager",
		}).Fatal("unable to create migration manager")
	}

	server := Run(port, manager, mctx)
	// Block until the server is stopped
	<-server.StopChan()
}
