// Command sniwedge runs the packet-mangling engine against an NFQUEUE,
// reconfigurable at runtime from a watched options file. Structured after
// the teacher's examples/*/main.go programs (flag parsing up front, a
// small set of named helper functions, fatal errors logged and exited)
// but with the ambient CLI/config/logging stack spec.md's expansion calls
// for layered on top.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"net/http"

	"github.com/patchwire/sniwedge/pkg/inject"
	"github.com/patchwire/sniwedge/pkg/mangle"
	"github.com/patchwire/sniwedge/pkg/observability"
)

func main() {
	var (
		configFile = pflag.StringP("config", "c", "", "path to an options file (watched for changes)")
		options    = pflag.StringP("options", "o", "", "inline options string, same grammar as the config file")
		metricsAddr = pflag.String("metrics-addr", ":9778", "address to serve /metrics on")
	)
	pflag.Parse()

	viper.SetEnvPrefix("SNIWEDGE")
	viper.AutomaticEnv()

	sink, err := observability.NewLogger("info", "")
	if err != nil {
		os.Exit(1)
	}

	initial, err := loadConfig(*configFile, *options)
	if err != nil {
		sink.Errorf("config load failed: %v", err)
		os.Exit(1)
	}

	handle := mangle.NewHandle(initial)
	counters := &mangle.Counters{}
	metrics := observability.NewMetrics(nil)

	if *configFile != "" {
		watchConfig(*configFile, handle, sink)
	}

	go serveMetrics(*metricsAddr, counters, metrics, sink)

	needV4, needV6 := true, true
	injector, err := inject.New(initial.Global.Mark, needV4, needV6)
	if err != nil {
		sink.Errorf("injector setup failed: %v", err)
		os.Exit(1)
	}
	defer injector.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		sink.Infof("shutting down")
		cancel()
	}()

	if err := runQueue(ctx, handle, counters, metrics, injector, initial.Global.QueueNum, sink); err != nil {
		sink.Errorf("queue loop exited: %v", err)
		os.Exit(1)
	}
}

func loadConfig(configFile, inline string) (*mangle.Config, error) {
	var tokens []string
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		tokens = mangle.Tokenize(string(data))
	} else {
		tokens = mangle.Tokenize(inline)
	}
	return mangle.Parse(tokens)
}

// watchConfig reloads the options file on every write event, per
// spec.md's reconfigure-without-restart requirement. fsnotify events
// sometimes fire twice for a single save; Reconfigure is idempotent
// enough (it just republishes a value) that a duplicate reload is
// harmless.
func watchConfig(path string, handle *mangle.Handle, sink observability.EventSink) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sink.Warnf("config watch disabled: %v", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		sink.Warnf("config watch disabled: %v", err)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := loadConfig(path, "")
				if err != nil {
					sink.Warnf("config reload rejected: %v", err)
					continue
				}
				handle.Reconfigure(cfg)
				sink.Infof("configuration reloaded from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				sink.Warnf("config watch error: %v", err)
			}
		}
	}()
}

func serveMetrics(addr string, counters *mangle.Counters, metrics *observability.Metrics, sink observability.EventSink) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			metrics.Observe(counters.Snapshot())
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	sink.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		sink.Warnf("metrics server exited: %v", err)
	}
}

// runQueue pumps packets out of the NFQUEUE through the decision engine,
// setting the verdict each packet was given, and injecting any Replace
// buffers through the raw-socket injector before dropping the original.
func runQueue(ctx context.Context, handle *mangle.Handle, counters *mangle.Counters, metrics *observability.Metrics, injector *inject.Injector, queueNum uint16, sink observability.EventSink) error {
	cfg := nfqueue.Config{
		NfQueue:      queueNum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  0xFF,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}

	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return err
	}
	defer nf.Close()

	handler := func(a nfqueue.Attribute) int {
		if a.PacketID == nil || a.Payload == nil {
			return 0
		}

		mark := uint32(0)
		if a.Mark != nil {
			mark = *a.Mark
		}

		ipVersion := 4
		if len(*a.Payload) > 0 && (*a.Payload)[0]>>4 == 6 {
			ipVersion = 6
		}

		verdict := mangle.ProcessPacket(handle, counters, *a.Payload, ipVersion, mark, nil)

		switch verdict.Kind {
		case mangle.Drop:
			_ = nf.SetVerdict(*a.PacketID, nfqueue.NfDrop)
		case mangle.Replace:
			for _, buf := range verdict.Buffers {
				sendInjected(injector, buf, ipVersion, sink)
			}
			_ = nf.SetVerdict(*a.PacketID, nfqueue.NfDrop)
		default:
			_ = nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		}
		return 0
	}

	errFn := func(e error) int {
		sink.Warnf("nfqueue error: %v", e)
		return 0
	}

	if err := nf.RegisterWithErrorFunc(ctx, handler, errFn); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func sendInjected(injector *inject.Injector, buf []byte, ipVersion int, sink observability.EventSink) {
	var err error
	switch ipVersion {
	case 4:
		var dst [4]byte
		copy(dst[:], buf[16:20])
		err = injector.SendV4(buf, dst)
	case 6:
		var dst [16]byte
		copy(dst[:], buf[24:40])
		err = injector.SendV6(buf, dst)
	}
	if err != nil {
		sink.Warnf("injection failed: %v", err)
	}
}
