// Command erpc-echo runs an echo server or a benchmarking client over the
// UDP fabric. It exists to exercise the runtime end to end on real sockets
// and to expose endpoint metrics to Prometheus.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	erpc "github.com/A-Jer/erpc-go"
	"github.com/A-Jer/erpc-go/exporter"
	"github.com/A-Jer/erpc-go/internal/alloc"
	"github.com/A-Jer/erpc-go/internal/logging"
)

const echoReqType = 1

func main() {
	var (
		mode       = flag.String("mode", "server", "Role: server or client")
		host       = flag.String("host", "127.0.0.1", "Local management host")
		smPort     = flag.Int("sm-port", 31850, "Local management UDP port")
		epID       = flag.Int("id", 0, "Local endpoint ID (0-255)")
		peer       = flag.String("peer", "", "Remote management URI (client mode)")
		peerID     = flag.Int("peer-id", 0, "Remote endpoint ID (client mode)")
		sizeStr    = flag.String("size", "64", "Request payload size (e.g. 64, 4K, 1M)")
		count      = flag.Int("count", 10000, "Requests to issue (client mode)")
		numaNode   = flag.Int("numa", -1, "NUMA node to bind the arena to (-1 = no binding)")
		nic        = flag.String("nic", "", "Detect the NUMA node of this interface and bind to it")
		smallPages = flag.Bool("small-pages", false, "Allow falling back to normal pages")
		metricsOn  = flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9100)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))
	logger := logging.Default()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size %q: %v", *sizeStr, err)
	}

	params := erpc.DefaultParams()
	params.SMHost = *host
	params.SMUDPPort = *smPort
	params.NumaNode = *numaNode
	params.AllowSmallPages = *smallPages
	if *nic != "" {
		if node := alloc.NodeOfInterface(*nic); node >= 0 {
			params.NumaNode = node
			logger.Info("bound arena to NIC NUMA node", "nic", *nic, "node", node)
		} else {
			logger.Warn("interface exposes no NUMA node, leaving binding off", "nic", *nic)
		}
	}

	nexus, err := erpc.NewNexus(params)
	if err != nil {
		log.Fatalf("Failed to bring up nexus: %v", err)
	}
	defer nexus.Close()

	smEvents := make(chan erpc.SMEvent, 16)
	ep, err := erpc.NewEndpoint(nexus, uint8(*epID), func(ev erpc.SMEvent) {
		select {
		case smEvents <- ev:
		default:
		}
	}, params, &erpc.Options{Logger: logger})
	if err != nil {
		log.Fatalf("Failed to create endpoint: %v", err)
	}
	defer ep.Close()

	if *metricsOn != "" {
		collector := exporter.New("erpc", prometheus.Labels{"nexus": nexus.InstanceID()})
		collector.Add(fmt.Sprintf("ep%d", *epID), ep.Metrics())
		prometheus.MustRegister(collector)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsOn, nil); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", *metricsOn)
	}

	// The endpoint belongs to this thread from here on.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	switch *mode {
	case "server":
		runServer(ep, logger)
	case "client":
		if *peer == "" {
			log.Fatal("client mode requires -peer")
		}
		runClient(ep, smEvents, *peer, uint8(*peerID), size, *count, logger)
	default:
		log.Fatalf("Unknown mode %q", *mode)
	}
}

func runServer(ep *erpc.Endpoint, logger *logging.Logger) {
	err := ep.RegisterReqHandler(echoReqType, func(h *erpc.ReqHandle) {
		resp, err := ep.AllocMsgBuffer(h.ReqBuf.Len())
		if err != nil {
			logger.Error("echo handler out of memory", "size", h.ReqBuf.Len())
			return
		}
		copy(resp.Payload(), h.ReqBuf.Payload())
		h.RespBuf = resp
		if err := ep.EnqueueResponse(h); err != nil {
			logger.Error("echo response failed", "error", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to register handler: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("echo server running", "endpoint", ep.ID())

	for {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig)
			return
		default:
			ep.RunEventLoop(100 * time.Millisecond)
		}
	}
}

func runClient(ep *erpc.Endpoint, smEvents <-chan erpc.SMEvent, peer string, peerID uint8,
	size, count int, logger *logging.Logger) {
	sn, err := ep.CreateSession(peer, peerID)
	if err != nil {
		log.Fatalf("CreateSession failed: %v", err)
	}

	for ep.SessionState(sn) != erpc.StateConnected {
		ep.RunEventLoop(time.Millisecond)
		select {
		case ev := <-smEvents:
			if ev.Type == erpc.SMConnectFailed {
				log.Fatalf("Connect failed: %v", ev.Err)
			}
		default:
		}
	}
	logger.Info("session connected", "session", sn, "peer", peer)

	reqBuf, err := ep.AllocMsgBuffer(size)
	if err != nil {
		log.Fatalf("Request buffer: %v", err)
	}
	respBuf, err := ep.AllocMsgBuffer(size)
	if err != nil {
		log.Fatalf("Response buffer: %v", err)
	}
	for i := range reqBuf.Payload() {
		reqBuf.Payload()[i] = byte(i)
	}

	completed := 0
	var failed error
	start := time.Now()
	for i := 0; i < count; i++ {
		done := false
		reqBuf.Reset()
		respBuf.Reset()
		err := ep.EnqueueRequest(sn, echoReqType, reqBuf, respBuf, func(tag any, err error) {
			done = true
			failed = err
		}, nil)
		if err != nil {
			log.Fatalf("EnqueueRequest: %v", err)
		}
		for !done {
			ep.RunEventLoopOnce()
		}
		if failed != nil {
			log.Fatalf("Request %d failed: %v", i, failed)
		}
		completed++
	}
	elapsed := time.Since(start)

	snap := ep.Metrics().Snapshot()
	fmt.Printf("completed %d echoes of %d bytes in %v\n", completed, size, elapsed)
	fmt.Printf("  %.0f req/s, avg latency %v\n",
		float64(completed)/elapsed.Seconds(), time.Duration(snap.AvgLatencyNs))
	fmt.Printf("  tx %d pkts / %d bytes, rx %d pkts / %d bytes, retransmits %d\n",
		snap.PacketsTx, snap.BytesTx, snap.PacketsRx, snap.BytesRx, snap.Retransmits)

	_ = ep.FreeMsgBuffer(reqBuf)
	_ = ep.FreeMsgBuffer(respBuf)
	if err := ep.DestroySession(sn); err == nil {
		ep.RunEventLoop(50 * time.Millisecond)
	}
}

// parseSize parses sizes like "64", "4K", "1M".
func parseSize(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := 1
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "M")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return n * mult, nil
}
