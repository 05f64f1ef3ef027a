// Command sshctl is an interactive client for a Surface Serial Hub
// link: it opens the UART, probes the controller, and offers a small
// command loop for issuing requests and inspecting event traffic.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iwanders/surface-serial-hub/controller"
	"github.com/iwanders/surface-serial-hub/internal/logging"
	"github.com/iwanders/surface-serial-hub/link"
	"github.com/iwanders/surface-serial-hub/metrics"
	"github.com/iwanders/surface-serial-hub/sshtransport"
	"github.com/iwanders/surface-serial-hub/telemetry"
)

// deviceRegistry looks up a live Controller by the device path it was
// opened for. A single-device CLI session only ever registers one
// entry, but the Registry is what lets a longer-lived process (e.g. a
// daemon managing several UARTs) address controllers by name instead
// of threading a *Controller through every call site.
var deviceRegistry = controller.NewRegistry()

var (
	device             = flag.String("device", "/dev/ttyS0", "UART device path")
	baud               = flag.Int("baud", 115200, "Baud rate (normally resolved from ACPI on real hardware)")
	parity             = flag.String("parity", "none", "Parity: none, even, odd")
	verbose            = flag.Bool("verbose", false, "Enable debug logging")
	shortCircuitStatus = flag.Bool("short-circuit-base-status", false, "Enable the legacy base-status short-circuit quirk")
	metricsAddr        = flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")
	redisAddr          = flag.String("redis-addr", "", "If set, publish a trace of requests/events to this Redis server")
	redisChannel       = flag.String("redis-channel", "ssh:trace", "Redis channel used for the trace published to -redis-addr")
)

func main() {
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	log := logging.New(logCfg)
	logging.SetDefault(log)

	port, err := link.Open(link.Config{Device: *device, Baud: *baud, Parity: parseParity(*parity)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open %s: %v\n", *device, err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts := []controller.Option{controller.WithLogger(log), controller.WithMetrics(m), controller.WithName(*device)}
	if *shortCircuitStatus {
		opts = append(opts, controller.WithShortCircuitBaseStatus())
	}
	if *redisAddr != "" {
		client, err := telemetry.Dial(context.Background(), *redisAddr, "", 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to connect to Redis at %s: %v\n", *redisAddr, err)
			os.Exit(1)
		}
		opts = append(opts, controller.WithTelemetry(telemetry.NewSink(client, *redisChannel, log)))
	}
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg, log)
	}
	c := controller.New(port, opts...)
	if err := deviceRegistry.Register(*device, c); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer deviceRegistry.Unregister(*device)

	fmt.Printf("Connecting to %s...\n", *device)
	if err := c.Probe(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: probe failed: %v\n", err)
		os.Exit(1)
	}
	defer c.Remove()

	if err := c.ConsumerAdd(newSessionConsumer(log)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: consumer attach failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Controller initialized.")
	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	runLoop(c, m)
}

// serveMetrics exposes reg over /metrics on addr until the process
// exits. Errors are logged, not fatal: an operator who asked for
// metrics shouldn't lose the whole CLI session over a bind failure.
func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("serving metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped: %v", err)
	}
}

// sessionConsumer is the interactive CLI session itself, registered as
// a controller.Consumer so teardown ordering (consumer detaches before
// the controller closes its link) is exercised the same way a longer-
// lived client driver would use it.
type sessionConsumer struct {
	log *logging.Logger
}

func newSessionConsumer(log *logging.Logger) *sessionConsumer {
	return &sessionConsumer{log: log}
}

func (s *sessionConsumer) Attach(c *controller.Controller) error {
	s.log.Infof("cli session attached to controller")
	return nil
}

func (s *sessionConsumer) Detach(c *controller.Controller) error {
	s.log.Infof("cli session detached from controller")
	return nil
}

func parseParity(s string) link.Parity {
	switch strings.ToLower(s) {
	case "even":
		return link.ParityEven
	case "odd":
		return link.ParityOdd
	default:
		return link.ParityNone
	}
}

func runLoop(c *controller.Controller, m *metrics.Metrics) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		switch parts[0] {
		case "quit", "exit", "q":
			fmt.Println("Goodbye!")
			return
		case "help", "?":
			printHelp()
		case "state":
			fmt.Println(c.State())
		case "request":
			if err := handleRequest(c, parts[1:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		case "suspend":
			if err := c.Suspend(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		case "resume":
			if err := c.Resume(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		case "subscribe":
			if err := handleSubscribe(c, parts[1:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		case "unsubscribe":
			if err := handleUnsubscribe(c, parts[1:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		default:
			fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", parts[0])
		}
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  state                          - Print the controller lifecycle state")
	fmt.Println("  request <tc> <iid> <cid> [hex]  - Issue a request, waiting for a response")
	fmt.Println("  suspend                        - Suspend the controller")
	fmt.Println("  resume                         - Resume the controller")
	fmt.Println("  subscribe <rqid>               - Print events delivered for an event request-id")
	fmt.Println("  unsubscribe <rqid>              - Stop printing events for a request-id")
	fmt.Println("  help / ?                       - Show this help message")
	fmt.Println("  quit / exit / q                - Exit the program")
	fmt.Println()
}

func handleSubscribe(c *controller.Controller, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: subscribe <rqid>")
	}
	rqid, err := parseRequestID(args[0])
	if err != nil {
		return fmt.Errorf("rqid: %w", err)
	}
	c.SetEventHandler(rqid, func(payload []byte, userData interface{}) int {
		fmt.Printf("\nevent rqid=%d payload=% X\n> ", rqid, payload)
		return 0
	}, nil)
	fmt.Printf("subscribed to events for rqid=%d\n", rqid)
	return nil
}

func handleUnsubscribe(c *controller.Controller, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: unsubscribe <rqid>")
	}
	rqid, err := parseRequestID(args[0])
	if err != nil {
		return fmt.Errorf("rqid: %w", err)
	}
	c.RemoveEventHandler(rqid)
	fmt.Printf("unsubscribed from events for rqid=%d\n", rqid)
	return nil
}

func parseRequestID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func handleRequest(c *controller.Controller, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: request <tc> <iid> <cid> [hex-payload]")
	}
	tc, err := parseByte(args[0])
	if err != nil {
		return fmt.Errorf("tc: %w", err)
	}
	iid, err := parseByte(args[1])
	if err != nil {
		return fmt.Errorf("iid: %w", err)
	}
	cid, err := parseByte(args[2])
	if err != nil {
		return fmt.Errorf("cid: %w", err)
	}
	var payload []byte
	if len(args) > 3 {
		payload, err = parseHex(args[3])
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
	}

	req := sshtransport.Request{TargetCategory: tc, InstanceID: iid, CommandID: cid, SNC: true, Payload: payload}
	resp := &sshtransport.ResponseBuffer{Data: make([]byte, 256)}
	if err := c.Request(req, resp); err != nil {
		return err
	}
	fmt.Printf("response (%d bytes): % X\n", len(resp.Filled()), resp.Filled())
	return nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, " ", "")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
