// Command cabot is a minimal curl-like HTTP/1.1 client exercising the
// cabot library. It is a thin collaborator: flag parsing and verbose
// rendering live here, every protocol decision lives in the library.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flag"

	"fortio.org/cli"
	"fortio.org/log"

	cabot "github.com/mardiros/cabot"
	"github.com/mardiros/cabot/pkg/request"
	"github.com/mardiros/cabot/pkg/resolver"
	"github.com/mardiros/cabot/pkg/trace"
	"github.com/mardiros/cabot/pkg/urlx"
)

const version = "1.0.0"

// headerFlags collects repeated -H NAME:VALUE occurrences.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ",") }

func (h *headerFlags) Set(value string) error {
	*h = append(*h, value)
	return nil
}

// resolveFlags collects repeated --resolve host:port:address occurrences.
type resolveFlags []string

func (r *resolveFlags) String() string { return strings.Join(*r, ",") }

func (r *resolveFlags) Set(value string) error {
	*r = append(*r, value)
	return nil
}

var (
	ipv4Flag      = flag.Bool("4", false, "Resolve names to IPv4 addresses only")
	ipv6Flag      = flag.Bool("6", false, "Resolve names to IPv6 addresses only")
	verboseFlag   = flag.Bool("v", false, "Print the request/response trace to stderr")
	versionFlag   = flag.Bool("V", false, "Print version and exit")
	bodyFlag      = flag.String("d", "", "`BODY` to send with the request, switches the default method to POST")
	connectTOFlag = flag.Int("connect-timeout", 15, "Connect timeout, in `seconds`")
	dnsTOFlag     = flag.Int("dns-timeout", 5, "DNS resolution timeout, in `seconds`")
	outFlag       = flag.String("o", "", "Write the response body to `FILE` instead of stdout")
	maxRedirsFlag = flag.Int("max-redirs", 16, "Maximum number of redirects to follow")
	readTOFlag    = flag.Int("read-timeout", 10, "Read timeout, in `seconds`")
	methodFlag    = flag.String("X", "GET", "HTTP `METHOD`")
	maxTimeFlag   = flag.Int("max-time", 0, "Overall request timeout, in `seconds` (0 = unlimited)")
	uaFlag        = flag.String("A", "cabot/"+version, "`USER-AGENT` header value")

	headerFlagsValue  headerFlags
	resolveFlagsValue resolveFlags
)

func main() {
	flag.Var(&headerFlagsValue, "H", "Additional request header `NAME:VALUE`, repeatable")
	flag.Var(&resolveFlagsValue, "resolve", "Static `host:port:address` resolution override, repeatable")

	cli.ProgramName = "cabot"
	cli.ArgsHelp = "URL"
	cli.MinArgs = 1
	cli.MaxArgs = 1
	cli.Main()

	if *versionFlag {
		fmt.Println("cabot " + version)
		return
	}

	rawURL := flag.Arg(0)
	u, err := urlx.Parse(rawURL)
	if err != nil {
		log.Fatalf("invalid URL %q: %v", rawURL, err)
	}

	req := request.New(u)
	req.Method = strings.ToUpper(strings.TrimSpace(*methodFlag))
	if *bodyFlag != "" {
		req.Body = []byte(*bodyFlag)
		if req.Method == "GET" {
			req.Method = "POST"
		}
	}
	for _, h := range headerFlagsValue {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			log.Fatalf("invalid -H value %q, expected NAME:VALUE", h)
		}
		req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	family := resolver.Any
	switch {
	case *ipv4Flag:
		family = resolver.IPv4Only
	case *ipv6Flag:
		family = resolver.IPv6Only
	}

	client := cabot.New(cabot.ClientConfig{
		UserAgent:      *uaFlag,
		DNSTimeout:     time.Duration(*dnsTOFlag) * time.Second,
		ConnectTimeout: time.Duration(*connectTOFlag) * time.Second,
		ReadTimeout:    time.Duration(*readTOFlag) * time.Second,
		RequestTimeout: time.Duration(*maxTimeFlag) * time.Second,
		Family:         family,
		MaxRedirects:   *maxRedirsFlag,
		Resolve:        parseResolveFlags(resolveFlagsValue),
	})

	var recorder trace.Recorder
	if *verboseFlag {
		recorder = trace.RecorderFunc(printTrace)
	}

	resp, err := client.Run(context.Background(), req, recorder)
	if err != nil {
		log.Errf("%v", err)
		os.Exit(1)
	}

	out := os.Stdout
	if *outFlag != "" {
		f, ferr := os.Create(*outFlag)
		if ferr != nil {
			log.Fatalf("cannot create %s: %v", *outFlag, ferr)
		}
		defer f.Close()
		out = f
	}
	if err := resp.Drain(out); err != nil {
		log.Errf("%v", err)
		os.Exit(1)
	}
}

// parseResolveFlags turns repeated "host:port:address" entries into the
// Authority override map ClientConfig.Resolve expects.
func parseResolveFlags(entries []string) map[urlx.Authority][]string {
	if len(entries) == 0 {
		return nil
	}
	overrides := make(map[urlx.Authority][]string, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			log.Fatalf("invalid --resolve value %q, expected host:port:address", entry)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			log.Fatalf("invalid port in --resolve value %q: %v", entry, err)
		}
		authority := urlx.Authority{Host: parts[0], Port: port}
		overrides[authority] = append(overrides[authority], parts[2])
	}
	return overrides
}

// printTrace renders a trace.Event with curl-verbose-style stable prefixes:
// "*" for informational lines, ">" for outgoing, "<" for incoming.
func printTrace(e trace.Event) {
	switch e.Kind {
	case trace.KindResolved, trace.KindReadDeadlineOverridden, trace.KindMaxRedirects:
		fmt.Fprintln(os.Stderr, "* "+e.Message)
	case trace.KindRequestLine, trace.KindRequestHeader, trace.KindRequestHeadersDone:
		fmt.Fprintln(os.Stderr, "> "+e.Message)
	case trace.KindStatusLine, trace.KindResponseHeader:
		fmt.Fprintln(os.Stderr, "< "+e.Message)
	case trace.KindPhase:
		// Connection-setup timing; not one of the stable-prefix trace lines.
	}
}
