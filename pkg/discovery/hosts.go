package discovery

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/raskyld/dealer/pkg/router"
)

// ParseHosts reads one host[:port] per line. Everything after a '#' is a
// comment and blank lines are skipped. Hosts without a port get
// defaultPort, or DefaultPort when it is zero.
func ParseHosts(text string, defaultPort int) ([]router.Endpoint, error) {
	if defaultPort == 0 {
		defaultPort = DefaultPort
	}

	var endpoints []router.Endpoint
	sc := bufio.NewScanner(strings.NewReader(text))
	for lineno := 1; sc.Scan(); lineno++ {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		addr, err := normalizeHost(line, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		endpoints = append(endpoints, router.NewEndpoint(addr))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return router.SortEndpoints(endpoints), nil
}

func normalizeHost(entry string, defaultPort int) (string, error) {
	host, port, err := net.SplitHostPort(entry)
	if err != nil {
		// Bare host, possibly an unbracketed IPv6 address.
		host, port = strings.Trim(entry, "[]"), strconv.Itoa(defaultPort)
	}
	if host == "" || strings.ContainsAny(host, " \t") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, entry)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: bad port in %q", ErrInvalidHost, entry)
	}
	return net.JoinHostPort(host, port), nil
}
