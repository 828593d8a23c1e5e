package dealer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
discovery:
  interval: 50ms
storage:
  type: dir
  path: %s
transport:
  type: memory
services:
  - name: echo
    app: echo@1
    discovery: static
    hosts: [b1:5000, "b2"]
    handles: [ping, pong]
    policy: {timeout: 1.5, max_retries: 2, persistent: true}
  - name: files
    discovery: file
    hosts: %s
    handles: [get]
`

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "files.hosts")
	require.NoError(t, os.WriteFile(hostsPath, []byte("f1:7000\n"), 0o644))
	cfgPath := filepath.Join(dir, "dealer.yaml")
	require.NoError(t, os.WriteFile(cfgPath, fmt.Appendf(nil, testConfig, filepath.Join(dir, "store"), hostsPath), 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, cfg.Discovery.Interval)
	require.Len(t, cfg.Services, 2)
	echo := cfg.Services[0]
	require.Equal(t, Hosts{"b1:5000", "b2"}, echo.Hosts)
	require.Equal(t, []string{"ping", "pong"}, echo.Handles)
	require.Equal(t, Policy{Timeout: 1.5, MaxRetries: 2, Persistent: true}, echo.Policy)
	require.Equal(t, Hosts{hostsPath}, cfg.Services[1].Hosts)

	c, err := NewFromConfig(cfgPath, WithMetricSink(nil), WithTimings(testTimings))
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, []string{"echo", "files"}, c.Services())
	require.NoError(t, c.Refresh(t.Context()))

	svc, ok := c.Service("echo")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return len(svc.Handles()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("invalid", func(t *testing.T) {
		for _, doc := range []string{
			"storage: {type: dir}",
			"transport: {type: carrier-pigeon}",
			"services: [{name: a, discovery: static, handles: [h]}]",
			"services: [{name: a, discovery: gossip, hosts: x, handles: [h]}]",
			"services: [{name: a, discovery: file, hosts: x}]",
			"services: [{name: a, discovery: file, hosts: {x: y}, handles: [h]}]",
			"services: [{name: a, discovery: dns, hosts: x, handles: [h]}]",
		} {
			_, err := ParseConfig([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidCfg, doc)
		}
	})
}
