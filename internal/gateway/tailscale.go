// ABOUTME: Tailnet listeners for running the gateway as a tsnet node
// ABOUTME: Resolves state dir and auth key, brings the node up, and opens HTTP and health ports

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Ports opened on the tailnet node. Server addresses do not apply there.
const (
	tailnetHTTPPort   = ":80"
	tailnetHealthPort = ":50051"
)

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey prefers the configured key over TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	for _, key := range []string{configured, os.Getenv("TS_AUTHKEY")} {
		if key != "" {
			return key, nil
		}
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// nodeAddress picks the first tailnet IP and the MagicDNS name from status.
// Either may be empty while the node is still being configured.
func nodeAddress(status *ipnstate.Status) (ip, dnsName string) {
	if status == nil {
		return "", ""
	}
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	return ip, dnsName
}

// listenTailnet joins the tailnet and returns the health and HTTP
// listeners. The node is kept on g so Shutdown can leave the tailnet.
func (g *Gateway) listenTailnet(ctx context.Context) (healthLn, httpLn net.Listener, err error) {
	cfg := g.config.Tailscale

	if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
		g.logger.Warn("server addresses are not used on the tailnet",
			"http_addr", g.config.Server.HTTPAddr,
			"grpc_addr", g.config.Server.GRPCAddr,
		)
	}

	dir, err := resolveTailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	node := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
	}
	fail := func(err error, open ...net.Listener) (net.Listener, net.Listener, error) {
		for _, ln := range open {
			_ = ln.Close()
		}
		_ = node.Close()
		return nil, nil, err
	}

	g.logger.Info("joining tailnet", "hostname", cfg.Hostname, "state_dir", dir, "ephemeral", cfg.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		return fail(fmt.Errorf("starting tailscale: %w", err))
	}

	ip, dnsName := nodeAddress(status)
	if ip == "" {
		g.logger.Warn("tailnet node has no address yet", "hostname", cfg.Hostname)
	}
	g.logger.Info("joined tailnet", "hostname", cfg.Hostname, "ip", ip, "dns_name", dnsName)

	httpLn, err = node.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		return fail(fmt.Errorf("listening on tailnet HTTP port: %w", err))
	}
	healthLn, err = node.Listen("tcp", tailnetHealthPort)
	if err != nil {
		return fail(fmt.Errorf("listening on tailnet health port: %w", err), httpLn)
	}

	g.tsnetServer = node
	return healthLn, httpLn, nil
}
