package runtime

import (
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/kavos113/quickctf/ctf-manager/config"
)

// ResolveHostAddress returns the address players use to reach published
// ports: the configured public host, else the host part of DOCKER_HOST, else
// the local hostname.
func ResolveHostAddress(cfg config.DockerConfig) string {
	return resolveHostAddress(cfg, os.Hostname)
}

func resolveHostAddress(cfg config.DockerConfig, hostname func() (string, error)) string {
	if host := strings.TrimSpace(cfg.PublicHost); host != "" {
		return host
	}
	if host := dockerHostName(cfg.Host); host != "" {
		return host
	}
	if host, err := hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}

// dockerHostName extracts the host from a DOCKER_HOST value. Local sockets
// have no usable host and yield "".
func dockerHostName(dockerHost string) string {
	dockerHost = strings.TrimSpace(dockerHost)
	if dockerHost == "" {
		return ""
	}

	if strings.Contains(dockerHost, "://") {
		u, err := url.Parse(dockerHost)
		if err != nil {
			return ""
		}
		switch u.Scheme {
		case "unix", "npipe", "fd":
			return ""
		}
		return u.Hostname()
	}

	if host, _, err := net.SplitHostPort(dockerHost); err == nil {
		return host
	}
	return dockerHost
}
