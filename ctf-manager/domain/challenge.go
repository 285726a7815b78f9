package domain

import (
	"strconv"
	"strings"
	"time"
)

const (
	DefaultInternalPort       = 80
	DefaultConnectionTemplate = "http://{host}:{port}"
)

// Challenge is the container-related part of a challenge definition owned by
// the surrounding application.
type Challenge struct {
	ChallengeID        int64     `json:"challenge_id"`
	Name               string    `json:"name"`
	ImageRef           string    `json:"image"`
	InternalPort       int       `json:"internal_port"`
	DockerEnabled      bool      `json:"docker_enabled"`
	MemoryLimitMB      int64     `json:"memory_limit_mb"`
	CPULimit           float64   `json:"cpu_limit"`
	TeamScoped         bool      `json:"team_scoped"`
	ConnectionTemplate string    `json:"connection_info"`
	FlagPath           string    `json:"flag_path"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (c *Challenge) ContainerEnabled() bool {
	return c.DockerEnabled && strings.TrimSpace(c.ImageRef) != ""
}

func (c *Challenge) Port() int {
	if c.InternalPort <= 0 {
		return DefaultInternalPort
	}
	return c.InternalPort
}

// Endpoint renders the connection template for a host and port.
func (c *Challenge) Endpoint(host string, port int) string {
	tmpl := c.ConnectionTemplate
	if tmpl == "" {
		tmpl = DefaultConnectionTemplate
	}
	return strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(port)).Replace(tmpl)
}

// Scope returns the requester as seen by this challenge: team scoping only
// applies to team-scoped challenges.
func (c *Challenge) Scope(r Requester) Requester {
	if !c.TeamScoped {
		return Requester{UserID: r.UserID, IP: r.IP}
	}
	return r
}
