// Package target defines the database target model and the per-pool configuration.
// A target is one logical database reachable through one or more nodes; a pool
// lends connections to the node currently serving it.
package target

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// Dialects understood by the bundled SQL driver adapter.
const (
	DialectSQLServer = "sqlserver"
	DialectPostgres  = "postgres"
	DialectSQLite    = "sqlite"
	DialectMemory    = "memory"
)

// Node is one host able to serve a target. Lower Priority values are preferred;
// Weight breaks ties (higher first).
type Node struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Priority int    `yaml:"priority"`
	Weight   int    `yaml:"weight"`
}

// Addr returns the host:port address of the node.
func (n Node) Addr() string {
	if n.Port == 0 {
		return n.Host
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Target describes the database a pool connects to.
type Target struct {
	Dialect           string            `yaml:"dialect"`
	Database          string            `yaml:"database"`
	Username          string            `yaml:"username"`
	Password          string            `yaml:"-"`
	PasswordEnv       string            `yaml:"password_env"`
	ConnectionTimeout time.Duration     `yaml:"connection_timeout"`
	LoginTimeout      time.Duration     `yaml:"login_timeout"`
	Params            map[string]string `yaml:"params"`
	Nodes             []Node            `yaml:"nodes"`
}

// SortedNodes returns the configured nodes ordered by preference.
// A target without nodes (e.g. an embedded database) gets a single local node.
func (t *Target) SortedNodes() []Node {
	if len(t.Nodes) == 0 {
		return []Node{{Host: "localhost", Priority: 1, Weight: 1}}
	}
	nodes := make([]Node, len(t.Nodes))
	copy(nodes, t.Nodes)
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority < nodes[j].Priority
		}
		return nodes[i].Weight > nodes[j].Weight
	})
	return nodes
}

// Primary returns the most preferred node.
func (t *Target) Primary() Node {
	return t.SortedNodes()[0]
}

// Validate checks the target. With failover enabled the node list must be
// non-empty and host:port pairs unique.
func (t *Target) Validate(failover bool) error {
	if t.Dialect == "" {
		return fmt.Errorf("target.dialect is required")
	}
	if failover && len(t.Nodes) == 0 {
		return fmt.Errorf("failover requires at least one node")
	}
	seen := make(map[string]struct{}, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.Host == "" {
			return fmt.Errorf("nodes[%d].host is required", i)
		}
		addr := n.Addr()
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("nodes[%d]: duplicate node %s", i, addr)
		}
		seen[addr] = struct{}{}
	}
	return nil
}

// DSN returns the driver connection string for the given node.
func (t *Target) DSN(n Node) string {
	switch t.Dialect {
	case DialectSQLServer:
		q := url.Values{}
		if t.Database != "" {
			q.Set("database", t.Database)
		}
		if t.ConnectionTimeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(t.ConnectionTimeout.Seconds())))
		}
		if t.LoginTimeout > 0 {
			q.Set("dial timeout", strconv.Itoa(int(t.LoginTimeout.Seconds())))
		}
		for k, v := range t.Params {
			q.Set(k, v)
		}
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(t.Username, t.Password),
			Host:     n.Addr(),
			RawQuery: q.Encode(),
		}
		return u.String()

	case DialectPostgres:
		q := url.Values{}
		if t.ConnectionTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(t.ConnectionTimeout.Seconds())))
		}
		for k, v := range t.Params {
			q.Set(k, v)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(t.Username, t.Password),
			Host:     n.Addr(),
			Path:     "/" + t.Database,
			RawQuery: q.Encode(),
		}
		return u.String()

	case DialectSQLite:
		q := url.Values{}
		for k, v := range t.Params {
			q.Set(k, v)
		}
		if len(q) == 0 {
			return "file:" + t.Database
		}
		return "file:" + t.Database + "?" + q.Encode()

	default:
		return t.Dialect + "://" + n.Addr() + "/" + t.Database
	}
}
