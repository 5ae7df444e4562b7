package services

import (
	"VPN-Reseller-bot/internal/db"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultNodePort  = "443"
	nodeProbeTimeout = 2 * time.Second
)

type NodeStatus struct {
	Name        string
	Addr        string
	Online      bool
	Latency     time.Duration
	LastChecked time.Time
}

type Alerter interface {
	Alert(ctx context.Context, format string, args ...any)
}

// NodeProber checks TCP reachability of the configured VPN nodes and alerts admins when a
// node goes down or comes back.
type NodeProber struct {
	nodes   interface{ Load() ([]db.Node, error) }
	alerter Alerter
	log     *zap.Logger
	timeout time.Duration

	mu   sync.Mutex
	last []NodeStatus
	down map[string]bool
}

func NewNodeProber(store *db.Store, alerter Alerter, log *zap.Logger) *NodeProber {
	return &NodeProber{nodes: store.Nodes, alerter: alerter, log: log, timeout: nodeProbeTimeout, down: make(map[string]bool)}
}

// Statuses returns the result of the last probe.
func (p *NodeProber) Statuses() []NodeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NodeStatus, len(p.last))
	copy(out, p.last)
	return out
}

func (p *NodeProber) Run(ctx context.Context) error {
	_, err := p.Probe(ctx)
	return err
}

// Probe dials every node once.
func (p *NodeProber) Probe(ctx context.Context) ([]NodeStatus, error) {
	nodes, err := p.nodes.Load()
	if err != nil {
		return nil, err
	}
	statuses := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		port := n.Port
		if port == "" {
			port = defaultNodePort
		}
		st := NodeStatus{Name: n.Name, Addr: net.JoinHostPort(n.IP, port)}
		d := net.Dialer{Timeout: p.timeout}
		start := time.Now()
		conn, err := d.DialContext(ctx, "tcp", st.Addr)
		if err == nil {
			st.Online = true
			st.Latency = time.Since(start)
			conn.Close()
		} else {
			p.log.Debug("node unreachable", zap.String("node", n.Name), zap.String("addr", st.Addr), zap.Error(err))
		}
		st.LastChecked = time.Now()
		statuses = append(statuses, st)
	}

	p.mu.Lock()
	p.last = statuses
	var changed []NodeStatus
	for _, st := range statuses {
		if p.down[st.Addr] == !st.Online {
			continue
		}
		p.down[st.Addr] = !st.Online
		changed = append(changed, st)
	}
	p.mu.Unlock()

	for _, st := range changed {
		if st.Online {
			p.alerter.Alert(ctx, "Node %s (%s) is back online", st.Name, st.Addr)
		} else {
			p.alerter.Alert(ctx, "Node %s (%s) is unreachable!", st.Name, st.Addr)
		}
	}
	return statuses, nil
}

// FormatStatuses renders probe results for the admin panel.
func FormatStatuses(statuses []NodeStatus) string {
	if len(statuses) == 0 {
		return "No nodes configured."
	}
	var b strings.Builder
	for _, st := range statuses {
		mark := "❌ offline"
		if st.Online {
			mark = fmt.Sprintf("✅ online (%d ms)", st.Latency.Milliseconds())
		}
		fmt.Fprintf(&b, "%s %s: %s\n", st.Name, st.Addr, mark)
	}
	return strings.TrimRight(b.String(), "\n")
}
