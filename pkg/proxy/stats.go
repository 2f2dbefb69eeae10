// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

// Stats is a point-in-time view of the relay.
type Stats struct {
	State          string `json:"state"`
	Upstream       string `json:"upstream"`
	Clients        int    `json:"clients"`
	HeaderBytes    int    `json:"header_bytes"`
	Connects       uint64 `json:"connects"`
	ChunksRelayed  uint64 `json:"chunks_relayed"`
	BytesRelayed   uint64 `json:"bytes_relayed"`
	ClientsServed  uint64 `json:"clients_served"`
	ClientsPruned  uint64 `json:"clients_pruned"`
	AttachFailures uint64 `json:"attach_failures"`
}

// Stats returns the current counters. Counters are read outside the lock and
// may be a little ahead of State/Clients.
func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		State:       p.link.state.String(),
		Upstream:    p.cfg.UpstreamAddr,
		Clients:     p.clients.count(),
		HeaderBytes: len(p.link.header()),
	}
	p.mu.Unlock()

	s.Connects = p.link.connects.Load()
	s.ChunksRelayed = p.chunksRelayed.Load()
	s.BytesRelayed = p.bytesRelayed.Load()
	s.ClientsServed = p.clientsServed.Load()
	s.ClientsPruned = p.clientsPruned.Load()
	s.AttachFailures = p.attachFailures.Load()
	return s
}
