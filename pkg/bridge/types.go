package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/webagent/pkg/agent"
)

var (
	// ErrChannelClosed means the executor disconnected before replying
	ErrChannelClosed = errors.New("channel closed")
	// ErrNoPeer means no executor with the requested id is connected
	ErrNoPeer = errors.New("executor not connected")
)

// Message types sent by executors
const (
	MessageHello = "hello"
)

// CommandMessage is sent to an executor
type CommandMessage struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Command agent.Command `json:"command"`
}

// ReplyMessage is received from an executor. A reply carries the id of the
// command it answers; a hello carries no id and describes the peer's surface.
type ReplyMessage struct {
	ID      string       `json:"id,omitempty"`
	Type    string       `json:"type,omitempty"`
	Status  agent.Status `json:"status,omitempty"`
	Message string       `json:"message,omitempty"`
	URL     string       `json:"url,omitempty"`
	Title   string       `json:"title,omitempty"`
}

// Peer is one connected executor
type Peer struct {
	ID          string
	Conn        *websocket.Conn
	RemoteAddr  string
	ConnectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	url          string
	title        string
	pending      map[string]chan ReplyMessage

	writeMu sync.Mutex
	closed  chan struct{}
}

func newPeer(id string, conn *websocket.Conn, remoteAddr string) *Peer {
	now := time.Now()
	return &Peer{
		ID:           id,
		Conn:         conn,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		lastActivity: now,
		pending:      make(map[string]chan ReplyMessage),
		closed:       make(chan struct{}),
	}
}

// Target describes the peer as a dispatch target
func (p *Peer) Target() agent.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return agent.Target{ID: p.ID, URL: p.url, Title: p.title}
}

// LastActivity returns when the peer last sent anything
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *Peer) describe(url, title string) {
	p.mu.Lock()
	p.url, p.title = url, title
	p.mu.Unlock()
}

func (p *Peer) expect(id string) chan ReplyMessage {
	ch := make(chan ReplyMessage, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// resolve hands a reply to its waiter once; unknown or repeated ids are dropped
func (p *Peer) resolve(reply ReplyMessage) bool {
	p.mu.Lock()
	ch, ok := p.pending[reply.ID]
	delete(p.pending, reply.ID)
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

func (p *Peer) writeJSON(v interface{}, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.Conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// PeerRegistry tracks connected executors
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerRegistry creates an empty registry
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*Peer)}
}

// Add registers a peer
func (r *PeerRegistry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
}

// Remove unregisters a peer
func (r *PeerRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Get returns a peer by id
func (r *PeerRegistry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// GetAll returns every connected peer
func (r *PeerRegistry) GetAll() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// MostRecent returns the peer that was active last
func (r *PeerRegistry) MostRecent() (*Peer, bool) {
	var best *Peer
	for _, p := range r.GetAll() {
		if best == nil {
			best = p
			continue
		}
		pa, ba := p.LastActivity(), best.LastActivity()
		if pa.After(ba) || (pa.Equal(ba) && p.ConnectedAt.After(best.ConnectedAt)) {
			best = p
		}
	}
	return best, best != nil
}

// Count returns the number of connected peers
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
