package torrent

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rstor/swarmcore/metainfo"
	"github.com/rstor/swarmcore/storage"
	"github.com/rstor/swarmcore/tracker"
	"github.com/rstor/swarmcore/version"
)

// retryInterval is how soon a failed announce is retried, per spec §5's
// "retried on the next tracker/group and then on a backoff interval"
// propagation rule for tracker failures.
const retryInterval = 30 * time.Second

// defaultAnnounceInterval matches TrackerGroup's own pre-announce default.
const defaultAnnounceInterval = 1800 * time.Second

func intervalOrDefault(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultAnnounceInterval
	}
	return time.Duration(seconds) * time.Second
}

// EngineConfig bundles the settings a caller picks when constructing an
// Engine: listen address, concurrency limits and throttle caps. Everything
// has a workable zero value. The peer id is not configurable here.
type EngineConfig struct {
	ListenAddr      string
	MaxIncomingConn int
	PipelineDepth   int
	MaxUnchoked     int
	Throttle        ThrottleConfig
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.MaxIncomingConn == 0 {
		c.MaxIncomingConn = 50
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 8
	}
	if c.MaxUnchoked == 0 {
		c.MaxUnchoked = 4
	}
	return c
}

// Engine is the single top-level owner of every long-lived collaborator:
// the listener, the handshake manager, the hash queue, the throttle
// control and a scheduler of its own (for tracker announces; incoming
// connections are accepted on a goroutine of their own), per spec §9's
// Design Note. The only package-level mutable state is handshake.go's
// peerIDCounter and errors.go's panicHook; every other stateful value is
// reachable only by holding an *Engine.
type Engine struct {
	cfg EngineConfig

	peerID [20]byte

	listener  Listener
	handshake *HandshakeManager
	hashQueue *HashQueue
	throttle  *ThrottleControl
	scheduler *Scheduler

	mu       sync.Mutex
	torrents map[[20]byte]*Torrent
	trackers map[[20]byte]*tracker.TrackerGroup

	closeCh chan struct{}
	closed  bool
}

// NewEngine allocates an Engine's owned collaborators but does not yet bind
// a listener; call Listen to start accepting incoming connections.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		hashQueue: NewHashQueue(),
		throttle:  NewThrottleControl(cfg.Throttle),
		scheduler: NewScheduler(),
		torrents:  make(map[[20]byte]*Torrent),
		trackers:  make(map[[20]byte]*tracker.TrackerGroup),
		closeCh:   make(chan struct{}),
	}
	if _, err := rand.Read(e.peerID[:]); err != nil {
		return nil, fmt.Errorf("engine: generating peer id: %w", err)
	}
	copy(e.peerID[:], version.DefaultBep20Prefix)
	e.handshake = NewHandshakeManager(e.peerID, cfg.MaxIncomingConn, e.lookupTorrent)
	return e, nil
}

func (e *Engine) lookupTorrent(infoHash [20]byte) (*Torrent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.torrents[infoHash]
	return t, ok
}

// Listen binds the engine's TCP listener and starts the accept loop.
func (e *Engine) Listen() error {
	l, err := Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return err
	}
	e.listener = l
	go e.acceptLoop()
	return nil
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
				continue
			}
		}
		go func() {
			pc, t, err := e.handshake.AcceptIncoming(conn)
			if err != nil {
				return
			}
			t.AddPeer(pc)
		}()
	}
}

// AddTorrent registers a torrent from a loaded, validated MetaInfo and an
// already-open Content, wiring its tracker group and starting its announce
// loop. The returned Torrent is owned by the Engine from this point on.
//
// If resume is non-nil, it's decoded as a fast-resume record (spec §6) and
// checked against fileMtimes: files whose recorded mtime doesn't match are
// re-hashed chunk-by-chunk rather than trusted, per resumeCheck's contract.
// A nil resume, or one that fails LoadResume's own sanity checks, simply
// starts the torrent with nothing marked done.
func (e *Engine) AddTorrent(mi *metainfo.MetaInfo, info metainfo.Info, content *Content, resume io.Reader, fileMtimes []int64) (*Torrent, error) {
	infoHash := mi.HashInfoBytes()

	e.mu.Lock()
	if _, exists := e.torrents[infoHash]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: torrent %x already added", infoHash)
	}
	e.mu.Unlock()

	t := NewTorrent(infoHash, info, content, e.hashQueue, e.cfg.PipelineDepth, e.cfg.MaxUnchoked, e.throttle)
	tg := tracker.NewTrackerGroup(tracker.NewHTTPTransport(), mi.Announce, mi.AnnounceList)

	e.mu.Lock()
	e.torrents[infoHash] = t
	e.trackers[infoHash] = tg
	e.mu.Unlock()

	t.OnDownloadComplete(func() { e.announce(infoHash, tracker.EventCompleted) })
	t.OnPeerDisconnect(func(peerID [20]byte) { e.handshake.Disconnected(infoHash, peerID) })

	if resume != nil {
		res, ok, err := metainfo.LoadResume(resume, content.NumChunks(), len(info.UpvertedFiles()))
		if err != nil {
			return nil, fmt.Errorf("engine: loading resume data: %w", err)
		}
		if ok {
			t.resumeCheck(res, fileMtimes).Start()
		}
	}

	e.scheduleAnnounce(infoHash, tracker.EventStarted)
	return t, nil
}

// SaveResume snapshots infoHash's torrent into a fast-resume record and
// bencodes it to w, per spec §6. fileMtimes must be index-aligned with the
// torrent's file list, recorded as-is for a later AddTorrent resume check
// to compare against.
func (e *Engine) SaveResume(infoHash [20]byte, fileMtimes []int64, w io.Writer) error {
	t, ok := e.lookupTorrent(infoHash)
	if !ok {
		return fmt.Errorf("engine: torrent %x not found", infoHash)
	}
	return metainfo.SaveResume(w, t.saveResume(fileMtimes))
}

func (e *Engine) scheduleAnnounce(infoHash [20]byte, event tracker.Event) {
	e.scheduler.Defer(func() { e.announce(infoHash, event) })
}

func (e *Engine) announce(infoHash [20]byte, event tracker.Event) {
	e.mu.Lock()
	t, ok := e.torrents[infoHash]
	tg, tgOK := e.trackers[infoHash]
	e.mu.Unlock()
	if !ok || !tgOK {
		return
	}

	req := tracker.AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   e.peerID,
		Port:     e.listenPort(),
		Left:     t.content.TotalSize() - t.content.BytesCompleted(),
		Compact:  true,
		NumWant:  50,
		Event:    event,
	}
	resp, err := tg.Announce(context.Background(), req)
	if err != nil {
		// Best-effort: retried on the next scheduled announce per spec
		// §5's "retried on the next tracker/group and then on a backoff
		// interval" propagation rule.
		e.scheduler.After(retryInterval, func() { e.announce(infoHash, tracker.EventNone) })
		return
	}
	for _, p := range resp.Peers {
		addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
		t.net.AddAvailablePeer(addr, p.ID)
	}
	interval := intervalOrDefault(resp.Interval)
	e.scheduler.After(interval, func() { e.announce(infoHash, tracker.EventNone) })
}

func (e *Engine) listenPort() int {
	if e.listener == nil {
		return 0
	}
	port, err := ListenPort(e.listener)
	if err != nil {
		return 0
	}
	return port
}

// Tick drains hash results and runs all due scheduled work across the
// engine and every registered torrent. Call this once per loop iteration
// from whatever goroutine the caller designates as the engine's owner.
func (e *Engine) Tick() {
	e.scheduler.RunDue()
	e.mu.Lock()
	torrents := make([]*Torrent, 0, len(e.torrents))
	for _, t := range e.torrents {
		torrents = append(torrents, t)
	}
	e.mu.Unlock()
	for _, t := range torrents {
		t.Tick()
	}
}

// Close tears down the listener, stops the hash queue, and best-effort
// announces "stopped" to every torrent's tracker group.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closeCh)
	torrents := make(map[[20]byte]*Torrent, len(e.torrents))
	for k, v := range e.torrents {
		torrents[k] = v
	}
	e.mu.Unlock()

	for infoHash, t := range torrents {
		e.mu.Lock()
		tg := e.trackers[infoHash]
		e.mu.Unlock()
		if tg == nil {
			continue
		}
		tg.Stop(context.Background(), tracker.AnnounceRequest{
			InfoHash: infoHash,
			PeerID:   e.peerID,
			Port:     e.listenPort(),
			Left:     t.content.TotalSize() - t.content.BytesCompleted(),
		})
	}

	e.hashQueue.Close()
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

// ContentOptions wraps the handful of parameters needed to go from a
// MetaInfo to an open Content, saving callers the ClientImpl plumbing.
type ContentOptions struct {
	ChunkSize int64
	Storage   storage.ClientImpl
	Writable  bool
}

// OpenContent builds a Content from mi's info dict, ready to be passed to
// AddTorrent.
func OpenContent(mi *metainfo.MetaInfo, info metainfo.Info, opts ContentOptions) (*Content, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = info.PieceLength
	}
	c := NewContent(chunkSize)
	for _, f := range info.UpvertedFiles() {
		c.AddFile(f.Path, f.Length)
	}
	c.SetCompleteHash([]byte(info.Pieces))
	infoHash := mi.HashInfoBytes()
	if err := c.Open(opts.Storage, infoHash, opts.Writable); err != nil {
		return nil, err
	}
	return c, nil
}
