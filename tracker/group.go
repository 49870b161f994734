package tracker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group is one BEP 12 announce-list tier: an ordered list of tracker URLs.
// A successful announce promotes its tracker to index 0 so the next round
// starts there.
type Group struct {
	mu   sync.Mutex
	urls []string
}

// NewGroup returns a Group over urls, in the order given.
func NewGroup(urls []string) *Group {
	g := &Group{urls: append([]string(nil), urls...)}
	return g
}

func (g *Group) snapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.urls...)
}

func (g *Group) promote(url string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, u := range g.urls {
		if u == url {
			copy(g.urls[1:i+1], g.urls[:i])
			g.urls[0] = url
			return
		}
	}
}

// TrackerGroup holds the ordered tiers from a torrent's announce-list (or a
// single group wrapping the lone "announce" URL), and runs the announce
// fan-out-with-first-success described in spec §4.8: within a group,
// trackers are tried in order until one succeeds (sequential BEP 12
// failover, with the winner promoted to the head of its group); across
// groups, attempts run concurrently via errgroup and the first group to
// succeed supplies the response. A success does not cancel the other
// groups; Announce waits for every group's attempt to finish.
type TrackerGroup struct {
	transport Transport
	groups    []*Group

	mu          sync.Mutex
	started     bool
	trackerID   string
	interval    int
	minInterval int
}

// NewTrackerGroup builds a TrackerGroup from an announce-list (outer slice
// is tiers, inner slice is URLs within a tier) falling back to a single
// one-tracker group when announceList is empty.
func NewTrackerGroup(transport Transport, announce string, announceList [][]string) *TrackerGroup {
	var groups []*Group
	if len(announceList) > 0 {
		for _, tier := range announceList {
			if len(tier) > 0 {
				groups = append(groups, NewGroup(tier))
			}
		}
	}
	if len(groups) == 0 && announce != "" {
		groups = append(groups, NewGroup([]string{announce}))
	}
	return &TrackerGroup{transport: transport, groups: groups, interval: 1800}
}

// Interval returns the most recently learned announce interval in seconds,
// defaulting to 1800 (30 minutes) before any successful announce.
func (tg *TrackerGroup) Interval() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.interval < tg.minInterval {
		return tg.minInterval
	}
	return tg.interval
}

// Announce runs one announce round with the given event and base request
// parameters (InfoHash/PeerID/Port/Uploaded/Downloaded/Left/Event are the
// caller's responsibility to fill in; TrackerID is overwritten here with
// the last one a tracker returned). On the very first successful announce of the session this also
// marks the group as started, per spec §4.8's "started on first successful
// announce" event rule — callers pass EventStarted only on that first call.
func (tg *TrackerGroup) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	if len(tg.groups) == 0 {
		return AnnounceResponse{}, fmt.Errorf("tracker: no trackers configured")
	}

	tg.mu.Lock()
	req.TrackerID = tg.trackerID
	tg.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	results := make(chan AnnounceResponse, len(tg.groups))
	for _, g := range tg.groups {
		g := g
		eg.Go(func() error {
			resp, winner, err := tg.announceGroup(egCtx, g, req)
			if err != nil {
				return nil // a failed group must not cancel siblings still trying
			}
			g.promote(winner)
			select {
			case results <- resp:
			default:
			}
			return nil
		})
	}
	_ = eg.Wait()
	close(results)

	resp, ok := <-results
	if !ok {
		return AnnounceResponse{}, fmt.Errorf("tracker: all tracker groups failed")
	}

	tg.mu.Lock()
	tg.started = true
	tg.interval = resp.Interval
	tg.minInterval = resp.MinInterval
	if resp.TrackerID != "" {
		tg.trackerID = resp.TrackerID
	}
	tg.mu.Unlock()
	return resp, nil
}

// announceGroup tries every URL in g in order, stopping at the first
// success, and reports which URL answered so the caller can promote it.
func (tg *TrackerGroup) announceGroup(ctx context.Context, g *Group, req AnnounceRequest) (AnnounceResponse, string, error) {
	var lastErr error
	for _, url := range g.snapshot() {
		select {
		case <-ctx.Done():
			return AnnounceResponse{}, "", ctx.Err()
		default:
		}
		resp, err := tg.transport.Announce(ctx, url, req)
		if err == nil {
			return resp, url, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: empty group")
	}
	return AnnounceResponse{}, "", lastErr
}

// Started reports whether any announce has ever succeeded.
func (tg *TrackerGroup) Started() bool {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.started
}

// Stop makes one best-effort stopped announce to the currently-first
// tracker of the first group, per spec §4.8 ("stopped on teardown,
// best-effort, single attempt"). Errors are intentionally discarded.
func (tg *TrackerGroup) Stop(ctx context.Context, req AnnounceRequest) {
	if len(tg.groups) == 0 {
		return
	}
	urls := tg.groups[0].snapshot()
	if len(urls) == 0 {
		return
	}
	req.Event = EventStopped
	tg.transport.Announce(ctx, urls[0], req)
}
