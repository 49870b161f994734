// Package tracker implements the HTTP tracker request/response cycle (spec
// §4.8/§6) and BEP 12 tracker-group failover. The bencode codec and the
// byte-level HTTP calls are external collaborators here, not reimplemented:
// Transport wraps net/http, and responses are decoded with
// github.com/jackpal/bencode-go, the same library the pack's
// leonhfr-torrent-client and uber-kraken repos use for tracker responses.
package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/rstor/swarmcore/version"
)

// Event is the tracker announce event parameter.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest is every parameter the GET request in spec §6 names.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Key        uint32
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	IP         string
	Compact    bool
	NumWant    int
	Event      Event
	TrackerID  string
}

// Peer is one entry from a tracker's peer list, dict or compact form.
type Peer struct {
	ID   [20]byte
	IP   string
	Port int
}

// AnnounceResponse is the decoded tracker reply.
type AnnounceResponse struct {
	Interval    int
	MinInterval int
	TrackerID   string
	Peers       []Peer
}

// percentEncode escapes src preserving only A-Za-z0-9- (spec §6), matching
// the original tracker client's escape_string byte-for-byte rather than
// net/url's broader unreserved set.
func percentEncode(src []byte) string {
	var b bytes.Buffer
	for _, c := range src {
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func buildAnnounceURL(base string, req AnnounceRequest) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.RawQuery
	if q != "" {
		q += "&"
	}
	q += "info_hash=" + percentEncode(req.InfoHash[:])
	q += "&peer_id=" + percentEncode(req.PeerID[:])
	q += fmt.Sprintf("&key=%08x", req.Key)
	if req.TrackerID != "" {
		q += "&trackerid=" + percentEncode([]byte(req.TrackerID))
	}
	if req.IP != "" {
		q += "&ip=" + req.IP
	}
	if req.Compact {
		q += "&compact=1"
	}
	if req.NumWant >= 0 {
		q += "&numwant=" + strconv.Itoa(req.NumWant)
	}
	q += "&port=" + strconv.Itoa(req.Port)
	q += "&uploaded=" + strconv.FormatInt(req.Uploaded, 10)
	q += "&downloaded=" + strconv.FormatInt(req.Downloaded, 10)
	q += "&left=" + strconv.FormatInt(req.Left, 10)
	if s := req.Event.String(); s != "" {
		q += "&event=" + s
	}
	u.RawQuery = q
	return u.String(), nil
}

// Transport performs one announce GET against a tracker URL. HTTPTransport
// is the production implementation; tests substitute fakes.
type Transport interface {
	Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (AnnounceResponse, error)
}

// announceTimeout is the default tracker request timeout from spec §5
// ("Tracker requests have a timeout (default 60 s)").
const announceTimeout = 60 * time.Second

// HTTPTransport issues the GET and decodes the bencoded reply via
// jackpal/bencode-go, mirroring the original tracker client's
// receive_done: a bencoded map, "failure reason" short-circuits as an
// error, and "peers" is either a compact byte string or a list of dicts.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a Transport with the default announce timeout.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: announceTimeout}}
}

func (t *HTTPTransport) Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (AnnounceResponse, error) {
	reqURL, err := buildAnnounceURL(trackerURL, req)
	if err != nil {
		return AnnounceResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return AnnounceResponse{}, err
	}
	httpReq.Header.Set("User-Agent", version.DefaultHttpUserAgent)
	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("tracker: unexpected status %s", resp.Status)
	}

	var raw map[string]any
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: could not parse bencoded response: %w", err)
	}
	if reason, ok := raw["failure reason"].(string); ok {
		return AnnounceResponse{}, fmt.Errorf("tracker: failure reason %q", reason)
	}

	out := AnnounceResponse{}
	if v, ok := raw["interval"].(int64); ok {
		out.Interval = int(v)
	}
	if v, ok := raw["min interval"].(int64); ok {
		out.MinInterval = int(v)
	}
	if v, ok := raw["tracker id"].(string); ok {
		out.TrackerID = v
	}

	switch v := raw["peers"].(type) {
	case string:
		out.Peers, err = parseCompactPeers([]byte(v))
	case []any:
		out.Peers = parseDictPeers(v)
	}
	if err != nil {
		return AnnounceResponse{}, err
	}
	return out, nil
}

func parseCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("tracker: malformed compact peer string")
	}
	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

func parseDictPeers(list []any) []Peer {
	var peers []Peer
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var p Peer
		if ip, ok := m["ip"].(string); ok {
			p.IP = ip
		}
		if port, ok := m["port"].(int64); ok {
			p.Port = int(port)
		}
		if id, ok := m["peer id"].(string); ok && len(id) == 20 {
			copy(p.ID[:], id)
		}
		if p.IP != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
