package tracker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"
)

func TestBuildAnnounceURLEscapesBinaryFields(t *testing.T) {
	var req AnnounceRequest
	copy(req.InfoHash[:], bytes.Repeat([]byte{0xff}, 20))
	copy(req.PeerID[:], []byte("-GT0001-abcdefghijkl"))
	req.Port = 6881
	req.Left = 100
	req.Compact = true
	req.NumWant = -1

	u, err := buildAnnounceURL("http://tracker.example/announce", req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains([]byte(u), []byte("info_hash=%FF%FF%FF")) {
		t.Fatalf("expected percent-encoded info_hash, got %s", u)
	}
	if !bytes.Contains([]byte(u), []byte("compact=1")) {
		t.Fatalf("expected compact=1, got %s", u)
	}
	if bytes.Contains([]byte(u), []byte("numwant=")) {
		t.Fatalf("NumWant<0 must be omitted, got %s", u)
	}
}

func TestHTTPTransportParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		compact := string([]byte{10, 0, 0, 1, 0x1A, 0xE1})
		bencode.Marshal(w, map[string]any{
			"interval": int64(1800),
			"peers":    compact,
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	resp, err := tr.Announce(context.Background(), srv.URL, AnnounceRequest{NumWant: -1})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].IP != "10.0.0.1" || resp.Peers[0].Port != 0x1AE1 {
		t.Fatalf("unexpected peers: %+v", resp.Peers)
	}
	if resp.Interval != 1800 {
		t.Fatalf("expected interval 1800, got %d", resp.Interval)
	}
}

func TestHTTPTransportParsesDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]any{
			"interval": int64(900),
			"peers": []any{
				map[string]any{"ip": "1.2.3.4", "port": int64(51413)},
			},
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	resp, err := tr.Announce(context.Background(), srv.URL, AnnounceRequest{NumWant: -1})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].IP != "1.2.3.4" || resp.Peers[0].Port != 51413 {
		t.Fatalf("unexpected peers: %+v", resp.Peers)
	}
}

func TestHTTPTransportFailureReasonIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]any{"failure reason": "banned"})
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	_, err := tr.Announce(context.Background(), srv.URL, AnnounceRequest{NumWant: -1})
	if err == nil {
		t.Fatal("expected failure reason to surface as an error")
	}
}

type fakeTransport struct {
	mu    chan struct{}
	calls map[string]int
	fail  map[string]bool
	resp  AnnounceResponse
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: map[string]int{}, fail: map[string]bool{}}
}

func (f *fakeTransport) Announce(ctx context.Context, url string, req AnnounceRequest) (AnnounceResponse, error) {
	f.calls[url]++
	if f.fail[url] {
		return AnnounceResponse{}, errors.New("refused")
	}
	r := f.resp
	r.TrackerID = url
	return r, nil
}

func TestTrackerGroupFailsOverWithinGroupAndPromotes(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["http://a"] = true
	ft.resp = AnnounceResponse{Interval: 1800}

	tg := NewTrackerGroup(ft, "", [][]string{{"http://a", "http://b"}})
	resp, err := tg.Announce(context.Background(), AnnounceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TrackerID != "http://b" {
		t.Fatalf("expected http://b to answer, got %q", resp.TrackerID)
	}

	// b should now be promoted to the head of its group.
	urls := tg.groups[0].snapshot()
	if urls[0] != "http://b" {
		t.Fatalf("expected http://b promoted to head, got %v", urls)
	}
}

func TestTrackerGroupAllFailReturnsError(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["http://a"] = true
	tg := NewTrackerGroup(ft, "", [][]string{{"http://a"}})
	_, err := tg.Announce(context.Background(), AnnounceRequest{})
	if err == nil {
		t.Fatal("expected an error when every tracker fails")
	}
}

func TestTrackerGroupSingleAnnounceFallback(t *testing.T) {
	ft := newFakeTransport()
	ft.resp = AnnounceResponse{Interval: 600}
	tg := NewTrackerGroup(ft, "http://solo", nil)
	resp, err := tg.Announce(context.Background(), AnnounceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TrackerID != "http://solo" {
		t.Fatalf("expected the lone announce URL to be used, got %q", resp.TrackerID)
	}
	if !tg.Started() {
		t.Fatal("expected Started() true after a successful announce")
	}
}
