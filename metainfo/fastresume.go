package metainfo

import (
	"bytes"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

// FileResumeEntry is one file's persisted state in the fast-resume map.
type FileResumeEntry struct {
	Mtime    int64 `bencode:"mtime"`
	Priority int   `bencode:"priority"`
}

// Resume is the bencoded fast-resume format from spec §6:
//
//	{"libtorrent resume": {"bitfield": ..., "files": [...], "peers": ...}}
type Resume struct {
	Bitfield []byte            `bencode:"bitfield"`
	Files    []FileResumeEntry `bencode:"files"`
	// Peers is 6*N bytes: 4-byte IPv4 || 2-byte BE port, compact form.
	Peers []byte `bencode:"peers"`
}

type resumeEnvelope struct {
	Resume Resume `bencode:"libtorrent resume"`
}

// LoadResume decodes a fast-resume blob. Per spec §6, a caller that finds
// the bitfield length doesn't match T, or the file count doesn't match the
// torrent's file count, should discard the whole record (return ok=false)
// rather than error: that's a normal, expected outcome of resuming against
// stale resume data, not a malformed-input error.
func LoadResume(r io.Reader, numPieces, numFiles int) (res Resume, ok bool, err error) {
	var env resumeEnvelope
	if err = bencode.Unmarshal(r, &env); err != nil {
		return Resume{}, false, err
	}
	res = env.Resume
	wantBytes := (numPieces + 7) / 8
	if len(res.Bitfield) != wantBytes || len(res.Files) != numFiles {
		return Resume{}, false, nil
	}
	return res, true, nil
}

func SaveResume(w io.Writer, res Resume) error {
	return bencode.Marshal(w, resumeEnvelope{Resume: res})
}

// ParseCompactPeers decodes the "peers" compact form: 6 bytes per peer,
// 4-byte IPv4 followed by a 2-byte big-endian port.
func ParseCompactPeers(b []byte) []CompactPeer {
	n := len(b) / 6
	out := make([]CompactPeer, 0, n)
	for i := 0; i < n; i++ {
		off := i * 6
		var cp CompactPeer
		copy(cp.IP[:], b[off:off+4])
		cp.Port = uint16(b[off+4])<<8 | uint16(b[off+5])
		out = append(out, cp)
	}
	return out
}

// CompactPeer is one peer from a compact peer list.
type CompactPeer struct {
	IP   [4]byte
	Port uint16
}

func MarshalCompactPeers(peers []CompactPeer) []byte {
	var buf bytes.Buffer
	for _, p := range peers {
		buf.Write(p.IP[:])
		buf.WriteByte(byte(p.Port >> 8))
		buf.WriteByte(byte(p.Port))
	}
	return buf.Bytes()
}
