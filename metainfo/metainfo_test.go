package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func buildTestTorrentBytes(t *testing.T) []byte {
	t.Helper()
	top := map[string]interface{}{
		"announce":      "http://tracker.example/announce",
		"creation date": int64(1700000000),
		"info": map[string]interface{}{
			"name":         "greeting.txt",
			"piece length": int64(14),
			"pieces":       string(sha1.New().Sum(nil)),
			"length":       int64(14),
		},
	}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, top))
	return buf.Bytes()
}

// TestLoadWriteRoundTrip covers spec §8's round-trip property: encode a
// valid torrent metadata, parse it, re-encode the info dict, and the bytes
// must be byte-identical; SHA-1 of the info dict must equal the info hash.
func TestLoadWriteRoundTrip(t *testing.T) {
	raw := buildTestTorrentBytes(t)

	mi, err := Load(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "http://tracker.example/announce", mi.Announce)
	require.EqualValues(t, 1700000000, mi.CreationDate)

	info, err := mi.UnmarshalInfo()
	require.NoError(t, err)
	require.NoError(t, info.Validate())
	require.Equal(t, "greeting.txt", info.Name)
	require.EqualValues(t, 14, info.TotalLength())

	wantHash := sha1.Sum(mi.InfoBytes)
	require.Equal(t, wantHash, mi.HashInfoBytes())

	var out bytes.Buffer
	require.NoError(t, mi.Write(&out))

	mi2, err := Load(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	require.Equal(t, mi.InfoBytes, mi2.InfoBytes)
	require.Equal(t, mi.HashInfoBytes(), mi2.HashInfoBytes())
}

func TestUpvertedFilesSingleFile(t *testing.T) {
	info := Info{Name: "x.bin", Length: 100}
	files := info.UpvertedFiles()
	require.Len(t, files, 1)
	require.Equal(t, []string{"x.bin"}, files[0].Path)
	require.EqualValues(t, 100, files[0].Length)
}

func TestValidateRejectsBadPieceLength(t *testing.T) {
	info := Info{PieceLength: 0, Pieces: "", Name: "x", Length: 1}
	require.Error(t, info.Validate())
}

func TestValidateRejectsMisalignedPieces(t *testing.T) {
	info := Info{PieceLength: 16384, Pieces: "short", Name: "x", Length: 1}
	require.Error(t, info.Validate())
}

func TestNumPiecesAndPieceHash(t *testing.T) {
	h1 := sha1.Sum([]byte("a"))
	h2 := sha1.Sum([]byte("b"))
	info := Info{Pieces: string(h1[:]) + string(h2[:])}
	require.Equal(t, 2, info.NumPieces())
	require.Equal(t, h1, info.PieceHash(0))
	require.Equal(t, h2, info.PieceHash(1))
}
