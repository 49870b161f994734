package storage

import (
	"encoding/binary"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// NewBoltDB returns a ClientImpl keeping every torrent's chunk bytes in a
// single bolt database file at root/"storage.bolt", one bucket per info
// hash. This is an alternative to one-file-per-torrent-file layout, useful
// when many small torrents share a machine and per-file fd/inode overhead
// matters. Grounded directly on storage/bolt-piece_test.go's
// TestBoltLeecherStorage, which already names this exact constructor.
func NewBoltDB(root string) ClientImpl {
	return &boltClient{root: root}
}

type boltClient struct{ root string }

func (c *boltClient) OpenTorrent(info *Info, infoHash [20]byte) (TorrentImpl, error) {
	db, err := bolt.Open(filepath.Join(c.root, "storage.bolt"), 0o644, nil)
	if err != nil {
		return nil, newFileErr(c.root, err)
	}
	bucketName := infoHash[:]
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltTorrent{db: db, bucket: bucketName, info: info}, nil
}

type boltTorrent struct {
	db     *bolt.DB
	bucket []byte
	info   *Info
}

func (t *boltTorrent) Piece(index int) (PieceImpl, error) {
	return &boltPiece{t: t, index: index, length: t.info.PieceLen(index)}, nil
}

func (t *boltTorrent) Close() error { return t.db.Close() }

type boltPiece struct {
	t      *boltTorrent
	index  int
	length int64
}

func (p *boltPiece) key() []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(p.index))
	return k[:]
}

func (p *boltPiece) ReadAt(b []byte, off int64) (n int, err error) {
	err = p.t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(p.t.bucket).Get(p.key())
		if v == nil {
			v = make([]byte, p.length)
		}
		n = copy(b, v[off:])
		return nil
	})
	return
}

// WriteAt is read-modify-write: bolt values aren't mutable in place, so each
// block write reads the current piece buffer (or a zeroed one), patches it,
// and stores it back. Correct, not maximally efficient; fine for a chunk
// size measured in KiB and writes that only happen once per block.
func (p *boltPiece) WriteAt(b []byte, off int64) (n int, err error) {
	err = p.t.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(p.t.bucket)
		v := bucket.Get(p.key())
		buf := make([]byte, p.length)
		copy(buf, v)
		copy(buf[off:], b)
		n = len(b)
		return bucket.Put(p.key(), buf)
	})
	return
}

func (p *boltPiece) Release() {}
