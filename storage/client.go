package storage

// Client wraps a ClientImpl backend (File, MMap, Bolt) behind one name, so
// callers can write storage.NewClient(storage.NewFile(dir)) and pass the
// result around uniformly. Grounded on issue97_test.go's
// storageOpener: storage.NewClient(cs).
type Client struct {
	ClientImpl
}

func NewClient(ci ClientImpl) *Client {
	return &Client{ClientImpl: ci}
}
