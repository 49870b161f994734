// Package version provides this client's identification strings: the BEP 20
// peer-id prefix and the HTTP User-Agent sent with tracker announces.
package version

var (
	// DefaultBep20Prefix seeds the first 8 bytes of every generated peer id.
	// Update this when wire-visible client behaviour changes in a way that
	// other peers or trackers could care about.
	DefaultBep20Prefix = "-GT0001-"

	DefaultHttpUserAgent string
)

func init() {
	DefaultHttpUserAgent = "swarmcore/0.1"
}
