package extensions

import (
	"github.com/agentberlin/greenlight"
)

// URLLengthFilter keeps discovered URLs longer than limit out of the
// frontier. Faceted search and calendar pages can mint effectively unbounded
// URL variants; the guard stops a crawl from chasing them.
func URLLengthFilter(c *greenlight.Crawler, limit int) {
	c.AddURLFilter(func(u string) error {
		if len(u) > limit {
			return greenlight.ErrURLTooLong
		}
		return nil
	})
}
