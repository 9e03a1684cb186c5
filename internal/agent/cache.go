package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"inboxbot/internal/domain"
)

const (
	defaultCacheSize = 100
	defaultCacheTTL  = 30 * time.Minute
)

type cachedReply struct {
	text   string
	source string
}

// ResponseCache holds generated replies for repeated questions. When full it
// drops expired entries, then clears as a whole if still full.
type ResponseCache struct {
	c   *gocache.Cache
	max int

	mu sync.Mutex // serializes the overflow check in Put
}

func NewResponseCache(maxEntries int, ttl time.Duration) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResponseCache{c: gocache.New(ttl, 0), max: maxEntries}
}

// CacheKey hashes the normalized user text with the message count and intent.
func CacheKey(text string, messageCount int, intent domain.Intent) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(norm + "|" + strconv.Itoa(messageCount) + "|" + string(intent)))
	return hex.EncodeToString(sum[:])
}

func (c *ResponseCache) Get(key string) (text, source string, ok bool) {
	if c == nil {
		return "", "", false
	}
	v, found := c.c.Get(key)
	if !found {
		// Evict an expired entry now rather than at the next overflow.
		c.c.Delete(key)
		return "", "", false
	}
	e := v.(cachedReply)
	return e.text, e.source, true
}

func (c *ResponseCache) Put(key, text, source string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.c.Get(key); !exists && c.c.ItemCount() >= c.max {
		c.c.DeleteExpired()
		if c.c.ItemCount() >= c.max {
			c.c.Flush()
		}
	}
	c.c.Set(key, cachedReply{text: text, source: source}, gocache.DefaultExpiration)
}

func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	return c.c.ItemCount()
}
