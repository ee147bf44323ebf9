package channel

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of parsed channels kept by the package cache
const DefaultCacheSize = 4096

// Parser parses channel URIs through an LRU cache keyed by the xxhash of the
// raw string. Transports parse the source channel of every new session, which
// repeats the same handful of strings.
type Parser struct {
	cache *lru.Cache[uint64, *URI]
}

// NewParser creates a parser holding up to size parsed channels
func NewParser(size int) (*Parser, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uint64, *URI](size)
	if err != nil {
		return nil, err
	}
	return &Parser{cache: cache}, nil
}

// Parse returns the parsed URI for raw, consulting the cache first
func (p *Parser) Parse(raw string) (*URI, error) {
	key := xxhash.Sum64String(raw)
	if u, ok := p.cache.Get(key); ok && u.raw == raw {
		return u, nil
	}

	u, err := parse(raw)
	if err != nil {
		return nil, err
	}
	// Cache under the untrimmed input so repeated lookups hit
	if u.raw == raw {
		p.cache.Add(key, u)
	}
	return u, nil
}

// Len returns the number of cached channels
func (p *Parser) Len() int {
	return p.cache.Len()
}

var defaultParser, _ = NewParser(DefaultCacheSize)

// Parse parses raw with the package-level cache
func Parse(raw string) (*URI, error) {
	return defaultParser.Parse(raw)
}

// Match reports whether the subscription channel covers the source channel
func Match(subscriptionChannel, sourceChannel string) (bool, error) {
	sub, err := Parse(subscriptionChannel)
	if err != nil {
		return false, err
	}
	src, err := Parse(sourceChannel)
	if err != nil {
		return false, err
	}
	return sub.Matches(src), nil
}
