// Package vbucket implements the vbucket-to-server resolver: the map
// from a key's hash to the node currently responsible for it.
package vbucket

import (
	"encoding/json"
	"errors"
)

// ErrNotPowerOfTwo is returned when a configuration's vbucket count
// cannot be used as a CRC32 mask, per spec.md §4.1.
var ErrNotPowerOfTwo = errors.New("vbucket: vbucket count must be a power of two")

// ErrMalformedVBucketEntry is returned when a vbucket table row has no
// master entry, which would otherwise panic on index 0 of an empty
// slice — a streamed config with a short row is malformed input, not a
// programmer error.
var ErrMalformedVBucketEntry = errors.New("vbucket: vbucket entry has no master server")

// Config is the immutable vbucket-to-server map installed on a Client.
// It is produced externally (see internal/bootstrap) and replaced only
// by installing a new Config, never mutated in place, per spec.md §3.
type Config struct {
	servers    []string
	vbuckets   [][]int // vbuckets[id] = [masterIdx, replicaIdx...]
	mask       uint32
	user, pass string
	bucket     string
}

// serverMapDoc mirrors the vBucketServerMap sub-tree of the streaming
// bootstrap response, per spec.md §6.
type serverMapDoc struct {
	Name           string `json:"name"`
	VBucketServerMap struct {
		HashAlgorithm string     `json:"hashAlgorithm"`
		NumReplicas   int        `json:"numReplicas"`
		ServerList    []string   `json:"serverList"`
		VBucketMap    [][]int    `json:"vBucketMap"`
	} `json:"vBucketServerMap"`
}

// Parse decodes one streamed JSON document into a Config. Apart from
// the top-level "name" (kept as the bucket name), only the
// vBucketServerMap sub-tree is consumed, per spec.md §6.
func Parse(raw []byte, user, pass string) (*Config, error) {
	var doc serverMapDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return New(doc.VBucketServerMap.ServerList, doc.VBucketServerMap.VBucketMap, doc.Name, user, pass)
}

// New builds a Config directly from a server list and vbucket table,
// for callers that already have a parsed map (e.g. tests, or a fetcher
// that produced its own representation).
func New(servers []string, table [][]int, bucket, user, pass string) (*Config, error) {
	n := len(table)
	if n == 0 || n&(n-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	return &Config{
		servers:  append([]string(nil), servers...),
		vbuckets: table,
		mask:     uint32(n - 1),
		user:     user,
		pass:     pass,
		bucket:   bucket,
	}, nil
}

// NumVBuckets returns the fixed vbucket count for this configuration.
func (c *Config) NumVBuckets() int { return len(c.vbuckets) }

// NumServers returns the number of server entries in this configuration.
func (c *Config) NumServers() int { return len(c.servers) }

// Server returns the hostname:port for server index i.
func (c *Config) Server(i int) string { return c.servers[i] }

// Servers returns the full ordered server list.
func (c *Config) Servers() []string { return c.servers }

// Master returns the owning server index for vbucket id. It fails with
// ErrMalformedVBucketEntry rather than panicking if the underlying
// table row is empty, which a hand-built or malformed vBucketMap row
// can produce.
func (c *Config) Master(vbid uint16) (int, error) {
	entry := c.vbuckets[vbid]
	if len(entry) == 0 {
		return 0, ErrMalformedVBucketEntry
	}
	return entry[0], nil
}

// Replicas returns the replica server indices for vbucket id, in
// preference order. The write/read path in this core never consults
// this — spec.md §4.1 states replicas are ignored by the write path —
// but a complete config model exposes them for forward compatibility.
func (c *Config) Replicas(vbid uint16) []int {
	entry := c.vbuckets[vbid]
	if len(entry) <= 1 {
		return nil
	}
	return entry[1:]
}

// Credentials returns the SASL username/password scoped to this
// configuration, and whether any were supplied.
func (c *Config) Credentials() (user, pass string, ok bool) {
	return c.user, c.pass, c.user != ""
}

// Bucket returns the bucket name this configuration describes.
func (c *Config) Bucket() string { return c.bucket }
