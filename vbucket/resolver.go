package vbucket

import (
	"errors"
	"hash/crc32"
)

// ErrNoConfig is returned by Resolve when no configuration has been
// installed yet, per spec.md §4.1.
var ErrNoConfig = errors.New("vbucket: no configuration installed")

// Resolver maps a key to the server currently responsible for it. It
// holds a reference to whichever Config the owning Client most recently
// installed; callers never mutate a Config in place, only swap the
// pointer.
type Resolver struct {
	config *Config
}

// NewResolver returns a Resolver with no configuration installed.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Install atomically replaces the active configuration. Replacement is
// a single pointer write, so no caller can observe a half-installed
// configuration, per spec.md §5.
func (r *Resolver) Install(cfg *Config) {
	r.config = cfg
}

// Config returns the currently installed configuration, or nil.
func (r *Resolver) Config() *Config {
	return r.config
}

// Resolve maps key (or hashkey, if supplied) to its vbucket id and
// owning server index. hashkey lets callers co-locate related items
// under one vbucket by hashing a shared key instead of the item's own
// key, per spec.md §4.1.
func (r *Resolver) Resolve(key []byte, hashkey []byte) (vbid uint16, serverIndex int, err error) {
	if r.config == nil {
		return 0, 0, ErrNoConfig
	}
	hashed := key
	if hashkey != nil {
		hashed = hashkey
	}
	id := crc32.ChecksumIEEE(hashed) & r.config.mask
	master, err := r.config.Master(uint16(id))
	if err != nil {
		return uint16(id), 0, err
	}
	return uint16(id), master, nil
}
