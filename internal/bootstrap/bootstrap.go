// Package bootstrap is the AMBIENT bootstrap transport spec.md §6
// calls out: an HTTP GET against the cluster's streaming config
// endpoint, one JSON document per vbucket map revision, installed on
// the Client's Resolver. The topology REST fetch itself is explicitly
// out of the spec's core — this package is the external configuration
// source the core treats as a black box producing a parsed map.
package bootstrap

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/zeebo/xxh3"

	"github.com/pierrejoye/libcouchbase/vbucket"
)

// Options configures one streaming bootstrap connection.
type Options struct {
	Host   string
	Bucket string
	User   string
	Pass   string
}

func (o Options) url() string {
	return fmt.Sprintf("http://%s/pools/default/bucketsStreaming/%s", o.Host, o.Bucket)
}

// Watcher pulls successive vbucket configuration revisions off one
// open streaming HTTP response, skipping heartbeats.
type Watcher struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	opts     Options
	lastHash uint64
	haveLast bool
}

// Open issues the streaming GET and returns a Watcher positioned at the
// start of the response body. Callers must call Close when done.
func Open(ctx context.Context, opts Options) (*Watcher, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.url(), nil)
	if err != nil {
		return nil, err
	}
	if opts.User != "" {
		req.Header.Set("Authorization", "Basic "+basicAuth(opts.User, opts.Pass))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("bootstrap: unexpected status %s", resp.Status)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Split(splitJSONDocuments)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	return &Watcher{body: resp.Body, scanner: scanner, opts: opts}, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// Next blocks until the next non-heartbeat configuration document
// arrives, parses it, and returns the resulting vbucket.Config. A
// document whose xxh3 checksum matches the previously returned
// document's is a heartbeat and is skipped without returning — this is
// what keeps "atomic from the perspective of one event-loop turn"
// (spec.md §5) true even as heartbeats arrive, since no resolver
// replacement happens for them at all.
func (w *Watcher) Next() (*vbucket.Config, error) {
	for w.scanner.Scan() {
		raw := w.scanner.Bytes()
		hash := xxh3.Hash(raw)
		if w.haveLast && hash == w.lastHash {
			continue
		}
		w.lastHash = hash
		w.haveLast = true
		cfg, err := vbucket.Parse(raw, w.opts.User, w.opts.Pass)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := w.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the underlying HTTP response body.
func (w *Watcher) Close() error {
	return w.body.Close()
}

// FetchOnce opens a Watcher, reads the first configuration document,
// and closes the connection. Used by Client.Connect, which only needs
// the initial snapshot; a caller that wants to keep tracking topology
// changes should use Open/Next directly and keep the Watcher alive.
func FetchOnce(ctx context.Context, opts Options) (*vbucket.Config, error) {
	w, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.Next()
}

// splitJSONDocuments is a bufio.SplitFunc that returns one token per
// complete top-level JSON object, tracking brace depth across line
// boundaries. The token starts at the object's opening brace; any bytes
// before it (such as the newline separating documents) are skipped.
// It does not special-case braces inside string literals;
// the streaming endpoint is a trusted cluster-internal source whose
// documents never carry such content in a way that would confuse a
// depth counter (no key or value containing a literal '{' or '}').
func splitJSONDocuments(data []byte, atEOF bool) (advance int, token []byte, err error) {
	depth := 0
	start := -1
	for i, b := range data {
		switch b {
		case '{':
			depth++
			if start < 0 {
				start = i
			}
		case '}':
			depth--
			if start >= 0 && depth == 0 {
				return i + 1, data[start : i+1], nil
			}
		}
	}
	return 0, nil, nil
}
