// Package client implements the BlobDVM client engine: server
// discovery, upload/download dispatch, response correlation, and chunk
// collection with integrity verification.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/blobdvm/blobdvm/internal/metrics"
	"github.com/blobdvm/blobdvm/pkg/chunker"
	"github.com/blobdvm/blobdvm/pkg/nostr"
	"github.com/blobdvm/blobdvm/pkg/relay"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

// Config configures a Client.
type Config struct {
	Relays               []string
	ResponseTimeout      time.Duration // how long to wait for a terminal response
	ChunkTimeout         time.Duration
	ConcurrentChunkFetch int
	DiscoveryLimit       int
}

// DefaultConfig returns the protocol's mandated defaults.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout:      30 * time.Second,
		ChunkTimeout:         30 * time.Second,
		ConcurrentChunkFetch: 4,
		DiscoveryLimit:       50,
	}
}

// Client is the BlobDVM client engine.
type Client struct {
	cfg     Config
	relay   relay.Client
	signer  relay.Signer
	metrics *metrics.Client
	log     zerolog.Logger

	cacheMu sync.RWMutex
	cache   map[string][]byte // local-session dedup cache, keyed by dedupKey(hash)
}

// New creates a Client.
func New(cfg Config, c relay.Client, signer relay.Signer, m *metrics.Client, log zerolog.Logger) *Client {
	return &Client{cfg: cfg, relay: c, signer: signer, metrics: m, log: log, cache: make(map[string][]byte)}
}

// dedupKey derives a local, non-wire cache key from a content hash using
// BLAKE3 rather than the wire SHA-256 address, so a cache hit can never
// be mistaken for a protocol-level integrity match.
func dedupKey(fileHash string) string {
	sum := blake3.Sum256([]byte(fileHash))
	return hex.EncodeToString(sum[:])
}

// Connect establishes connections to the client's configured relays.
func (c *Client) Connect(ctx context.Context) error {
	return c.relay.Connect(ctx, c.cfg.Relays)
}

// DiscoverServers queries for 31999 announcements and returns one
// descriptor per server, keeping only the most recent announcement for
// each (pubkey, d-tag) pair.
func (c *Client) DiscoverServers(ctx context.Context) ([]*nostr.ServerDescriptor, error) {
	events, err := c.relay.Query(ctx, relay.Filter{
		Kinds: []int{nostr.KindAnnouncement},
		Limit: c.cfg.DiscoveryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("query announcements: %w", err)
	}

	latest := make(map[string]*nostr.ServerDescriptor)
	for _, e := range events {
		desc, err := nostr.ParseAnnouncement(e)
		if err != nil {
			c.log.Debug().Err(err).Str("event_id", e.ID).Msg("discarding malformed announcement")
			continue
		}
		key := desc.PubKey + "|" + desc.DTag
		if existing, ok := latest[key]; !ok || desc.CreatedAt > existing.CreatedAt {
			latest[key] = desc
		}
	}

	descriptors := make([]*nostr.ServerDescriptor, 0, len(latest))
	for _, d := range latest {
		descriptors = append(descriptors, d)
	}
	c.metrics.DiscoveredServers.Set(float64(len(descriptors)))
	return descriptors, nil
}

// Upload stores data on serverPubkey's server and returns its terminal
// response. The subscription for the response is opened before the
// request is published, so a fast reply can never race past it unseen.
func (c *Client) Upload(ctx context.Context, serverPubkey string, data []byte, filename string) (*nostr.ResponseContent, error) {
	subID, events, err := c.relay.Subscribe(ctx, relay.Filter{
		Kinds: []int{nostr.KindResponse, nostr.KindStatus},
		Tags:  map[string][]string{"p": {c.signer.PubKey()}},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe for response: %w", err)
	}
	defer c.relay.Unsubscribe(subID)

	req := nostr.BuildStoreRequest(c.signer.PubKey(), time.Now().Unix(), serverPubkey, data, filename, c.cfg.Relays)
	if err := c.signer.Sign(req); err != nil {
		return nil, fmt.Errorf("sign store request: %w", err)
	}
	if err := c.relay.Publish(ctx, req); err != nil {
		c.metrics.UploadsTotal.WithLabelValues("publish_error").Inc()
		return nil, fmt.Errorf("publish store request: %w", err)
	}

	resp, statusErr := c.awaitResponse(ctx, events, req.ID)
	if statusErr != nil {
		c.metrics.UploadsTotal.WithLabelValues("error:" + statusErr.ErrorCode).Inc()
		return nil, nostr.NewProtocolError(statusErr.ErrorCode, statusErr.Text, req.ID)
	}
	if resp == nil {
		c.metrics.UploadsTotal.WithLabelValues("error:" + nostr.ErrResponseTimeout).Inc()
		return nil, nostr.NewProtocolError(nostr.ErrResponseTimeout, "no response from server", req.ID)
	}

	c.metrics.UploadsTotal.WithLabelValues(resp.Status).Inc()
	return resp, nil
}

// Delete asks serverPubkey's server to remove hash from its store and
// evicts any locally cached copy. Delete is idempotent: the server
// reports status "deleted" whether or not it held the file.
func (c *Client) Delete(ctx context.Context, serverPubkey, hash string) (*nostr.ResponseContent, error) {
	subID, events, err := c.relay.Subscribe(ctx, relay.Filter{
		Kinds: []int{nostr.KindResponse, nostr.KindStatus},
		Tags:  map[string][]string{"p": {c.signer.PubKey()}},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe for response: %w", err)
	}
	defer c.relay.Unsubscribe(subID)

	req := nostr.BuildDeleteRequest(c.signer.PubKey(), time.Now().Unix(), serverPubkey, hash, c.cfg.Relays)
	if err := c.signer.Sign(req); err != nil {
		return nil, fmt.Errorf("sign delete request: %w", err)
	}
	if err := c.relay.Publish(ctx, req); err != nil {
		return nil, fmt.Errorf("publish delete request: %w", err)
	}

	resp, statusErr := c.awaitResponse(ctx, events, req.ID)
	if statusErr != nil {
		return nil, nostr.NewProtocolError(statusErr.ErrorCode, statusErr.Text, req.ID)
	}
	if resp == nil {
		return nil, nostr.NewProtocolError(nostr.ErrResponseTimeout, "no response from server", req.ID)
	}

	c.cacheMu.Lock()
	delete(c.cache, dedupKey(hash))
	c.cacheMu.Unlock()

	return resp, nil
}

// Download retrieves a file by hash from serverPubkey's server: it waits
// for the terminal response (which states how many chunks to expect),
// collects and verifies each chunk, and reassembles the file.
func (c *Client) Download(ctx context.Context, serverPubkey, hash string) ([]byte, error) {
	if !nostr.IsValidHash(hash) {
		return nil, nostr.NewProtocolError(nostr.ErrInvalidHash, "hash does not match required shape", "")
	}

	key := dedupKey(hash)
	c.cacheMu.RLock()
	cached, ok := c.cache[key]
	c.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	respSubID, respEvents, err := c.relay.Subscribe(ctx, relay.Filter{
		Kinds: []int{nostr.KindResponse, nostr.KindStatus},
		Tags:  map[string][]string{"p": {c.signer.PubKey()}},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe for response: %w", err)
	}
	defer c.relay.Unsubscribe(respSubID)

	chunkSubID, chunkEvents, err := c.relay.Subscribe(ctx, relay.Filter{
		Kinds: []int{nostr.KindChunk},
		Tags:  map[string][]string{"file_hash": {hash}},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe for chunks: %w", err)
	}
	defer c.relay.Unsubscribe(chunkSubID)

	// Chunks and the terminal response race on the wire (the server
	// publishes every chunk before its response, per the protocol's
	// ordering), so draining starts immediately rather than after
	// awaitResponse returns. Otherwise a file with enough chunks to fill
	// the relay's per-subscription buffer would lose the overflow before
	// anyone started reading it.
	collector := c.collectChunks(ctx, chunkEvents, hash)

	req := nostr.BuildRetrieveRequest(c.signer.PubKey(), time.Now().Unix(), serverPubkey, hash, c.cfg.Relays)
	if err := c.signer.Sign(req); err != nil {
		return nil, fmt.Errorf("sign retrieve request: %w", err)
	}
	if err := c.relay.Publish(ctx, req); err != nil {
		c.metrics.DownloadsTotal.WithLabelValues("publish_error").Inc()
		return nil, fmt.Errorf("publish retrieve request: %w", err)
	}

	resp, statusErr := c.awaitResponse(ctx, respEvents, req.ID)
	if statusErr != nil {
		c.metrics.DownloadsTotal.WithLabelValues("error:" + statusErr.ErrorCode).Inc()
		return nil, nostr.NewProtocolError(statusErr.ErrorCode, statusErr.Text, req.ID)
	}
	if resp == nil {
		c.metrics.DownloadsTotal.WithLabelValues("error:" + nostr.ErrResponseTimeout).Inc()
		return nil, nostr.NewProtocolError(nostr.ErrResponseTimeout, "no response from server", req.ID)
	}

	chunks, err := collector.wait(ctx, resp.Chunks, c.cfg.ChunkTimeout)
	if err != nil {
		code := nostr.ErrChunkMissing
		if perr, ok := err.(*nostr.ProtocolError); ok {
			code = perr.Code
		}
		c.metrics.DownloadsTotal.WithLabelValues("error:" + code).Inc()
		return nil, err
	}

	data, err := chunker.VerifyAndAssemble(chunks, hash)
	if err != nil {
		c.metrics.DownloadsTotal.WithLabelValues("error:" + nostr.ErrIntegrityFailed).Inc()
		return nil, nostr.Wrap(nostr.ErrIntegrityFailed, "assembled file failed integrity check", req.ID, err)
	}

	c.cacheMu.Lock()
	c.cache[key] = data
	c.cacheMu.Unlock()

	c.metrics.DownloadsTotal.WithLabelValues(nostr.StatusAvailable).Inc()
	return data, nil
}

// awaitResponse waits for either a terminal 24211 response or a
// 21999 error status addressed to requestID, whichever arrives first,
// up to cfg.ResponseTimeout. Non-terminal status notices ("processing")
// are ignored.
func (c *Client) awaitResponse(ctx context.Context, events <-chan relay.Notification, requestID string) (*nostr.ResponseContent, *nostr.StatusInfo) {
	timeout := time.NewTimer(c.cfg.ResponseTimeout)
	defer timeout.Stop()

	for {
		select {
		case notif, ok := <-events:
			if !ok {
				return nil, nil
			}
			e := notif.Event
			id, _ := e.Tag("e")
			if id != requestID {
				continue
			}
			switch e.Kind {
			case nostr.KindResponse:
				content, err := nostr.ParseResponse(e)
				if err != nil {
					c.log.Warn().Err(err).Msg("discarding malformed response")
					continue
				}
				return content, nil
			case nostr.KindStatus:
				info, err := nostr.ParseStatusEvent(e)
				if err != nil {
					c.log.Warn().Err(err).Msg("discarding malformed status")
					continue
				}
				if info.Status == nostr.StatusError {
					return nil, info
				}
				// "processing" and other non-terminal notices: keep waiting.
			}
		case <-timeout.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// chunkCollector drains a chunk subscription in the background,
// verifying and deduplicating chunks as they arrive so collection can
// start before the caller knows how many chunks to expect.
type chunkCollector struct {
	client *Client

	mu         sync.Mutex
	collected  map[int]chunker.Chunk
	firstTotal int // 0 until the first accepted chunk sets it
	mismatch   bool
	notify     chan struct{}
}

// collectChunks starts draining events for fileHash in the background
// and returns a collector the caller waits on once it knows how many
// chunks the file has. Verification of concurrently-arriving chunks is
// fanned out with a bounded worker group rather than inline, so a burst
// of chunk events does not serialize behind SHA-256 on one goroutine.
func (c *Client) collectChunks(ctx context.Context, events <-chan relay.Notification, fileHash string) *chunkCollector {
	cc := &chunkCollector{
		client:    c,
		collected: make(map[int]chunker.Chunk),
		notify:    make(chan struct{}, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ConcurrentChunkFetch)

	go func() {
	drainLoop:
		for {
			select {
			case notif, ok := <-events:
				if !ok {
					break drainLoop
				}
				event := notif.Event
				g.Go(func() error {
					parsed, err := nostr.ParseChunkEvent(event)
					if err != nil {
						return nil
					}
					if parsed.FileHash != fileHash {
						return nil
					}
					if chunker.FileHash(parsed.Bytes) != parsed.ChunkHash {
						c.metrics.ChunksDiscarded.Inc()
						c.log.Warn().Str("file_hash", fileHash).Int("index", parsed.Index).Msg("discarding chunk with bad hash")
						return nil
					}
					cc.add(parsed)
					return nil
				})
			case <-gctx.Done():
				break drainLoop
			}
		}
		g.Wait()
	}()

	return cc
}

// add records a verified chunk, discarding it instead if its declared
// chunk_total disagrees with the total every earlier accepted chunk of
// this file carried.
func (cc *chunkCollector) add(parsed *nostr.ParsedChunk) {
	cc.mu.Lock()
	if cc.firstTotal == 0 {
		cc.firstTotal = parsed.Total
	} else if parsed.Total != cc.firstTotal {
		cc.mismatch = true
		cc.mu.Unlock()
		cc.client.metrics.ChunksDiscarded.Inc()
		cc.client.log.Warn().Str("file_hash", parsed.FileHash).Int("index", parsed.Index).
			Int("total", parsed.Total).Int("first_total", cc.firstTotal).
			Msg("discarding chunk with inconsistent chunk_total")
		select {
		case cc.notify <- struct{}{}:
		default:
		}
		return
	}
	cc.collected[parsed.Index] = chunker.Chunk{
		Index:      parsed.Index,
		Total:      parsed.Total,
		Bytes:      parsed.Bytes,
		ChunkHash:  parsed.ChunkHash,
		Expiration: parsed.Expiration,
	}
	cc.mu.Unlock()

	select {
	case cc.notify <- struct{}{}:
	default:
	}
}

// wait blocks until want distinct chunks have been collected, a
// chunk_total mismatch is observed, timeout elapses, or ctx is done.
func (cc *chunkCollector) wait(ctx context.Context, want int, timeout time.Duration) ([]chunker.Chunk, error) {
	if want <= 0 {
		return nil, nostr.NewProtocolError(nostr.ErrChunkMissing, "server reported zero chunks", "")
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		cc.mu.Lock()
		n := len(cc.collected)
		mismatch := cc.mismatch
		cc.mu.Unlock()

		if mismatch {
			return nil, nostr.NewProtocolError(nostr.ErrIntegrityFailed,
				"received chunks disagree on total chunk count", "")
		}
		if n >= want {
			break
		}

		select {
		case <-cc.notify:
		case <-deadline.C:
			return nil, nostr.NewProtocolError(nostr.ErrChunkMissing,
				fmt.Sprintf("received %d/%d chunks before timeout", n, want), "")
		case <-ctx.Done():
			return nil, nostr.NewProtocolError(nostr.ErrChunkMissing,
				fmt.Sprintf("received %d/%d chunks before context done", n, want), "")
		}
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	chunks := make([]chunker.Chunk, 0, len(cc.collected))
	for _, ch := range cc.collected {
		chunks = append(chunks, ch)
	}
	return chunks, nil
}
