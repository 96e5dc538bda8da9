package client

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/blobdvm/blobdvm/internal/logging"
	"github.com/blobdvm/blobdvm/internal/metrics"
	"github.com/blobdvm/blobdvm/pkg/chunker"
	"github.com/blobdvm/blobdvm/pkg/nostr"
	"github.com/blobdvm/blobdvm/pkg/relay"
	"github.com/blobdvm/blobdvm/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T, broker *relay.Broker) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.SweepInterval = time.Hour
	cfg.PublishRateLimit = 0

	relayClient := relay.NewClient(broker)
	signer := relay.NewFakeSigner("server-pubkey")
	m := metrics.NewServer(prometheus.NewRegistry())
	log := logging.New("blobdvm-server-test", "test", nil)

	srv := server.New(cfg, relayClient, signer, m, log)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return signer.PubKey()
}

func newTestClient(t *testing.T, broker *relay.Broker, pubkey string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 2 * time.Second
	cfg.ChunkTimeout = 2 * time.Second

	relayClient := relay.NewClient(broker)
	signer := relay.NewFakeSigner(pubkey)
	m := metrics.NewClient(prometheus.NewRegistry())
	log := logging.New("blobdvm-client-test", "test", nil)

	c := New(cfg, relayClient, signer, m, log)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	broker := relay.NewBroker()
	serverPubkey := newTestServer(t, broker)
	c := newTestClient(t, broker, "alice")

	data := []byte("round trip payload for blobdvm client test")
	resp, err := c.Upload(context.Background(), serverPubkey, data, "payload.txt")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if resp.Status != nostr.StatusStored {
		t.Fatalf("status = %q, want stored", resp.Status)
	}

	downloaded, err := c.Download(context.Background(), serverPubkey, resp.Hash)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(downloaded) != string(data) {
		t.Fatalf("downloaded data mismatch")
	}
}

func TestDownloadFailsAfterDeleteEvictsLocalCache(t *testing.T) {
	broker := relay.NewBroker()
	serverPubkey := newTestServer(t, broker)
	c := newTestClient(t, broker, "frank")

	data := []byte("cached payload that survives a remote delete")
	resp, err := c.Upload(context.Background(), serverPubkey, data, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if _, err := c.Download(context.Background(), serverPubkey, resp.Hash); err != nil {
		t.Fatalf("first Download: %v", err)
	}

	delResp, err := c.Delete(context.Background(), serverPubkey, resp.Hash)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if delResp.Status != nostr.StatusDeleted {
		t.Fatalf("delete status = %q, want deleted", delResp.Status)
	}

	// Delete() evicts the local cache entry for this hash, so a
	// subsequent Download must fail exactly as it would against a server
	// that never held the file.
	if _, err := c.Download(context.Background(), serverPubkey, resp.Hash); err == nil {
		t.Fatal("expected download to fail after delete evicted the cache entry")
	}
}

func TestUploadDownloadMultiChunk(t *testing.T) {
	broker := relay.NewBroker()
	serverPubkey := newTestServer(t, broker)
	c := newTestClient(t, broker, "bob")

	r := rand.New(rand.NewSource(99))
	data := make([]byte, chunker.Size*5+42)
	r.Read(data)

	resp, err := c.Upload(context.Background(), serverPubkey, data, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if resp.Chunks != 6 {
		t.Fatalf("chunks = %d, want 6", resp.Chunks)
	}

	downloaded, err := c.Download(context.Background(), serverPubkey, resp.Hash)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(downloaded) != len(data) {
		t.Fatalf("length mismatch: got %d want %d", len(downloaded), len(data))
	}
	for i := range data {
		if downloaded[i] != data[i] {
			t.Fatalf("byte mismatch at offset %d", i)
		}
	}
}

func TestDownloadUnknownHashFails(t *testing.T) {
	broker := relay.NewBroker()
	serverPubkey := newTestServer(t, broker)
	c := newTestClient(t, broker, "carol")

	unknownHash := chunker.FileHash([]byte("never stored anywhere"))
	_, err := c.Download(context.Background(), serverPubkey, unknownHash)
	if err == nil {
		t.Fatal("expected error")
	}
	perr, ok := err.(*nostr.ProtocolError)
	if !ok {
		t.Fatalf("error type = %T, want *nostr.ProtocolError", err)
	}
	if perr.Code != nostr.ErrFileNotFound {
		t.Fatalf("code = %q, want %q", perr.Code, nostr.ErrFileNotFound)
	}
}

func TestDiscoverServersDedupesKeepsLatest(t *testing.T) {
	broker := relay.NewBroker()
	raw := relay.NewClient(broker)
	signer := relay.NewFakeSigner("server-pubkey")

	old := nostr.BuildAnnouncement(signer.PubKey(), 1000, "old-name", "stale", nostr.ServerParams{MaxFileSize: 1})
	signer.Sign(old)
	raw.Publish(context.Background(), old)

	fresh := nostr.BuildAnnouncement(signer.PubKey(), 2000, "fresh-name", "current", nostr.ServerParams{MaxFileSize: 2})
	signer.Sign(fresh)
	raw.Publish(context.Background(), fresh)

	c := newTestClient(t, broker, "dave")
	servers, err := c.DiscoverServers(context.Background())
	if err != nil {
		t.Fatalf("DiscoverServers: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(servers))
	}
	if servers[0].Name != "fresh-name" {
		t.Fatalf("name = %q, want fresh-name", servers[0].Name)
	}
}

func TestDownloadSurvivesChunkBurstExceedingBrokerBuffer(t *testing.T) {
	broker := relay.NewBroker()
	serverPubkey := newTestServer(t, broker)
	c := newTestClient(t, broker, "grace")
	c.cfg.ChunkTimeout = 10 * time.Second

	// 81 chunks comfortably exceeds the in-memory broker's 64-slot
	// per-subscription buffer, so this only passes if chunk draining
	// starts before the terminal response is awaited.
	r := rand.New(rand.NewSource(321))
	data := make([]byte, chunker.Size*80+7)
	r.Read(data)

	resp, err := c.Upload(context.Background(), serverPubkey, data, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if resp.Chunks != 81 {
		t.Fatalf("chunks = %d, want 81", resp.Chunks)
	}

	downloaded, err := c.Download(context.Background(), serverPubkey, resp.Hash)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(downloaded) != len(data) {
		t.Fatalf("length mismatch: got %d want %d", len(downloaded), len(data))
	}
	for i := range data {
		if downloaded[i] != data[i] {
			t.Fatalf("byte mismatch at offset %d", i)
		}
	}
}

func TestChunkCollectorRejectsInconsistentTotal(t *testing.T) {
	c := &Client{
		cfg:     DefaultConfig(),
		metrics: metrics.NewClient(prometheus.NewRegistry()),
		log:     logging.New("blobdvm-client-test", "test", nil),
	}
	fileHash := chunker.FileHash([]byte("file under test"))
	events := make(chan relay.Notification)
	cc := c.collectChunks(context.Background(), events, fileHash)

	first := chunker.Split([]byte("part one of a file"), 0)[0]
	first.Total = 2
	events <- relay.Notification{Event: nostr.BuildChunkEvent(
		"peer", time.Now().Unix(), fileHash, 0, first.Total, first.ChunkHash, first.Bytes, 0)}

	second := chunker.Split([]byte("part two, but mislabeled"), 0)[0]
	second.Total = 3 // disagrees with the chunk above
	events <- relay.Notification{Event: nostr.BuildChunkEvent(
		"peer", time.Now().Unix(), fileHash, 1, second.Total, second.ChunkHash, second.Bytes, 0)}

	_, err := cc.wait(context.Background(), 2, 2*time.Second)
	if err == nil {
		t.Fatal("expected error from inconsistent chunk_total")
	}
	perr, ok := err.(*nostr.ProtocolError)
	if !ok {
		t.Fatalf("error type = %T, want *nostr.ProtocolError", err)
	}
	if perr.Code != nostr.ErrIntegrityFailed {
		t.Fatalf("code = %q, want %q", perr.Code, nostr.ErrIntegrityFailed)
	}
}

func TestDownloadDiscardsForgedChunkButAssemblesGenuine(t *testing.T) {
	broker := relay.NewBroker()
	serverPubkey := newTestServer(t, broker)
	c := newTestClient(t, broker, "erin")

	data := []byte("genuine content the attacker wants to corrupt")
	resp, err := c.Upload(context.Background(), serverPubkey, data, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	// An attacker watching requests races a forged chunk in as soon as it
	// sees the retrieve request go out, aiming to poison the download.
	attacker := relay.NewClient(broker)
	attackerSigner := relay.NewFakeSigner("attacker-pubkey")
	watchSub, watchEvents, err := attacker.Subscribe(context.Background(), relay.Filter{Kinds: []int{nostr.KindRequest}})
	if err != nil {
		t.Fatalf("attacker subscribe: %v", err)
	}
	go func() {
		defer attacker.Unsubscribe(watchSub)
		select {
		case notif := <-watchEvents:
			forged := nostr.BuildChunkEvent(attackerSigner.PubKey(), time.Now().Unix(), resp.Hash, 0, 1,
				"0000000000000000000000000000000000000000000000000000000000000000"[:64], []byte("forged bytes"), resp.Expires)
			attackerSigner.Sign(forged)
			attacker.Publish(context.Background(), forged)
			_ = notif
		case <-time.After(2 * time.Second):
		}
	}()

	downloaded, err := c.Download(context.Background(), serverPubkey, resp.Hash)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(downloaded) != string(data) {
		t.Fatalf("downloaded data mismatch after forged chunk attack")
	}
}
