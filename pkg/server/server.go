// Package server implements the BlobDVM server engine:
// announcement publication, request subscription, job queueing,
// store/retrieve/delete handlers, and chunk broadcasting with TTL
// management.
package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blobdvm/blobdvm/internal/logging"
	"github.com/blobdvm/blobdvm/internal/metrics"
	"github.com/blobdvm/blobdvm/pkg/chunker"
	"github.com/blobdvm/blobdvm/pkg/nostr"
	"github.com/blobdvm/blobdvm/pkg/relay"
	"github.com/blobdvm/blobdvm/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// State is the server's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config configures a Server.
type Config struct {
	Name             string
	About            string
	Relays           []string
	MaxFileSize      uint64        // maximum accepted upload size in bytes
	RetentionHours   uint32        // how long a stored file stays live before TTL eviction
	MaxStoredBytes   uint64        // 0 = unbounded
	SweepInterval    time.Duration // background TTL sweeper cadence, <=60s
	PublishRateLimit float64       // chunk events/sec; 0 = unlimited
	PublishBurst     int
	JobQueueCapacity int // bounds the otherwise-unbounded job queue
	Workers          int
}

// DefaultConfig returns the protocol's mandated defaults.
func DefaultConfig() Config {
	return Config{
		Name:             "blobdvm",
		About:            "content-addressed blob storage over Nostr",
		MaxFileSize:      10 * 1024 * 1024,
		RetentionHours:   24,
		SweepInterval:    30 * time.Second,
		PublishRateLimit: 50,
		PublishBurst:     50,
		JobQueueCapacity: 1024,
		Workers:          4,
	}
}

// Stats is a point-in-time snapshot of server activity.
type Stats struct {
	RequestsHandled   uint64
	ResponsesOK       uint64
	ResponsesError    uint64
	ChunksPublished   uint64
	IntegrityFailures uint64
}

// Server is the BlobDVM server engine.
type Server struct {
	cfg     Config
	relay   relay.Client
	signer  relay.Signer
	store   *store.Store
	log     zerolog.Logger
	metrics *metrics.Server
	limiter *rate.Limiter

	mu    sync.RWMutex
	state State

	jobs chan *nostr.Event

	seenMu sync.Mutex
	seen   map[string]bool

	subID     string
	stopSweep func()
	ctx       context.Context
	cancel    context.CancelFunc
	workersWG sync.WaitGroup
	pumpDone  chan struct{}

	statsRequests  atomic.Uint64
	statsOK        atomic.Uint64
	statsErr       atomic.Uint64
	statsChunks    atomic.Uint64
	statsIntegrity atomic.Uint64
}

// New creates a Server. client is the relay-client dependency;
// signer supplies the server's identity and signs outgoing events.
func New(cfg Config, client relay.Client, signer relay.Signer, m *metrics.Server, log zerolog.Logger) *Server {
	var limiter *rate.Limiter
	if cfg.PublishRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRateLimit), cfg.PublishBurst)
	}

	return &Server{
		cfg:     cfg,
		relay:   client,
		signer:  signer,
		store:   store.New(store.WithLogger(log)),
		log:     log,
		metrics: m,
		limiter: limiter,
		state:   StateStopped,
		jobs:    make(chan *nostr.Event, cfg.JobQueueCapacity),
		seen:    make(map[string]bool),
	}
}

// State returns the server's current lifecycle state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Stats returns a snapshot of server activity counters.
func (s *Server) Stats() Stats {
	return Stats{
		RequestsHandled:   s.statsRequests.Load(),
		ResponsesOK:       s.statsOK.Load(),
		ResponsesError:    s.statsErr.Load(),
		ChunksPublished:   s.statsChunks.Load(),
		IntegrityFailures: s.statsIntegrity.Load(),
	}
}

// Start connects to the configured relays, publishes the server's
// announcement, subscribes for incoming requests, and starts the worker
// pool and TTL sweeper.
func (s *Server) Start(ctx context.Context) error {
	s.setState(StateStarting)

	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel

	if err := s.relay.Connect(runCtx, s.cfg.Relays); err != nil {
		cancel()
		s.setState(StateStopped)
		return fmt.Errorf("connect to relays: %w", err)
	}

	announcement := nostr.BuildAnnouncement(s.signer.PubKey(), time.Now().Unix(), s.cfg.Name, s.cfg.About, nostr.ServerParams{
		MaxFileSize:    s.cfg.MaxFileSize,
		ChunkSize:      chunker.Size,
		RetentionHours: s.cfg.RetentionHours,
	})
	if err := s.signer.Sign(announcement); err != nil {
		cancel()
		s.setState(StateStopped)
		return fmt.Errorf("sign announcement: %w", err)
	}
	if err := s.relay.Publish(runCtx, announcement); err != nil {
		cancel()
		s.setState(StateStopped)
		return fmt.Errorf("publish announcement: %w", err)
	}

	subID, notifications, err := s.relay.Subscribe(runCtx, relay.Filter{
		Kinds: []int{nostr.KindRequest},
		Since: time.Now().Unix(),
	})
	if err != nil {
		cancel()
		s.setState(StateStopped)
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	s.subID = subID

	s.pumpDone = make(chan struct{})
	go s.pumpNotifications(notifications)

	for i := 0; i < s.cfg.Workers; i++ {
		s.workersWG.Add(1)
		go s.worker()
	}

	s.stopSweep = s.store.StartSweeper(s.cfg.SweepInterval)

	s.setState(StateRunning)
	s.log.Info().Str("pubkey", s.signer.PubKey()).Int("workers", s.cfg.Workers).Msg("server started")
	return nil
}

// Stop cancels all in-flight work, closes subscriptions, and stops the
// sweeper. Handlers already running are not interrupted.
func (s *Server) Stop() {
	s.setState(StateStopping)
	if s.cancel != nil {
		s.cancel()
	}
	if s.subID != "" {
		s.relay.Unsubscribe(s.subID)
	}
	if s.pumpDone != nil {
		<-s.pumpDone
	}
	close(s.jobs)
	s.workersWG.Wait()
	if s.stopSweep != nil {
		s.stopSweep()
	}
	s.setState(StateStopped)
	s.log.Info().Msg("server stopped")
}

// pumpNotifications feeds incoming request events into the job queue,
// shedding load when the queue is full rather than growing
// without bound.
func (s *Server) pumpNotifications(notifications <-chan relay.Notification) {
	defer close(s.pumpDone)
	for notif := range notifications {
		event := notif.Event
		select {
		case s.jobs <- event:
			s.metrics.JobQueueDepth.Set(float64(len(s.jobs)))
		default:
			s.metrics.JobQueueDropped.Inc()
			logging.WithEvent(s.log, event.ID).Warn().Msg("job queue full, shedding request")
			s.emitStatus(s.ctx, event, nostr.StatusError, "server overloaded", nostr.ErrInternal)
		}
	}
}

func (s *Server) worker() {
	defer s.workersWG.Done()
	for event := range s.jobs {
		s.metrics.JobQueueDepth.Set(float64(len(s.jobs)))
		s.handleRequest(s.ctx, event)
	}
}

// handleRequest runs the per-request state machine:
// dedup, processing notice, parse+dispatch, terminal response or error.
func (s *Server) handleRequest(ctx context.Context, event *nostr.Event) {
	if s.markSeen(event.ID) {
		return // already handled; drop
	}
	s.statsRequests.Add(1)

	s.emitStatus(ctx, event, nostr.StatusProcessing, "processing request", "")

	content, err := nostr.ParseRequest(event)
	if err != nil {
		s.fail(ctx, event, err)
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(content.Action).Inc()

	var resp nostr.ResponseContent
	switch content.Action {
	case nostr.ActionStore:
		resp, err = s.handleStore(ctx, event, content)
	case nostr.ActionRetrieve:
		resp, err = s.handleRetrieve(ctx, event, content)
	case nostr.ActionDelete:
		resp, err = s.handleDelete(ctx, event, content)
	default:
		err = nostr.NewProtocolError(nostr.ErrMalformedRequest, "unsupported action", event.ID)
	}

	if err != nil {
		s.fail(ctx, event, err)
		return
	}

	s.statsOK.Add(1)
	s.metrics.ResponsesTotal.WithLabelValues(resp.Status).Inc()
	s.emitResponse(ctx, event, resp)
}

func (s *Server) fail(ctx context.Context, event *nostr.Event, err error) {
	code := nostr.ErrInternal
	if perr, ok := err.(*nostr.ProtocolError); ok {
		code = perr.Code
	}
	s.statsErr.Add(1)
	s.metrics.ResponsesTotal.WithLabelValues("error:" + code).Inc()
	logging.WithEvent(s.log, event.ID).Warn().Str("code", code).Err(err).Msg("request failed")
	s.emitStatus(ctx, event, nostr.StatusError, err.Error(), code)
}

// handleStore implements the store action.
func (s *Server) handleStore(ctx context.Context, event *nostr.Event, content *nostr.RequestContent) (nostr.ResponseContent, error) {
	data, err := decodeBase64(content.Data)
	if err != nil {
		return nostr.ResponseContent{}, nostr.Wrap(nostr.ErrMalformedRequest, "invalid base64 data", event.ID, err)
	}

	if uint64(len(data)) > s.cfg.MaxFileSize {
		return nostr.ResponseContent{}, nostr.NewProtocolError(nostr.ErrFileTooLarge,
			fmt.Sprintf("file is %d bytes, limit is %d", len(data), s.cfg.MaxFileSize), event.ID)
	}

	if s.cfg.MaxStoredBytes > 0 && s.store.TotalBytes()+uint64(len(data)) > s.cfg.MaxStoredBytes {
		return nostr.ResponseContent{}, nostr.NewProtocolError(nostr.ErrStorageFull, "server storage capacity exceeded", event.ID)
	}

	hash := chunker.FileHash(data)
	expiresAt := uint64(time.Now().Unix()) + uint64(s.cfg.RetentionHours)*3600
	chunks := chunker.Split(data, expiresAt)

	record := store.FileRecord{
		Hash:      hash,
		Size:      uint64(len(data)),
		Chunks:    chunks,
		Filename:  content.Filename,
		ExpiresAt: expiresAt,
	}
	alreadyPresent := s.store.Put(hash, record)
	if alreadyPresent {
		if existing, ok := s.store.Get(hash); ok {
			record = existing
		}
	}
	s.metrics.StoredBytes.Set(float64(s.store.TotalBytes()))
	s.metrics.StoredFiles.Set(float64(s.store.Count()))

	s.publishChunks(ctx, hash, record.Chunks)

	return nostr.ResponseContent{
		Hash:    hash,
		Size:    record.Size,
		Chunks:  len(record.Chunks),
		Expires: record.ExpiresAt,
		Status:  nostr.StatusStored,
	}, nil
}

// handleRetrieve implements the retrieve action.
func (s *Server) handleRetrieve(ctx context.Context, event *nostr.Event, content *nostr.RequestContent) (nostr.ResponseContent, error) {
	record, ok := s.store.Get(content.Hash)
	if !ok {
		return nostr.ResponseContent{}, nostr.NewProtocolError(nostr.ErrFileNotFound,
			fmt.Sprintf("no file for hash %s", content.Hash), event.ID)
	}

	if _, err := chunker.VerifyAndAssemble(record.Chunks, content.Hash); err != nil {
		s.statsIntegrity.Add(1)
		s.metrics.IntegrityFailures.Inc()
		logging.WithFileHash(s.log, content.Hash).Error().Err(err).Msg("stored chunks failed integrity check on retrieve")
		return nostr.ResponseContent{}, nostr.Wrap(nostr.ErrIntegrityFailed, "stored file failed integrity check", event.ID, err)
	}

	s.publishChunks(ctx, content.Hash, record.Chunks)

	return nostr.ResponseContent{
		Hash:    record.Hash,
		Size:    record.Size,
		Chunks:  len(record.Chunks),
		Expires: record.ExpiresAt,
		Status:  nostr.StatusAvailable,
	}, nil
}

// handleDelete implements the delete action: unconditional, always
// terminal with status "deleted" regardless of prior presence.
func (s *Server) handleDelete(ctx context.Context, event *nostr.Event, content *nostr.RequestContent) (nostr.ResponseContent, error) {
	s.store.Delete(content.Hash)
	s.metrics.StoredBytes.Set(float64(s.store.TotalBytes()))
	s.metrics.StoredFiles.Set(float64(s.store.Count()))

	return nostr.ResponseContent{
		Hash:   content.Hash,
		Status: nostr.StatusDeleted,
	}, nil
}

// publishChunks broadcasts every chunk of hash in index-ascending order,
// throttled to respect relay rate limits, and returns once the last one
// is sent, so the caller's response follows its chunks. A chunk whose
// signing or publication fails is logged and skipped, and a cancelled
// ctx stops publication early; neither is reported to the caller, which
// emits its response either way.
func (s *Server) publishChunks(ctx context.Context, hash string, chunks []chunker.Chunk) {
	log := logging.WithFileHash(s.log, hash)
	for _, c := range chunks {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		event := nostr.BuildChunkEvent(s.signer.PubKey(), time.Now().Unix(), hash, c.Index, c.Total, c.ChunkHash, c.Bytes, c.Expiration)
		if err := s.signer.Sign(event); err != nil {
			log.Error().Err(err).Msg("failed to sign chunk event")
			continue
		}
		if err := s.relay.Publish(ctx, event); err != nil {
			log.Error().Err(err).Int("index", c.Index).Msg("failed to publish chunk")
			continue
		}
		s.statsChunks.Add(1)
		s.metrics.ChunksPublished.Inc()
	}
}

func (s *Server) emitStatus(ctx context.Context, event *nostr.Event, status, text, errorCode string) {
	statusEvent := nostr.BuildStatusEvent(s.signer.PubKey(), time.Now().Unix(), event.ID, event.PubKey, status, text, errorCode)
	if err := s.signer.Sign(statusEvent); err != nil {
		s.log.Error().Err(err).Msg("failed to sign status event")
		return
	}
	if err := s.relay.Publish(ctx, statusEvent); err != nil {
		s.log.Error().Err(err).Msg("failed to publish status event")
	}
}

func (s *Server) emitResponse(ctx context.Context, event *nostr.Event, content nostr.ResponseContent) {
	respEvent := nostr.BuildResponse(s.signer.PubKey(), time.Now().Unix(), event.ID, event.PubKey, content)
	if err := s.signer.Sign(respEvent); err != nil {
		s.log.Error().Err(err).Msg("failed to sign response event")
		return
	}
	if err := s.relay.Publish(ctx, respEvent); err != nil {
		s.log.Error().Err(err).Msg("failed to publish response event")
	}
}

func (s *Server) markSeen(id string) (alreadySeen bool) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen[id] {
		return true
	}
	s.seen[id] = true
	return false
}
