// Package metadata owns the local member's metadata, answers remote fetches
// for it and caches what was fetched from other members.
package metadata

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

const (
	QualifierGetMetadataReq  = "zephyr/metadata/getReq"
	QualifierGetMetadataResp = "zephyr/metadata/getResp"
)

// ErrWrongMember is returned when a metadata reply describes a member other
// than the one asked for, as happens when a new process reuses an address.
var ErrWrongMember = errors.New("metadata reply for another member")

// DefaultCacheBytes bounds the remote metadata cache.
const DefaultCacheBytes = 16 << 20

type getMetadataRequest struct {
	Member cluster.Member `json:"member"`
}

type getMetadataResponse struct {
	Member   cluster.Member `json:"member"`
	Metadata []byte         `json:"metadata"`
}

type Store struct {
	local cluster.Member
	cfg   cluster.Config
	tr    transport.Transport
	cids  *cluster.CorrelationIDGenerator
	log   *zap.Logger
	cache *Cache

	mu      sync.RWMutex
	value   []byte
	changes *pubsub.Hub[[]byte]

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewStore(local cluster.Member, tr transport.Transport, cfg cluster.Config, cids *cluster.CorrelationIDGenerator, initial []byte, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		local:   local,
		cfg:     cfg,
		tr:      tr,
		cids:    cids,
		log:     log.With(zap.String("component", "metadata"), zap.Stringer("member", local)),
		cache:   NewCache(DefaultCacheBytes),
		value:   append([]byte{}, initial...),
		changes: pubsub.NewHub[[]byte](),
	}
}

// Metadata returns a copy of the local member's metadata.
func (s *Store) Metadata() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte{}, s.value...)
}

// Update replaces the local metadata. Subscribers of Changes are notified
// unless the value is unchanged.
func (s *Store) Update(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeLocked(b)
}

// storeLocked publishes while holding mu so subscribers see changes in
// the order they were applied. Publish never blocks.
func (s *Store) storeLocked(b []byte) {
	if bytes.Equal(s.value, b) {
		return
	}
	s.value = append([]byte{}, b...)
	s.changes.Publish(append([]byte{}, s.value...))
}

// SetProperty sets one key of Properties-shaped metadata. Metadata that is
// not a property map is replaced by a map holding only key.
func (s *Store) SetProperty(key, value string) error {
	return s.mutateProperties(func(p Properties) { p[key] = value })
}

// RemoveProperty deletes one key of Properties-shaped metadata.
func (s *Store) RemoveProperty(key string) error {
	return s.mutateProperties(func(p Properties) { delete(p, key) })
}

// mutateProperties runs decode, mutate and store under one write lock so
// concurrent single-key edits do not overwrite each other.
func (s *Store) mutateProperties(mutate func(Properties)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, err := PropertiesCodec.Decode(s.value)
	if err != nil || props == nil {
		props = Properties{}
	}
	props = props.Clone()
	mutate(props)
	b, err := PropertiesCodec.Encode(props)
	if err != nil {
		return err
	}
	s.storeLocked(b)
	return nil
}

// Changes subscribes to local metadata updates.
func (s *Store) Changes() (<-chan []byte, func()) {
	return s.changes.Subscribe()
}

// MemberMetadata returns the metadata of m from local state: the local
// value for the local member, the cache for everyone else.
func (s *Store) MemberMetadata(m cluster.Member) ([]byte, bool) {
	if m.ID == s.local.ID {
		return s.Metadata(), true
	}
	return s.cache.Get(m.ID)
}

// Remember caches metadata fetched for m.
func (s *Store) Remember(m cluster.Member, b []byte) {
	if m.ID == s.local.ID {
		return
	}
	s.cache.Put(m.ID, b)
}

// Forget evicts m from the cache and returns what was cached.
func (s *Store) Forget(m cluster.Member) ([]byte, bool) {
	return s.cache.Delete(m.ID)
}

// Fetch asks m for its metadata, bounded by MetadataTimeout. It does not
// touch the cache.
func (s *Store) Fetch(ctx context.Context, m cluster.Member) ([]byte, error) {
	if m.ID == s.local.ID {
		return s.Metadata(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MetadataTimeout)
	defer cancel()

	req, err := transport.NewMessage(QualifierGetMetadataReq, s.cids.Next(), getMetadataRequest{Member: m})
	if err != nil {
		return nil, err
	}
	resp, err := s.tr.RequestResponse(ctx, m.Address, req)
	if err != nil {
		telemetry.MetadataFetchesTotal.WithLabelValues("failed").Inc()
		return nil, errors.Wrapf(err, "fetch metadata of %s", m)
	}
	var data getMetadataResponse
	if err := resp.Decode(&data); err != nil {
		telemetry.MetadataFetchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if data.Member.ID != m.ID {
		telemetry.MetadataFetchesTotal.WithLabelValues("failed").Inc()
		return nil, errors.Wrapf(ErrWrongMember, "asked %s, got %s", m, data.Member)
	}
	telemetry.MetadataFetchesTotal.WithLabelValues("ok").Inc()
	if data.Metadata == nil {
		data.Metadata = []byte{}
	}
	return data.Metadata, nil
}

// Start begins answering metadata requests addressed to the local member.
func (s *Store) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	in, unsubscribe := s.tr.Listen()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if msg.Qualifier != QualifierGetMetadataReq {
					continue
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.onGetMetadata(ctx, msg)
				}()
			}
		}
	}()
}

func (s *Store) Stop() {
	s.lifecycle.Lock()
	cancel := s.cancel
	s.lifecycle.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	s.changes.Close()
}

func (s *Store) onGetMetadata(ctx context.Context, msg transport.Message) {
	var req getMetadataRequest
	if err := msg.Decode(&req); err != nil {
		s.log.Warn("drop malformed metadata request", zap.Stringer("from", msg.Sender), zap.Error(err))
		return
	}
	if req.Member.ID != s.local.ID {
		s.log.Debug("ignore metadata request for another member", zap.Stringer("target", req.Member), zap.Stringer("from", msg.Sender))
		return
	}
	resp, err := msg.Reply(QualifierGetMetadataResp, getMetadataResponse{Member: s.local, Metadata: s.Metadata()})
	if err != nil {
		s.log.Warn("encode metadata response", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MetadataTimeout)
	defer cancel()
	if err := s.tr.Send(ctx, msg.Sender, resp); err != nil {
		s.log.Debug("send metadata response failed", zap.Stringer("to", msg.Sender), zap.Error(err))
	}
}
