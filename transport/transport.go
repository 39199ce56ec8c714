// Package transport moves rank-to-rank messages over NATS core
// request/reply. Subjects are per-rank and per-kind
// ({cluster}.rank.{id}.{prepare|decide|lock|authpin}); NATS preserves
// per-publisher subject order, which keeps a transaction's decide behind
// its prepare.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/cfg"
	"github.com/settfs/sett/telemetry"
)

// Message kinds double as subject suffixes and metric labels
const (
	kindPrepare = "prepare"
	kindDecide  = "decide"
	kindLock    = "lock"
	kindAuthPin = "authpin"
)

// RequestTimeoutError reports a peer that did not answer in time. Masters
// fold it into a participant failure and abort.
type RequestTimeoutError struct {
	Rank    uint64
	Subject string
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("transport: request to rank %d timed out on %s", e.Rank, e.Subject)
}

// Peer is the outbound half consumed by the rank driver.
type Peer interface {
	SendPrepare(ctx context.Context, rank uint64, msg *PrepareMsg) (*AckMsg, error)
	SendDecide(rank uint64, msg *DecideMsg) error
	SendRemoteLock(ctx context.Context, rank uint64, msg *LockMsg) (*AckMsg, error)
	SendRemoteLockRelease(rank uint64, msg *LockMsg) error
	SendAuthPin(ctx context.Context, rank uint64, msg *AuthPinMsg) (*AckMsg, error)
	SendAuthPinRelease(rank uint64, msg *AuthPinMsg) error
}

// Handler is the inbound half implemented by the rank. Implementations must
// not block the delivery goroutine; they submit work to the executor and
// call reply later (replying from another goroutine is fine).
type Handler interface {
	HandlePrepare(msg *PrepareMsg, reply func(*AckMsg))
	HandleDecide(msg *DecideMsg)
	HandleRemoteLock(msg *LockMsg, reply func(*AckMsg))
	HandleRemoteLockRelease(msg *LockMsg)
	HandleAuthPin(msg *AuthPinMsg, reply func(*AckMsg))
	HandleAuthPinRelease(msg *AuthPinMsg)
}

// Options configures the peer link.
type Options struct {
	URLs              []string
	RankID            uint64
	ClusterName       string // subject prefix
	RequestTimeout    time.Duration
	ReconnectWait     time.Duration
	CompressThreshold int
}

// DefaultOptions returns transport options from cfg.Config.
func DefaultOptions(rankID uint64) Options {
	tc := cfg.Config.Transport
	return Options{
		URLs:              tc.NATSURLs,
		RankID:            rankID,
		ClusterName:       cfg.Config.Cluster.Name,
		RequestTimeout:    time.Duration(tc.RequestTimeoutMS) * time.Millisecond,
		ReconnectWait:     time.Duration(tc.ReconnectWaitMS) * time.Millisecond,
		CompressThreshold: tc.CompressThreshold,
	}
}

// Transport is the NATS-backed peer link. It implements Peer for outbound
// traffic and serves the rank's inbound subjects.
type Transport struct {
	nc     *nats.Conn
	opts   Options
	subs   []*nats.Subscription
	closed atomic.Bool
}

var _ Peer = (*Transport)(nil)

// New connects to NATS with the resilience options used everywhere else in
// this codebase.
func New(opts Options) (*Transport, error) {
	nc, err := nats.Connect(strings.Join(opts.URLs, ","),
		nats.Name(fmt.Sprintf("%s-rank-%d", opts.ClusterName, opts.RankID)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Uint64("rank_id", opts.RankID).
		Str("cluster", opts.ClusterName).
		Msg("Transport connected")

	return &Transport{nc: nc, opts: opts}, nil
}

func (t *Transport) subject(rank uint64, kind string) string {
	return fmt.Sprintf("%s.rank.%d.%s", t.opts.ClusterName, rank, kind)
}

func (t *Transport) heartbeatSubject() string {
	return t.opts.ClusterName + ".cluster.heartbeat"
}

// SendPrepare asks a participant to vote; blocks until the ack or timeout.
func (t *Transport) SendPrepare(ctx context.Context, rank uint64, msg *PrepareMsg) (*AckMsg, error) {
	return t.request(ctx, rank, kindPrepare, msg)
}

// SendDecide publishes the commit-or-abort decision to a witness.
func (t *Transport) SendDecide(rank uint64, msg *DecideMsg) error {
	return t.publish(rank, kindDecide, msg)
}

// SendRemoteLock requests a write lock on an object owned by rank.
func (t *Transport) SendRemoteLock(ctx context.Context, rank uint64, msg *LockMsg) (*AckMsg, error) {
	return t.request(ctx, rank, kindLock, msg)
}

// SendRemoteLockRelease returns a granted remote lock. Fire and forget.
func (t *Transport) SendRemoteLockRelease(rank uint64, msg *LockMsg) error {
	msg.Release = true
	return t.publish(rank, kindLock, msg)
}

// SendAuthPin requests an auth-pin (or freeze) on an object owned by rank.
func (t *Transport) SendAuthPin(ctx context.Context, rank uint64, msg *AuthPinMsg) (*AckMsg, error) {
	return t.request(ctx, rank, kindAuthPin, msg)
}

// SendAuthPinRelease drops a remote auth-pin. Fire and forget.
func (t *Transport) SendAuthPinRelease(rank uint64, msg *AuthPinMsg) error {
	msg.Release = true
	return t.publish(rank, kindAuthPin, msg)
}

func (t *Transport) request(ctx context.Context, rank uint64, kind string, req interface{}) (*AckMsg, error) {
	subj := t.subject(rank, kind)
	data, err := encodeMsg(req, t.opts.CompressThreshold)
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := t.nc.RequestWithContext(ctx, subj, data)
	telemetry.PeerRequestSeconds.With(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.PeerRequestsTotal.With(kind, "error").Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return nil, &RequestTimeoutError{Rank: rank, Subject: subj}
		}
		return nil, fmt.Errorf("failed to request %s: %w", subj, err)
	}

	var ack AckMsg
	if err := decodeMsg(resp.Data, &ack); err != nil {
		telemetry.PeerRequestsTotal.With(kind, "error").Inc()
		return nil, fmt.Errorf("failed to decode %s ack: %w", kind, err)
	}

	result := "ok"
	if !ack.OK {
		result = "refused"
	}
	telemetry.PeerRequestsTotal.With(kind, result).Inc()
	return &ack, nil
}

func (t *Transport) publish(rank uint64, kind string, msg interface{}) error {
	data, err := encodeMsg(msg, t.opts.CompressThreshold)
	if err != nil {
		return err
	}
	if err := t.nc.Publish(t.subject(rank, kind), data); err != nil {
		telemetry.PeerRequestsTotal.With(kind, "error").Inc()
		return fmt.Errorf("failed to publish %s to rank %d: %w", kind, rank, err)
	}
	telemetry.PeerRequestsTotal.With(kind, "sent").Inc()
	return nil
}

// Serve subscribes this rank's inbound subjects and dispatches to h.
func (t *Transport) Serve(h Handler) error {
	routes := []struct {
		kind string
		cb   nats.MsgHandler
	}{
		{kindPrepare, func(m *nats.Msg) {
			var req PrepareMsg
			if !t.decodeInbound(m, kindPrepare, &req) {
				return
			}
			h.HandlePrepare(&req, t.responder(m, kindPrepare))
		}},
		{kindDecide, func(m *nats.Msg) {
			var req DecideMsg
			if !t.decodeInbound(m, kindDecide, &req) {
				return
			}
			h.HandleDecide(&req)
		}},
		{kindLock, func(m *nats.Msg) {
			var req LockMsg
			if !t.decodeInbound(m, kindLock, &req) {
				return
			}
			if req.Release {
				h.HandleRemoteLockRelease(&req)
				return
			}
			h.HandleRemoteLock(&req, t.responder(m, kindLock))
		}},
		{kindAuthPin, func(m *nats.Msg) {
			var req AuthPinMsg
			if !t.decodeInbound(m, kindAuthPin, &req) {
				return
			}
			if req.Release {
				h.HandleAuthPinRelease(&req)
				return
			}
			h.HandleAuthPin(&req, t.responder(m, kindAuthPin))
		}},
	}

	for _, r := range routes {
		sub, err := t.nc.Subscribe(t.subject(t.opts.RankID, r.kind), r.cb)
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", r.kind, err)
		}
		t.subs = append(t.subs, sub)
	}
	return nil
}

func (t *Transport) decodeInbound(m *nats.Msg, kind string, v interface{}) bool {
	if err := decodeMsg(m.Data, v); err != nil {
		log.Error().Err(err).Str("subject", m.Subject).Msgf("Dropping undecodable %s", kind)
		return false
	}
	return true
}

// responder wraps the NATS reply. Call it once, from any goroutine.
func (t *Transport) responder(m *nats.Msg, kind string) func(*AckMsg) {
	return func(ack *AckMsg) {
		data, err := encodeMsg(ack, t.opts.CompressThreshold)
		if err != nil {
			log.Error().Err(err).Msgf("Failed to encode %s ack", kind)
			return
		}
		if err := m.Respond(data); err != nil {
			log.Warn().Err(err).Msgf("Failed to answer %s", kind)
		}
	}
}

// PublishHeartbeat announces this rank on the cluster heartbeat subject.
func (t *Transport) PublishHeartbeat(msg *HeartbeatMsg) error {
	data, err := encodeMsg(msg, t.opts.CompressThreshold)
	if err != nil {
		return err
	}
	if err := t.nc.Publish(t.heartbeatSubject(), data); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	telemetry.HeartbeatsTotal.With("sent").Inc()
	return nil
}

// SubscribeHeartbeats feeds peer heartbeats to cb and returns an
// unsubscribe func.
func (t *Transport) SubscribeHeartbeats(cb func(*HeartbeatMsg)) (func(), error) {
	sub, err := t.nc.Subscribe(t.heartbeatSubject(), func(m *nats.Msg) {
		var hb HeartbeatMsg
		if err := decodeMsg(m.Data, &hb); err != nil {
			log.Error().Err(err).Msg("Dropping undecodable heartbeat")
			return
		}
		telemetry.HeartbeatsTotal.With("received").Inc()
		cb(&hb)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe heartbeats: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drops subscriptions and the connection. Safe to call twice.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}
