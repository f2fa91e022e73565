// Package audit implements the hash-chained coordination ledger.
//
// Each event's checksum is sha256 over the canonical JSON of its sequence
// number, type, timestamp, actor and payload, followed by the previous
// event's checksum. Events are addressed by a monotonic sequence number so
// ranges can be read and verified without walking the whole chain.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/jsonutil"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/metrics"
	"github.com/orgflow/orgflow/pkg/model"
)

// Ledger meta keys recording the last pruned event.
const (
	metaAnchorSeq      = "anchor_seq"
	metaAnchorChecksum = "anchor_checksum"
)

// Sink receives events after they are committed.
type Sink interface {
	Notify(ev model.AuditEvent)
}

// Entry is an event to append.
type Entry struct {
	Type model.AuditEventType
	// Actor defaults to the ledger's actor when empty.
	Actor   string
	Payload map[string]any
}

// Options configures a Ledger.
type Options struct {
	Actor   string
	Logger  *logging.Logger
	Metrics *metrics.Registry
	Sinks   []Sink
}

// Ledger appends to and verifies the audit chain in the store.
type Ledger struct {
	store   *store.Store
	actor   string
	log     *logging.Logger
	metrics *metrics.Registry
	sinks   []Sink
	now     func() time.Time

	// mu orders appends from this process; the store's single connection
	// orders them across transactions.
	mu sync.Mutex
}

// New creates a ledger over st.
func New(st *store.Store, opts Options) *Ledger {
	return &Ledger{
		store:   st,
		actor:   opts.Actor,
		log:     logging.OrNop(opts.Logger).Named("audit"),
		metrics: opts.Metrics,
		sinks:   opts.Sinks,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Actor returns the default actor.
func (l *Ledger) Actor() string {
	return l.actor
}

// Append writes e to the end of the chain and returns the stored event.
func (l *Ledger) Append(ctx context.Context, e Entry) (*model.AuditEvent, error) {
	actor := e.Actor
	if actor == "" {
		actor = l.actor
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := jsonutil.CanonicalMarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var ev *model.AuditEvent
	err = l.store.WithTx(ctx, func(tx *store.Tx) error {
		seq, prev, err := head(ctx, tx)
		if err != nil {
			return err
		}
		ev = &model.AuditEvent{
			Seq:          seq + 1,
			EventType:    e.Type,
			Timestamp:    l.now().UTC(),
			Actor:        actor,
			PrevChecksum: prev,
			RawPayload:   raw,
		}
		sum, err := Checksum(ev)
		if err != nil {
			return err
		}
		ev.Checksum = sum
		return tx.InsertAuditEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	ev.Payload = decodePayload(raw)

	for _, s := range l.sinks {
		s.Notify(*ev)
	}
	return ev, nil
}

// Record appends e on a best-effort basis. A failure is logged, counted and
// returned as errclass.ErrAuditDegraded so callers can report it without
// aborting the operation that triggered it.
func (l *Ledger) Record(ctx context.Context, e Entry) (*model.AuditEvent, error) {
	if l == nil {
		return nil, errclass.ErrAuditDegraded.WithMessage("no audit ledger configured")
	}
	ev, err := l.Append(ctx, e)
	if err != nil {
		l.log.WarnErr("audit append failed; continuing", err, map[string]any{"event": string(e.Type)})
		if l.metrics != nil {
			l.metrics.RecordAuditDegraded()
		}
		return nil, errclass.ErrAuditDegraded.WithMessagef("record %s", e.Type).Wrap(err)
	}
	return ev, nil
}

// head returns the sequence number and checksum new events chain from.
func head(ctx context.Context, tx *store.Tx) (int64, model.HashValue, error) {
	last, err := tx.LastAuditEvent(ctx)
	if err != nil {
		return 0, "", err
	}
	if last != nil {
		return last.Seq, last.Checksum, nil
	}
	return anchor(ctx, tx)
}

type metaReader interface {
	GetMeta(ctx context.Context, key string) (string, error)
}

// anchor returns the last pruned event's position, or zero values when the
// ledger was never pruned.
func anchor(ctx context.Context, q metaReader) (int64, model.HashValue, error) {
	seqText, err := q.GetMeta(ctx, metaAnchorSeq)
	if err != nil || seqText == "" {
		return 0, "", err
	}
	seq, err := strconv.ParseInt(seqText, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse anchor seq %q: %w", seqText, err)
	}
	sum, err := q.GetMeta(ctx, metaAnchorChecksum)
	if err != nil {
		return 0, "", err
	}
	return seq, model.HashValue(sum), nil
}

type checksumInput struct {
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
}

// Checksum computes the chained checksum of ev from its stored fields.
func Checksum(ev *model.AuditEvent) (model.HashValue, error) {
	sum, err := jsonutil.ChainHash(checksumInput{
		Seq:       ev.Seq,
		EventType: string(ev.EventType),
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:     ev.Actor,
		Payload:   json.RawMessage(ev.RawPayload),
	}, string(ev.PrevChecksum))
	if err != nil {
		return "", fmt.Errorf("checksum event %d: %w", ev.Seq, err)
	}
	return model.HashValue(sum), nil
}

// VerifyResult reports a chain verification.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	Checked  int    `json:"checked"`
	FromSeq  int64  `json:"from_seq,omitempty"`
	ToSeq    int64  `json:"to_seq,omitempty"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Err returns errclass.ErrAuditChainBroken for a failed verification.
func (r *VerifyResult) Err() error {
	if r.OK {
		return nil
	}
	return errclass.ErrAuditChainBroken.WithMessagef("broken at event %d: %s", r.BrokenAt, r.Reason)
}

// VerifyChain walks events fromSeq..toSeq (zero bounds mean the whole
// retained chain) and reports the first event whose link or checksum does
// not validate.
func (l *Ledger) VerifyChain(ctx context.Context, fromSeq, toSeq int64) (*VerifyResult, error) {
	anchorSeq, anchorSum, err := anchor(ctx, l.store)
	if err != nil {
		return nil, err
	}
	if fromSeq <= anchorSeq {
		fromSeq = anchorSeq + 1
	}

	events, err := l.store.AuditRange(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{OK: true, FromSeq: fromSeq, ToSeq: toSeq}
	if len(events) == 0 {
		return res, nil
	}

	// Establish the expected predecessor of the first event in range.
	expectSeq := fromSeq - 1
	expectPrev := anchorSum
	if expectSeq != anchorSeq {
		prev, err := l.store.AuditRange(ctx, expectSeq, expectSeq)
		if err != nil {
			return nil, err
		}
		if len(prev) == 0 {
			return broken(res, events[0].Seq, "predecessor event missing"), nil
		}
		expectPrev = prev[0].Checksum
	}

	for i := range events {
		ev := &events[i]
		if ev.Seq != expectSeq+1 {
			return broken(res, expectSeq+1, fmt.Sprintf("event missing (next stored is %d)", ev.Seq)), nil
		}
		if ev.PrevChecksum != expectPrev {
			return broken(res, ev.Seq, "previous checksum link mismatch"), nil
		}
		sum, err := Checksum(ev)
		if err != nil {
			return broken(res, ev.Seq, "payload unreadable"), nil
		}
		if sum != ev.Checksum {
			return broken(res, ev.Seq, "checksum mismatch"), nil
		}
		res.Checked++
		expectSeq = ev.Seq
		expectPrev = ev.Checksum
	}
	res.ToSeq = expectSeq
	return res, nil
}

func broken(res *VerifyResult, seq int64, reason string) *VerifyResult {
	res.OK = false
	res.BrokenAt = seq
	res.Reason = reason
	return res
}

// Query returns events matching f in chain order.
func (l *Ledger) Query(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	return l.store.QueryAudit(ctx, f)
}

// Last returns the chain head, or nil for an empty ledger.
func (l *Ledger) Last(ctx context.Context) (*model.AuditEvent, error) {
	return l.store.LastAuditEvent(ctx)
}

// PruneResult describes a retention prune.
type PruneResult struct {
	Removed        int64             `json:"removed"`
	AnchorSeq      int64             `json:"anchor_seq"`
	AnchorChecksum model.HashValue   `json:"anchor_checksum"`
	Event          *model.AuditEvent `json:"event,omitempty"`
}

// Prune removes events older than before. The newest removed event becomes
// the chain anchor so verification continues across the boundary, and the
// prune itself is appended as an audit.prune event.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (*PruneResult, error) {
	l.mu.Lock()
	res := &PruneResult{}
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		old, err := tx.QueryAudit(ctx, model.AuditFilter{Until: before.Add(-time.Nanosecond), Limit: 1})
		if err != nil {
			return err
		}
		if len(old) == 0 {
			return nil
		}
		last := old[0]
		if err := tx.SetMeta(ctx, metaAnchorSeq, strconv.FormatInt(last.Seq, 10)); err != nil {
			return err
		}
		if err := tx.SetMeta(ctx, metaAnchorChecksum, string(last.Checksum)); err != nil {
			return err
		}
		n, err := tx.DeleteAuditThrough(ctx, last.Seq)
		if err != nil {
			return err
		}
		res.Removed = n
		res.AnchorSeq = last.Seq
		res.AnchorChecksum = last.Checksum
		return nil
	})
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if res.Removed == 0 {
		return res, nil
	}

	ev, err := l.Append(ctx, Entry{Type: model.EventAuditPrune, Payload: map[string]any{
		"before":          before.UTC().Format(time.RFC3339),
		"removed":         res.Removed,
		"anchor_seq":      res.AnchorSeq,
		"anchor_checksum": string(res.AnchorChecksum),
	}})
	if err != nil {
		return res, err
	}
	res.Event = ev
	return res, nil
}

func decodePayload(raw []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}
