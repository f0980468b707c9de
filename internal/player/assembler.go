package player

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/subcast/internal/broadcast"
	"github.com/dgnsrekt/subcast/internal/subtitle"
)

// property indexes the four values queried for every subtitle
// occurrence. The index doubles as the offset within a request-id block.
type property int

const (
	propSubStart property = iota
	propSubEnd
	propMediaPath
	propAudioID
	propCount
)

var propertyNames = [propCount]string{"sub-start", "sub-end", "path", "aid"}

const (
	// Request-id blocks start above the handshake ids and advance by
	// requestIDStride per occurrence; request_id % requestIDStride
	// recovers the property index.
	firstRequestID  = 10
	requestIDStride = 10

	observedProperty = "sub-text"

	// DefaultPendingExpiry bounds how long an occurrence may sit with
	// unanswered property queries before it is dropped.
	DefaultPendingExpiry = 10 * time.Second
)

// pendingSubtitle is one occurrence still collecting its four property
// replies. Keyed in the pending set by its request-id block base, not by
// its subtitle id.
type pendingSubtitle struct {
	id        uint64
	text      string
	responses [propCount]json.RawMessage
	created   time.Time
}

func (p *pendingSubtitle) setResponse(idx property, data json.RawMessage) {
	if idx >= 0 && idx < propCount {
		p.responses[idx] = data
	}
}

func (p *pendingSubtitle) complete() bool {
	for _, r := range p.responses {
		if r == nil {
			return false
		}
	}
	return true
}

// subtitle converts a complete occurrence into its immutable record.
func (p *pendingSubtitle) subtitle() (subtitle.Subtitle, error) {
	sub := subtitle.Subtitle{ID: p.id, Text: p.text}
	if err := json.Unmarshal(p.responses[propSubStart], &sub.SubStart); err != nil {
		return sub, err
	}
	if err := json.Unmarshal(p.responses[propSubEnd], &sub.SubEnd); err != nil {
		return sub, err
	}
	if err := json.Unmarshal(p.responses[propMediaPath], &sub.MediaPath); err != nil {
		return sub, err
	}
	if err := json.Unmarshal(p.responses[propAudioID], &sub.AID); err != nil {
		return sub, err
	}
	return sub, nil
}

// Assembler reconstructs complete subtitle records from the player's
// independently arriving property replies and fans them out. It owns the
// link's read side and both monotonic counters; nothing else allocates
// ids.
type Assembler struct {
	link    *Link
	store   *subtitle.Store
	hub     *broadcast.Hub
	expiry  time.Duration
	logger  *zap.Logger
	pending map[uint64]*pendingSubtitle

	nextSubtitleID uint64
	nextRequestID  uint64

	now func() time.Time // stubbed in tests
}

// NewAssembler creates an Assembler publishing into store and hub.
func NewAssembler(link *Link, store *subtitle.Store, hub *broadcast.Hub, expiry time.Duration, logger *zap.Logger) *Assembler {
	if expiry <= 0 {
		expiry = DefaultPendingExpiry
	}
	return &Assembler{
		link:           link,
		store:          store,
		hub:            hub,
		expiry:         expiry,
		logger:         logger,
		pending:        make(map[uint64]*pendingSubtitle),
		nextSubtitleID: 1,
		nextRequestID:  firstRequestID,
		now:            time.Now,
	}
}

// Run subscribes to subtitle changes and processes the player's line
// stream until the connection ends or ctx is cancelled. End-of-file is a
// clean stop (returns nil): once the player is gone there is nothing
// left to serve, and the caller shuts the whole process down.
func (a *Assembler) Run(ctx context.Context) error {
	if err := a.link.Observe(observedProperty); err != nil {
		return err
	}
	a.logger.Info("observing player subtitle changes")

	// Unblock the pending read when the caller cancels us.
	stop := context.AfterFunc(ctx, func() { a.link.Close() })
	defer stop()

	for {
		resp, err := a.link.ReadResponse()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrConnClosed) {
				a.logger.Info("player connection closed")
				return nil
			}
			return err
		}

		switch {
		case resp.RequestID != nil:
			a.handlePropertyResponse(*resp.RequestID, resp.Data)
		case resp.Event == "property-change":
			a.handleSubtitleChange(resp.Data)
		}
		a.expirePending()
	}
}

// handlePropertyResponse routes a reply into its occurrence's slot and
// completes every occurrence that just became whole. Completion is
// checked across all pending entries because replies interleave when
// subtitle lines arrive in quick succession.
func (a *Assembler) handlePropertyResponse(requestID uint64, data json.RawMessage) {
	base := requestID / requestIDStride * requestIDStride
	idx := property(requestID % requestIDStride)

	// Unknown bases are expected: late replies after completion, or the
	// startup handshake's ids.
	if p, ok := a.pending[base]; ok && data != nil {
		p.setResponse(idx, data)
	}

	for base, p := range a.pending {
		if !p.complete() {
			continue
		}
		delete(a.pending, base)

		sub, err := p.subtitle()
		if err != nil {
			a.logger.Warn("discarding subtitle with malformed property data",
				zap.Uint64("subtitleID", p.id),
				zap.Error(err),
			)
			continue
		}
		a.store.Insert(sub)
		a.hub.Publish(sub)
		a.logger.Debug("subtitle broadcast", zap.Uint64("subtitleID", sub.ID))
	}
}

// handleSubtitleChange reacts to a sub-text change event. Empty text
// means the subtitle was cleared; no occurrence is created.
func (a *Assembler) handleSubtitleChange(data json.RawMessage) {
	var text string
	if err := json.Unmarshal(data, &text); err != nil || text == "" {
		return
	}

	subtitleID := a.nextSubtitleID
	a.nextSubtitleID++
	base := a.nextRequestID
	a.nextRequestID += requestIDStride

	// All four queries go out back-to-back without awaiting; the replies
	// come back through the generic read loop above.
	for idx, name := range propertyNames {
		if err := a.link.Get(name, base+uint64(idx)); err != nil {
			a.logger.Warn("failed to issue property query",
				zap.String("property", name),
				zap.Error(err),
			)
		}
	}

	a.pending[base] = &pendingSubtitle{id: subtitleID, text: text, created: a.now()}
	a.logger.Info("subtitle observed",
		zap.Uint64("subtitleID", subtitleID),
		zap.String("text", text),
	)
}

// expirePending drops occurrences whose property queries never all came
// back. Checked lazily as lines arrive; an idle connection holds at most
// the occurrences that were in flight when it went quiet.
func (a *Assembler) expirePending() {
	cutoff := a.now().Add(-a.expiry)
	for base, p := range a.pending {
		if p.created.Before(cutoff) {
			delete(a.pending, base)
			a.logger.Warn("expiring incomplete subtitle occurrence",
				zap.Uint64("subtitleID", p.id),
				zap.Uint64("requestBase", base),
			)
		}
	}
}
