package coappeer

import (
	"time"

	"github.com/twilio/breakout-sdk-go/coapmsg"
)

// ClientEvent is the terminal outcome of a client transaction (spec.md
// §4.5.1 "Termination"): exactly one is delivered, exactly once.
type ClientEvent int

const (
	EventACK ClientEvent = iota
	EventRST
	EventTimeout
	EventCanceled
)

func (e ClientEvent) String() string {
	switch e {
	case EventACK:
		return "ACK"
	case EventRST:
		return "RST"
	case EventTimeout:
		return "Timeout"
	case EventCanceled:
		return "Canceled"
	default:
		return "unknown"
	}
}

// TransactionCallback receives a client transaction's terminal event.
type TransactionCallback func(event ClientEvent, msg *coapmsg.Message, user interface{})

// clientTxn is spec.md §3's "Client transaction" record.
type clientTxn struct {
	messageID   uint16
	typ         coapmsg.Type
	deadline    time.Time
	interval    time.Duration
	retriesLeft int
	bytes       []byte
	callback    TransactionCallback
	user        interface{}
	done        bool // guards at-most-once terminal delivery
}

func (p *Peer) deliverTerminal(t *clientTxn, ev ClientEvent, msg *coapmsg.Message) {
	if t.done {
		return
	}
	t.done = true
	if t.callback != nil {
		t.callback(ev, msg, t.user)
	}
}

func (p *Peer) removeClientTxn(t *clientTxn) {
	for i, q := range p.clientTxns {
		if q == t {
			p.clientTxns = append(p.clientTxns[:i], p.clientTxns[i+1:]...)
			return
		}
	}
}

func (p *Peer) handleClientTerminal(messageID uint16, ev ClientEvent, msg *coapmsg.Message) {
	for _, t := range p.clientTxns {
		if t.messageID == messageID {
			p.deliverTerminal(t, ev, msg)
			p.removeClientTxn(t)
			return
		}
	}
}

// ackTimeoutJitter draws I0 = ACK_TIMEOUT * (1 + U[0, ACK_RANDOM_FACTOR-1))
// (spec.md §4.5.1).
func ackTimeoutJitter(rng interface{ Float64() float64 }) time.Duration {
	factor := 1 + rng.Float64()*(AckRandomFactor-1)
	return time.Duration(float64(AckTimeout) * factor)
}

// SendReliably forces msg to type CON, serializes and emits it, and
// registers a confirmable client transaction (spec.md §4.5.1). A
// maxRetransmit of 0 takes the MaxRetransmit default; maxTransmitSpan is not
// used.
func (p *Peer) SendReliably(msg *coapmsg.Message, cb TransactionCallback, user interface{}, maxRetransmit int, maxTransmitSpan time.Duration) (uint16, error) {
	if maxRetransmit <= 0 {
		maxRetransmit = MaxRetransmit
	}
	msg.Type = coapmsg.CON
	if msg.MessageID == 0 {
		msg.MessageID = p.NextMessageID()
	}
	data, err := coapmsg.Encode(msg)
	if err != nil {
		return msg.MessageID, err
	}
	if err := p.transport.Send(data); err != nil {
		return msg.MessageID, err
	}
	if len(p.clientTxns) >= NStart {
		return msg.MessageID, ErrClientTableFull
	}
	interval := ackTimeoutJitter(p.rng)
	p.clientTxns = append(p.clientTxns, &clientTxn{
		messageID:   msg.MessageID,
		typ:         coapmsg.CON,
		deadline:    p.now().Add(interval),
		interval:    interval,
		retriesLeft: maxRetransmit,
		bytes:       data,
		callback:    cb,
		user:        user,
	})
	return msg.MessageID, nil
}

// SendUnreliably serializes and emits msg as-is. If probingRate > 0, it also
// registers a non-confirmable client transaction that retransmits at a
// constant interval derived from probingRate and msg's encoded length
// (spec.md §4.5, §4.5.1 "For NON with probing").
func (p *Peer) SendUnreliably(msg *coapmsg.Message, probingRate int, maxTransmitSpan time.Duration) error {
	if msg.MessageID == 0 {
		msg.MessageID = p.NextMessageID()
	}
	data, err := coapmsg.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.transport.Send(data); err != nil {
		return err
	}
	if probingRate <= 0 {
		return nil
	}
	if len(p.clientTxns) >= NStart {
		return ErrClientTableFull
	}
	intervalMs := len(data) * 1000 / probingRate
	if intervalMs <= 0 {
		intervalMs = 1
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	retries := 0
	if maxTransmitSpan > 0 {
		retries = int(maxTransmitSpan.Milliseconds()) / intervalMs
	}
	p.clientTxns = append(p.clientTxns, &clientTxn{
		messageID:   msg.MessageID,
		typ:         coapmsg.NON,
		deadline:    p.now().Add(interval),
		interval:    interval,
		retriesLeft: retries,
		bytes:       data,
	})
	return nil
}

// StopRetransmissions is the only cancellation primitive (spec.md §5): it
// synchronously delivers ClientEvent Canceled and drops the transaction.
func (p *Peer) StopRetransmissions(messageID uint16) {
	for _, t := range p.clientTxns {
		if t.messageID == messageID {
			p.deliverTerminal(t, EventCanceled, nil)
			p.removeClientTxn(t)
			return
		}
	}
}

// tick drains expired server transactions and retransmits/expires client
// transactions whose deadlines have passed (spec.md §4.5
// "triggerPeriodicRetransmit").
func (p *Peer) tick() {
	now := p.now()

	pending := p.clientTxns
	kept := pending[:0:0]
	for _, t := range pending {
		if now.Before(t.deadline) {
			kept = append(kept, t)
			continue
		}
		if t.retriesLeft <= 0 {
			p.deliverTerminal(t, EventTimeout, nil)
			continue
		}
		if err := p.transport.Send(t.bytes); err != nil {
			p.log("coappeer: retransmitting message id %d: %v", t.messageID, err)
		}
		t.retriesLeft--
		if t.typ == coapmsg.CON {
			t.interval *= 2
		}
		t.deadline = now.Add(t.interval)
		kept = append(kept, t)
	}
	// A Timeout callback may have registered a new transaction (a retry);
	// those were appended after pending.
	if len(p.clientTxns) > len(pending) {
		kept = append(kept, p.clientTxns[len(pending):]...)
	}
	p.clientTxns = kept

	p.evictExpiredServerTxns(now)
}
