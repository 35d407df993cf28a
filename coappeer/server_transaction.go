package coappeer

import (
	"time"

	"github.com/twilio/breakout-sdk-go/coapmsg"
)

// serverTxn is spec.md §3's "Server transaction (de-duplication slot)". The
// table is kept sorted ascending by deadline so expiry and eviction are
// cheap; insertion is an O(n) sorted insert, which spec.md §9 notes is fine
// at N <= NSync.
type serverTxn struct {
	messageID uint16
	typ       coapmsg.Type
	deadline  time.Time
	cached    []byte // ACK/RST bytes attached once the local handler replies
}

// lookupOrCreateServerTxn implements spec.md §4.5.2: return the existing
// slot (isDup=true) on a repeat message id, otherwise insert a fresh slot
// with the CON/NON-appropriate lifetime, evicting the soonest-to-expire slot
// if the table is full.
func (p *Peer) lookupOrCreateServerTxn(msg *coapmsg.Message) (txn *serverTxn, isDup bool) {
	for _, t := range p.serverTxns {
		if t.messageID == msg.MessageID {
			return t, true
		}
	}
	lifetime := NonLifetime
	if msg.Type == coapmsg.CON {
		lifetime = ExchangeLifetime
	}
	txn = &serverTxn{messageID: msg.MessageID, typ: msg.Type, deadline: p.now().Add(lifetime)}
	if len(p.serverTxns) >= NSync {
		p.serverTxns = p.serverTxns[1:] // table is sorted ascending; index 0 expires soonest
	}
	p.insertServerTxnSorted(txn)
	return txn, false
}

func (p *Peer) insertServerTxnSorted(txn *serverTxn) {
	i := 0
	for i < len(p.serverTxns) && !txn.deadline.Before(p.serverTxns[i].deadline) {
		i++
	}
	p.serverTxns = append(p.serverTxns, nil)
	copy(p.serverTxns[i+1:], p.serverTxns[i:])
	p.serverTxns[i] = txn
}

// evictExpiredServerTxns drops every slot whose deadline has passed. Since
// the table is sorted ascending, expired slots are always a prefix.
func (p *Peer) evictExpiredServerTxns(now time.Time) {
	i := 0
	for i < len(p.serverTxns) && !p.serverTxns[i].deadline.After(now) {
		i++
	}
	if i > 0 {
		p.serverTxns = p.serverTxns[i:]
	}
}
