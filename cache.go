package dealer

import (
	"slices"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/google/btree"
)

type msgState uint8

const (
	stateNew msgState = iota
	// statePopped messages were handed to the dispatch loop and are
	// either marked sent or enqueued again right after.
	statePopped
	stateSent
)

type cacheEntry struct {
	msg   *Message
	state msgState

	// seq identifies the queue slot of a new message, older slots of the
	// same message are stale.
	seq uint64

	expiry    time.Time
	hasExpiry bool
}

type queued struct {
	msg *Message
	seq uint64
}

type expiryKey struct {
	at   time.Time
	uuid string
}

func lessExpiry(a, b expiryKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.uuid < b.uuid
}

// MessageCache holds the messages of a handle until they reach a terminal
// state. Enqueue is safe from any goroutine, other operations are called
// by the dispatch loop.
type MessageCache struct {
	lk sync.Mutex

	priority *queue.Queue[queued]
	fresh    *queue.Queue[queued]
	newCount int
	seq      uint64

	entries map[string]*cacheEntry
	sent    map[string]map[string]*Message
	expiry  *btree.BTreeG[expiryKey]

	now func() time.Time
}

func NewMessageCache() *MessageCache {
	return &MessageCache{
		priority: queue.New[queued](),
		fresh:    queue.New[queued](),
		entries:  make(map[string]*cacheEntry),
		sent:     make(map[string]map[string]*Message),
		expiry:   btree.NewG(16, lessExpiry),
		now:      time.Now,
	}
}

// Enqueue appends msg to the new messages. A message already in the cache
// is moved back to new.
func (mc *MessageCache) Enqueue(msg *Message) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.push(msg, false)
}

// EnqueueWithPriority queues msg ahead of every message enqueued with
// Enqueue.
func (mc *MessageCache) EnqueueWithPriority(msg *Message) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.push(msg, true)
}

func (mc *MessageCache) push(msg *Message, front bool) {
	entry, ok := mc.entries[msg.uuid]
	if ok {
		mc.unsend(entry)
		if entry.state == stateNew {
			mc.newCount--
		}
	} else {
		entry = &cacheEntry{}
		mc.entries[msg.uuid] = entry
	}

	mc.seq++
	entry.msg = msg
	entry.state = stateNew
	entry.seq = mc.seq
	mc.newCount++

	slot := queued{msg: msg, seq: mc.seq}
	if front {
		mc.priority.Add(slot)
	} else {
		mc.fresh.Add(slot)
	}
}

func (mc *MessageCache) NewMessagesCount() int {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	return mc.newCount
}

// Len is the number of messages in the cache, whatever their state.
func (mc *MessageCache) Len() int {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	return len(mc.entries)
}

// PopNextNew hands the next new message to the caller, which must either
// MarkSent it or enqueue it again.
func (mc *MessageCache) PopNextNew() (*Message, bool) {
	mc.lk.Lock()
	defer mc.lk.Unlock()

	for _, q := range []*queue.Queue[queued]{mc.priority, mc.fresh} {
		for {
			slot, ok := q.Pop()
			if !ok {
				break
			}
			entry, live := mc.entries[slot.msg.uuid]
			if !live || entry.state != stateNew || entry.seq != slot.seq {
				continue
			}
			entry.state = statePopped
			mc.newCount--
			return entry.msg, true
		}
	}
	return nil, false
}

// MarkSent records that msg went to route.
func (mc *MessageCache) MarkSent(msg *Message, route string) {
	mc.lk.Lock()
	defer mc.lk.Unlock()

	entry, ok := mc.entries[msg.uuid]
	if !ok {
		entry = &cacheEntry{msg: msg}
		mc.entries[msg.uuid] = entry
	}
	if entry.state == stateNew {
		mc.newCount--
	}
	mc.unsend(entry)

	msg.route = route
	msg.sentAt = mc.now()
	msg.ackReceived = false
	entry.state = stateSent

	byRoute, ok := mc.sent[route]
	if !ok {
		byRoute = make(map[string]*Message)
		mc.sent[route] = byRoute
	}
	byRoute[msg.uuid] = msg
	mc.index(entry)
}

func (mc *MessageCache) GetSentMessage(route, uuid string) (*Message, bool) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	msg, ok := mc.sent[route][uuid]
	return msg, ok
}

// Lookup finds a message by uuid, whatever its state.
func (mc *MessageCache) Lookup(uuid string) (*Message, bool) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	entry, ok := mc.entries[uuid]
	if !ok {
		return nil, false
	}
	return entry.msg, true
}

// MarkAcked flags the message sent to route as acknowledged, its ACK
// timeout no longer applies.
func (mc *MessageCache) MarkAcked(route, uuid string) bool {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	msg, ok := mc.sent[route][uuid]
	if !ok {
		return false
	}
	msg.ackReceived = true
	mc.index(mc.entries[uuid])
	return true
}

// RemoveFromCache forgets the message, whatever its state.
func (mc *MessageCache) RemoveFromCache(route, uuid string) (*Message, bool) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	entry, ok := mc.entries[uuid]
	if !ok {
		return nil, false
	}
	mc.remove(entry)
	return entry.msg, true
}

// Reschedule moves the message sent to route back to new, ahead of fresh
// messages, unless its retries are exhausted.
func (mc *MessageCache) Reschedule(route, uuid string) bool {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	msg, ok := mc.sent[route][uuid]
	if !ok || !msg.policy.CanRetry(msg.retryCount) {
		return false
	}
	msg.retryCount++
	mc.push(msg, true)
	return true
}

// GetExpiredMessages removes and returns the sent messages whose ACK
// timeout or overall deadline is before now.
func (mc *MessageCache) GetExpiredMessages(now time.Time) []*Message {
	mc.lk.Lock()
	defer mc.lk.Unlock()

	var keys []expiryKey
	mc.expiry.AscendLessThan(expiryKey{at: now}, func(key expiryKey) bool {
		keys = append(keys, key)
		return true
	})

	expired := make([]*Message, 0, len(keys))
	for _, key := range keys {
		entry, ok := mc.entries[key.uuid]
		if !ok {
			mc.expiry.Delete(key)
			continue
		}
		mc.remove(entry)
		expired = append(expired, entry.msg)
	}
	return expired
}

// MarkAllNewForRoute moves every message sent to route back to new.
// Retry counters are left untouched: losing a backend is not the
// message's fault.
func (mc *MessageCache) MarkAllNewForRoute(route string) []*Message {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	return mc.requeue(mc.sent[route])
}

// MarkAllNew moves every sent message back to new.
func (mc *MessageCache) MarkAllNew() []*Message {
	mc.lk.Lock()
	defer mc.lk.Unlock()

	var all []*Message
	for _, byRoute := range mc.sent {
		for _, msg := range byRoute {
			all = append(all, msg)
		}
	}
	return mc.requeueSorted(all)
}

// Drain empties the cache and returns its messages, oldest first.
func (mc *MessageCache) Drain() []*Message {
	mc.lk.Lock()
	defer mc.lk.Unlock()

	all := make([]*Message, 0, len(mc.entries))
	for _, entry := range mc.entries {
		entry.msg.route = ""
		entry.msg.ackReceived = false
		all = append(all, entry.msg)
	}
	sortByEnqueue(all)

	mc.entries = make(map[string]*cacheEntry)
	mc.sent = make(map[string]map[string]*Message)
	mc.expiry.Clear(false)
	mc.priority.Clear()
	mc.fresh.Clear()
	mc.newCount = 0
	return all
}

func (mc *MessageCache) requeue(byRoute map[string]*Message) []*Message {
	msgs := make([]*Message, 0, len(byRoute))
	for _, msg := range byRoute {
		msgs = append(msgs, msg)
	}
	return mc.requeueSorted(msgs)
}

func (mc *MessageCache) requeueSorted(msgs []*Message) []*Message {
	sortByEnqueue(msgs)
	for _, msg := range msgs {
		mc.push(msg, true)
	}
	return msgs
}

func sortByEnqueue(msgs []*Message) {
	slices.SortStableFunc(msgs, func(a, b *Message) int {
		return a.enqueuedAt.Compare(b.enqueuedAt)
	})
}

// index (re)computes the expiry of a sent message.
func (mc *MessageCache) index(entry *cacheEntry) {
	if entry.hasExpiry {
		mc.expiry.Delete(expiryKey{at: entry.expiry, uuid: entry.msg.uuid})
		entry.hasExpiry = false
	}

	msg := entry.msg
	at, ok := msg.policy.overallDeadline(msg.enqueuedAt)
	if !msg.ackReceived {
		if ackAt, hasAck := msg.policy.ackDeadline(msg.sentAt); hasAck && (!ok || ackAt.Before(at)) {
			at, ok = ackAt, true
		}
	}
	if !ok {
		return
	}

	entry.expiry = at
	entry.hasExpiry = true
	mc.expiry.ReplaceOrInsert(expiryKey{at: at, uuid: msg.uuid})
}

// unsend removes a sent message from the sent index and the expiry index.
func (mc *MessageCache) unsend(entry *cacheEntry) {
	if entry.hasExpiry {
		mc.expiry.Delete(expiryKey{at: entry.expiry, uuid: entry.msg.uuid})
		entry.hasExpiry = false
	}
	if entry.state != stateSent {
		return
	}
	route := entry.msg.route
	if byRoute, ok := mc.sent[route]; ok {
		delete(byRoute, entry.msg.uuid)
		if len(byRoute) == 0 {
			delete(mc.sent, route)
		}
	}
}

func (mc *MessageCache) remove(entry *cacheEntry) {
	mc.unsend(entry)
	if entry.state == stateNew {
		mc.newCount--
	}
	delete(mc.entries, entry.msg.uuid)
}
