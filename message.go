package roomkit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/samespace/roomkit/pkg/sei"
)

const (
	minCmdID          = 1
	maxCmdID          = 10
	maxMessageSize    = 1000
	maxSEIRepeatCount = 30
)

type CustomCmdMessage struct {
	CmdID    int
	Seq      uint32
	Data     []byte
	Reliable bool
	Ordered  bool
}

// DataChannelInit maps the message reliability onto data channel options.
func (m CustomCmdMessage) DataChannelInit() webrtc.DataChannelInit {
	ordered := m.Reliable && m.Ordered
	init := webrtc.DataChannelInit{Ordered: &ordered}

	if !m.Reliable {
		retransmits := uint16(0)
		init.MaxRetransmits = &retransmits
	}

	return init
}

type seiEntry struct {
	data      []byte
	remaining int
	sent      int
}

// MessageChannel sends custom command messages and SEI payloads. Both paths
// share one quota.
type MessageChannel struct {
	rt        *runtime
	session   *RoomSession
	transport Transport
	quota     *quota
	reorder   *cmdReorderer

	mu       sync.Mutex
	seq      map[int]uint32
	sei      []*seiEntry
	seiTimer *time.Timer
	seiGen   uint64

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func newMessageChannel(rt *runtime, session *RoomSession, transport Transport) *MessageChannel {
	m := &MessageChannel{
		rt:        rt,
		session:   session,
		transport: transport,
		quota:     newQuota(rt.options.Quota),
		seq:       make(map[int]uint32),
	}

	m.reorder = newCmdReorderer(rt.options.CmdReorderTimeout, m.deliverOrdered)

	return m
}

func (m *MessageChannel) record(path string, err error) {
	if err != nil {
		m.rejected.Add(1)
	} else {
		m.accepted.Add(1)
	}

	m.rt.metrics.message(path, err)
}

// SendCustomCmdMsg sends data to every user in the room. A nil error means
// the message was accepted for sending, not that it was delivered.
func (m *MessageChannel) SendCustomCmdMsg(cmdID int, data []byte, reliable, ordered bool) error {
	err := m.sendCustomCmd(cmdID, data, reliable, ordered)
	m.record("cmd", err)

	return err
}

func (m *MessageChannel) sendCustomCmd(cmdID int, data []byte, reliable, ordered bool) error {
	if cmdID < minCmdID || cmdID > maxCmdID {
		return ErrInvalidCmdID
	}

	if len(data) == 0 {
		return ErrEmptyPayload
	}

	if len(data) > maxMessageSize {
		return ErrPayloadTooLarge
	}

	if reliable != ordered {
		return ErrReliabilityMismatch
	}

	if !m.session.isJoined() {
		return ErrNotInRoom
	}

	if !m.quota.allow(len(data)) {
		return ErrQuotaExceeded
	}

	m.mu.Lock()
	m.seq[cmdID]++
	seq := m.seq[cmdID]
	m.mu.Unlock()

	msg := CustomCmdMessage{
		CmdID:    cmdID,
		Seq:      seq,
		Data:     append([]byte(nil), data...),
		Reliable: reliable,
		Ordered:  ordered,
	}

	if err := m.transport.SendCustomCmd(msg, msg.DataChannelInit()); err != nil {
		return fmt.Errorf("message: send cmd %d: %w", cmdID, err)
	}

	return nil
}

// SendSEIMsg queues data to ride on the next repeatCount frames of the local
// main stream. Receivers get every copy and must dedup themselves.
func (m *MessageChannel) SendSEIMsg(data []byte, repeatCount int) error {
	err := m.sendSEI(data, repeatCount)
	m.record("sei", err)

	return err
}

func (m *MessageChannel) sendSEI(data []byte, repeatCount int) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}

	if len(data) > maxMessageSize {
		return ErrPayloadTooLarge
	}

	if repeatCount == 0 {
		repeatCount = 1
	}

	if repeatCount < 0 || repeatCount > maxSEIRepeatCount {
		return ErrInvalidRepeatCount
	}

	if !m.session.isJoined() {
		return ErrNotInRoom
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sei) >= m.rt.options.MaxSEIQueue {
		return ErrQuotaExceeded
	}

	if !m.quota.allow(len(data)) {
		return ErrQuotaExceeded
	}

	m.sei = append(m.sei, &seiEntry{
		data:      append([]byte(nil), data...),
		remaining: repeatCount,
	})

	if m.seiTimer == nil {
		m.armSEIExpiryLocked()
	}

	return nil
}

func (m *MessageChannel) armSEIExpiryLocked() {
	if m.seiTimer != nil {
		m.seiTimer.Stop()
	}

	m.seiGen++
	gen := m.seiGen

	m.seiTimer = time.AfterFunc(m.rt.options.SEIExpiry, func() {
		m.expireSEI(gen)
	})
}

func (m *MessageChannel) stopSEIExpiryLocked() {
	if m.seiTimer != nil {
		m.seiTimer.Stop()
		m.seiTimer = nil
	}

	m.seiGen++
}

// takeSEI returns the payloads to embed in the next main stream frame.
func (m *MessageChannel) takeSEI() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sei) == 0 {
		return nil
	}

	payloads := make([][]byte, 0, len(m.sei))
	pending := m.sei[:0]

	for _, e := range m.sei {
		payloads = append(payloads, e.data)
		e.sent++
		e.remaining--

		if e.remaining > 0 {
			pending = append(pending, e)
		}
	}

	for i := len(pending); i < len(m.sei); i++ {
		m.sei[i] = nil
	}

	m.sei = pending

	if len(m.sei) == 0 {
		m.stopSEIExpiryLocked()
	} else {
		m.armSEIExpiryLocked()
	}

	return payloads
}

func (m *MessageChannel) expireSEI(gen uint64) {
	m.mu.Lock()
	if gen != m.seiGen {
		m.mu.Unlock()
		return
	}

	expired := m.sei
	m.sei = nil
	m.seiTimer = nil
	m.mu.Unlock()

	for _, e := range expired {
		e := e

		m.rt.metrics.seiDropped()
		m.rt.log.Debugf("message: sei payload of %d bytes expired after %d frames", len(e.data), e.sent)
		m.rt.notify(func(l Listener) { l.OnSEIMsgExpired(e.data, e.sent) })
	}
}

func (m *MessageChannel) pendingSEI() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sei)
}

// reset drops queued SEI payloads, sequence numbers and quota history when
// the session ends.
func (m *MessageChannel) reset() {
	m.mu.Lock()
	m.sei = nil
	m.stopSEIExpiryLocked()
	m.seq = make(map[int]uint32)
	m.mu.Unlock()

	m.quota.reset()
	m.reorder.reset()
}

// HandleCustomCmd is called by the transport for every received command
// message. Ordered messages are held back until their predecessors arrived
// or were given up on.
func (m *MessageChannel) HandleCustomCmd(userID string, msg CustomCmdMessage) {
	if !m.session.hasUser(userID) {
		m.rt.log.Debugf("message: cmd %d from unknown user %s", msg.CmdID, userID)
		return
	}

	if msg.Ordered {
		m.reorder.add(userID, msg)
		return
	}

	data := msg.Data
	m.rt.notify(func(l Listener) { l.OnRecvCustomCmdMsg(userID, msg.CmdID, msg.Seq, data) })
}

func (m *MessageChannel) deliverOrdered(userID string, cmdID int, msgs []CustomCmdMessage, missed int) {
	if missed > 0 {
		m.rt.notify(func(l Listener) { l.OnMissCustomCmdMsg(userID, cmdID, ErrMissedMessage, missed) })
	}

	for _, msg := range msgs {
		msg := msg
		m.rt.notify(func(l Listener) { l.OnRecvCustomCmdMsg(userID, msg.CmdID, msg.Seq, msg.Data) })
	}
}

// HandleRemoteSample extracts SEI payloads from an encoded remote frame.
func (m *MessageChannel) HandleRemoteSample(userID string, kind StreamKind, sample media.Sample) {
	if kind != StreamMain || !m.session.hasUser(userID) {
		return
	}

	for _, payload := range sei.Extract(sample.Data) {
		payload := payload
		m.rt.notify(func(l Listener) { l.OnRecvSEIMsg(userID, payload) })
	}
}
