package ixgbevf

import (
	"fmt"
	"time"
)

// mailbox tracks the PF/VF shared-memory mailbox protocol state: the
// negotiated API revision, the read-to-clear latch that keeps status bits
// visible to later logic even after a read has cleared them on the wire,
// and simple traffic counters.
type mailbox struct {
	get32 func(uint32) uint32
	set32 func(uint32, uint32)

	apiVersion apiVersion
	timeout    int
	delay      time.Duration

	v2pLatch uint32

	msgsTx, msgsRx, reqs, acks, rsts uint32
}

func newMailbox(get32 func(uint32) uint32, set32 func(uint32, uint32)) *mailbox {
	return &mailbox{
		get32:      get32,
		set32:      set32,
		apiVersion: apiVersion10,
		timeout:    vfMBXInitTimeout,
		delay:      vfMBXInitDelayMicros * time.Microsecond,
	}
}

// readV2P reads the doorbell register without losing read-to-clear status
// bits: any bit set on this read is OR'd into the latch so a later
// check_for_* call still observes it even though the hardware already
// cleared it as a side effect of this read.
func (m *mailbox) readV2P() uint32 {
	v2p := m.get32(regVFMAILBOX)
	v2p |= m.v2pLatch
	m.v2pLatch |= v2p & mbxR2CBits
	return v2p
}

func (m *mailbox) checkForBit(mask uint32) bool {
	v2p := m.readV2P()
	m.v2pLatch &^= mask
	return v2p&mask != 0
}

func (m *mailbox) checkForMsg() bool {
	if m.checkForBit(mbxPFSTS) {
		m.reqs++
		return true
	}
	return false
}

func (m *mailbox) checkForAck() bool {
	if m.checkForBit(mbxPFACK) {
		m.acks++
		return true
	}
	return false
}

func (m *mailbox) checkForRst() bool {
	if m.checkForBit(mbxRSTD | mbxRSTI) {
		m.rsts++
		return true
	}
	return false
}

// waitCheckForRst waits for the PF to clear RSTI/RSTD, polling while they
// are still set and returning once checkForRst reports them clear.
func (m *mailbox) waitCheckForRst() error {
	countdown := m.timeout
	for countdown > 0 && m.checkForRst() {
		countdown--
		time.Sleep(m.delay)
	}
	if countdown == 0 {
		return fmt.Errorf("ixgbevf: timeout waiting for reset")
	}
	return nil
}

func (m *mailbox) obtainLock() error {
	m.set32(regVFMAILBOX, mbxVFU)
	if m.readV2P()&mbxVFU != 0 {
		return nil
	}
	return fmt.Errorf("ixgbevf: failed to obtain mailbox lock")
}

func (m *mailbox) writeMsg(msg []uint32) error {
	if len(msg) > mailboxSize {
		return fmt.Errorf("ixgbevf: mailbox message too large")
	}
	if err := m.obtainLock(); err != nil {
		return err
	}

	// flush any stale message/ack state before overwriting the buffer.
	m.checkForMsg()
	m.checkForAck()

	for i, w := range msg {
		m.set32(regVFMBMEM+uint32(i)*4, w)
	}
	m.msgsTx++

	m.set32(regVFMAILBOX, mbxReq)
	return nil
}

func (m *mailbox) waitForAck() error {
	countdown := m.timeout
	for countdown > 0 && !m.checkForAck() {
		countdown--
		time.Sleep(m.delay)
	}
	if countdown == 0 {
		return fmt.Errorf("ixgbevf: timeout waiting for PF ack")
	}
	return nil
}

func (m *mailbox) waitForMsg() error {
	countdown := m.timeout
	for countdown > 0 && !m.checkForMsg() {
		countdown--
		time.Sleep(m.delay)
	}
	if countdown == 0 {
		return fmt.Errorf("ixgbevf: timeout waiting for PF message")
	}
	return nil
}

func (m *mailbox) readMsg(msg []uint32) error {
	if err := m.obtainLock(); err != nil {
		return err
	}

	n := len(msg)
	if n > mailboxSize {
		n = mailboxSize
	}
	for i := 0; i < n; i++ {
		msg[i] = m.get32(regVFMBMEM + uint32(i)*4)
	}

	m.set32(regVFMAILBOX, mbxAck)
	m.msgsRx++
	return nil
}

// writeReadMsg writes msg, waits for the PF's ack, then waits for and
// reads the PF's reply back into the same slice.
func (m *mailbox) writeReadMsg(msg []uint32) error {
	if err := m.writeMsg(msg); err != nil {
		return err
	}
	if err := m.waitForAck(); err != nil {
		return err
	}
	if err := m.waitForMsg(); err != nil {
		return err
	}
	return m.readMsg(msg)
}

// writeMsgWaitAck writes msg and waits for the PF's ack, without reading
// back a reply (used for the fire-and-forget VF_RESET request).
func (m *mailbox) writeMsgWaitAck(msg []uint32) error {
	if err := m.writeMsg(msg); err != nil {
		return err
	}
	return m.waitForAck()
}

// waitReadMsg waits for (without first sending anything) and then reads an
// unsolicited message from the PF -- used to pick up the permanent MAC
// address the PF pushes down right after a VF reset.
func (m *mailbox) waitReadMsg(msg []uint32) error {
	if err := m.waitForMsg(); err != nil {
		return err
	}
	return m.readMsg(msg)
}
