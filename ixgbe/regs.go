// Package ixgbe implements the physical-function driver for Intel 82599
// "ixgbe" 10 Gigabit Ethernet controllers: reset, link bring-up, rx/tx
// queue initialization, the data-path ring engine, and statistics.
package ixgbe

import "github.com/ixy-go/ixy/internal/mmio"

// Register addresses, named per the 82599 datasheet. No register address
// appears as a bare literal outside this file.
const (
	regCTRL      = 0x00000
	regCTRLEXT   = 0x00018
	regEIMC      = 0x00888
	regEEC       = 0x10010
	regRDRXCTL   = 0x02F00
	regRXCTRL    = 0x03000
	regFCTRL     = 0x05080
	regHLREG0    = 0x04240
	regAUTOC     = 0x042A0
	regLINKS     = 0x042A4
	regDTXMXSZRQ = 0x08100
	regRTTDCS    = 0x04900
	regDMATXCTL  = 0x04A80

	regGPRC  = 0x04074
	regGPTC  = 0x04080
	regGORCL = 0x04088
	regGORCH = 0x0408C
	regGOTCL = 0x04090
	regGOTCH = 0x04094

	regRAL0 = 0x0A200
	regRAH0 = 0x0A204
)

// Control register bits.
const (
	ctrlLinkReset = 1 << 3
	ctrlReset     = 1 << 26
	ctrlResetMask = ctrlLinkReset | ctrlReset
)

const ctrlExtNoSnoopDisable = 1 << 16

const eecAutoReadDone = 1 << 9

const rdrxctlDMAInitDone = 1 << 3
const rdrxctlCRCStrip = 1 << 1

const rxctrlEnable = 1 << 0

const fctrlBroadcastAccept = 1 << 10
const fctrlMulticastPromisc = 1 << 8
const fctrlUnicastPromisc = 1 << 9

const hlreg0RxCRCStrip = 1 << 1
const hlreg0TxCRCEnable = 1 << 0
const hlreg0TxPadEnable = 1 << 10

const autocLMSShift = 13
const autocLMSMask = 0x7 << autocLMSShift
const autocLMS10GSerial = 0x3 << autocLMSShift
const autoc10GPMAPMDShift = 7
const autoc10GPMAPMDMask = 0x00000180
const autoc10GXAUI = 0x0 << autoc10GPMAPMDShift
const autocANRestart = 1 << 12

const linksUp = 1 << 30
const linksSpeedMask = 0x30000000
const linksSpeed10G = 0x30000000
const linksSpeed1G = 0x20000000
const linksSpeed100M = 0x10000000

const dmaTxEnable = 1

const rttdcsArbDisable = 1 << 6

// Rx/Tx packet buffer size registers: 8 buffers each, indexed i*4 from a
// common base.
func regRXPBSize(i uint32) uint32 { return 0x03C00 + i*4 }
func regTXPBSize(i uint32) uint32 { return 0x0CC00 + i*4 }

const rxpbsize128KB = 0x00020000
const txpbsize40KB = 0x0000A000

// Rx descriptor ring registers. Queues 0..63 use one base, 64..127 a
// different one, both with 0x40 stride -- the non-uniform indexed
// register family internal/mmio.QueueIndexed exists for.
func regRDBAL(i uint32) uint32  { return mmio.QueueIndexed(0x01000, 0x0D000, 0x40, i) }
func regRDBAH(i uint32) uint32  { return mmio.QueueIndexed(0x01004, 0x0D004, 0x40, i) }
func regRDLEN(i uint32) uint32  { return mmio.QueueIndexed(0x01008, 0x0D008, 0x40, i) }
func regRDH(i uint32) uint32    { return mmio.QueueIndexed(0x01010, 0x0D010, 0x40, i) }
func regRDT(i uint32) uint32    { return mmio.QueueIndexed(0x01018, 0x0D018, 0x40, i) }
func regRXDCTL(i uint32) uint32 { return mmio.QueueIndexed(0x01028, 0x0D028, 0x40, i) }

// SRRCTL and DCA_RXCTRL have a third band for queues 0..15.
func regSRRCTL(i uint32) uint32 {
	switch {
	case i <= 15:
		return 0x02100 + i*4
	case i < 64:
		return 0x01014 + i*0x40
	default:
		return 0x0D014 + (i-64)*0x40
	}
}

func regDCARXCTRL(i uint32) uint32 {
	switch {
	case i <= 15:
		return 0x02200 + i*4
	case i < 64:
		return 0x0100C + i*0x40
	default:
		return 0x0D00C + (i-64)*0x40
	}
}

const srrctlDescTypeMask = 0x0E000000
const srrctlDescTypeAdvOneBuf = 0x02000000
const srrctlDropEnable = 1 << 28

// Tx descriptor ring registers, uniform 0x40 stride from one base.
func regTDBAL(i uint32) uint32  { return 0x06000 + i*0x40 }
func regTDBAH(i uint32) uint32  { return 0x06004 + i*0x40 }
func regTDLEN(i uint32) uint32  { return 0x06008 + i*0x40 }
func regTDH(i uint32) uint32    { return 0x06010 + i*0x40 }
func regTDT(i uint32) uint32    { return 0x06018 + i*0x40 }
func regTXDCTL(i uint32) uint32 { return 0x06028 + i*0x40 }

const rxdctlEnable = 1 << 25
const txdctlEnable = 1 << 25
