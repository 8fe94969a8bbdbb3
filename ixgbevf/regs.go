// Package ixgbevf implements the SR-IOV virtual-function driver for Intel
// 82599 "ixgbe" controllers: VF reset, PF/VF mailbox negotiation, rx/tx
// queue bring-up, and the data path shared with ixgbe through
// internal/advring.
//
// Register addresses are named per the 82599 datasheet's VF chapter; no
// register address appears as a bare literal outside this file.
package ixgbevf

// VF BAR-relative register addresses.
const (
	regVFCTRL    = 0x00000
	regVFSTATUS  = 0x00008
	regVFLINKS   = 0x00010
	regVFPSRTYPE = 0x00300
	regVFMAILBOX = 0x002FC
	regVFMBMEM   = 0x00200
	regVTEIMC    = 0x0010C
	regVTEICR    = 0x00100

	regVFGPRC    = 0x0101C
	regVFGPTC    = 0x0201C
	regVFGORCLSB = 0x01020
	regVFGORCMSB = 0x01024
	regVFGOTCLSB = 0x02020
	regVFGOTCMSB = 0x02024
)

const maxQueues = 8

const ctrlReset = 1 << 26

const linksUp = 1 << 30
const linksSpeedMask = 0x30000000
const linksSpeed10G = 0x30000000
const linksSpeed1G = 0x20000000
const linksSpeed100M = 0x10000000

const irqClearMask = 7

// Per-queue rx register family, 0x40 stride, queues 0..7.
func regVFRDBAL(i uint32) uint32    { return 0x01000 + i*0x40 }
func regVFRDBAH(i uint32) uint32    { return 0x01004 + i*0x40 }
func regVFRDLEN(i uint32) uint32    { return 0x01008 + i*0x40 }
func regVFRDH(i uint32) uint32      { return 0x01010 + i*0x40 }
func regVFRDT(i uint32) uint32      { return 0x01018 + i*0x40 }
func regVFRXDCTL(i uint32) uint32   { return 0x01028 + i*0x40 }
func regVFSRRCTL(i uint32) uint32   { return 0x01014 + i*0x40 }
func regVFDCARXCTL(i uint32) uint32 { return 0x0100C + i*0x40 }

// Per-queue tx register family.
func regVFTDBAL(i uint32) uint32    { return 0x02000 + i*0x40 }
func regVFTDBAH(i uint32) uint32    { return 0x02004 + i*0x40 }
func regVFTDLEN(i uint32) uint32    { return 0x02008 + i*0x40 }
func regVFTDH(i uint32) uint32      { return 0x02010 + i*0x40 }
func regVFTDT(i uint32) uint32      { return 0x02018 + i*0x40 }
func regVFTXDCTL(i uint32) uint32   { return 0x02028 + i*0x40 }
func regVFTDWBAL(i uint32) uint32   { return 0x02038 + i*0x40 }
func regVFTDWBAH(i uint32) uint32   { return 0x0203C + i*0x40 }
func regVFDCATXCTL(i uint32) uint32 { return 0x0200C + i*0x40 }

const rxdctlEnable = 1 << 25
const txdctlEnable = 1 << 25

const srrctlDescTypeMask = 0x0E000000
const srrctlDescTypeAdvOneBuf = 0x02000000
const srrctlDropEnable = 1 << 28
const srrctlBSizePktShift = 10
const srrctlBSizeHdrSizeShift = 2

// DCA_RXCTRL/TXCTRL default bits written by resetVFRegisters.
const (
	dcaRxCtrlDescRROEn = 1 << 9
	dcaRxCtrlDataWROEn = 1 << 13
	dcaRxCtrlHeadWROEn = 1 << 15
	dcaTxCtrlDescRROEn = 1 << 9
	dcaTxCtrlDescWROEn = 1 << 11
	dcaTxCtrlDataRROEn = 1 << 13
)

// Mailbox doorbell bits (IXGBE_VFMAILBOX register).
const (
	mbxReq      = 0x00000001
	mbxAck      = 0x00000002
	mbxVFU      = 0x00000004
	mbxPFSTS    = 0x00000010
	mbxPFACK    = 0x00000020
	mbxRSTI     = 0x00000040
	mbxRSTD     = 0x00000080
	mbxR2CBits  = mbxPFSTS | mbxPFACK | mbxRSTI | mbxRSTD
	mailboxSize = 16
)

// Message type flags OR'd into word 0 of every mailbox message.
const (
	msgTypeACK  = 0x80000000
	msgTypeNACK = 0x40000000
	msgTypeCTS  = 0x20000000
)

// VF->PF message opcodes.
const (
	msgReset        = 0x01
	msgSetMACAddr   = 0x02
	msgAPINegotiate = 0x08
)

// apiVersion enumerates the mailbox API revisions this driver can
// negotiate, in the enum-discriminant order the PF side expects
// (ixgbe_mbox_api_10=0, _20=1, _11=2, _12=3, _13=4 -- _20 is a Solaris
// revision skipped by every VF driver's negotiation list).
type apiVersion uint32

const (
	apiVersion10 apiVersion = 0
	apiVersion11 apiVersion = 2
	apiVersion12 apiVersion = 3
	apiVersion13 apiVersion = 4
)

const vfPermAddrMsgLen = 4

const vfMBXInitTimeout = 200
const vfMBXInitDelayMicros = 500
