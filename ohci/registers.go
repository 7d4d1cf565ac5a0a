// Package ohci drives an OHCI 1.0/1.1 1394 host controller: register
// layout, PHY access, the four asynchronous DMA contexts (AT-request,
// AT-response, AR-request, AR-response) and ISR event-mask dispatch.
// Modelled on the teacher's register-map + per-context-worker shape
// (usbarmory/tamago soc/nxp/usb — USB_UOGx_* offsets, IRQ_* bits,
// per-context sync.Cond rendezvous) generalized from a single USB
// controller to OHCI's four async DMA contexts.
//
// Copyright (c) Helios contributors
//
// Use of this source code is governed by the LGPL-3.0 license
// that can be found in the LICENSE file.
package ohci

// OHCI 1.1 §5 register offsets from the controller's register base
// (itself obtained from the PCI BAR0 mapping).
const (
	RegVersion       = 0x000
	RegGUIDROM       = 0x004
	RegATRetries     = 0x008
	RegCSRData       = 0x00c
	RegCSRCompare    = 0x010
	RegCSRControl    = 0x014
	RegConfigROMhdr  = 0x018
	RegBusID         = 0x01c
	RegBusOptions    = 0x020
	RegGUIDHi        = 0x024
	RegGUIDLo        = 0x028
	RegConfigROMmap  = 0x034
	RegPostedWriteHi = 0x038
	RegPostedWriteLo = 0x03c
	RegVendorID      = 0x040
	RegHCControlSet  = 0x050
	RegHCControlClr  = 0x054
	RegSelfIDBuffer  = 0x064
	RegSelfIDCount   = 0x068
	RegIRMultiChanHi = 0x070
	RegIRMultiChanLo = 0x078
	RegIntEventSet   = 0x080
	RegIntEventClear = 0x084
	RegIntMaskSet    = 0x088
	RegIntMaskClear  = 0x08c
	RegIsoXmitIntSet = 0x090
	RegIsoXmitIntClr = 0x094
	RegIsoXmitMaskS  = 0x098
	RegIsoXmitMaskC  = 0x09c
	RegIsoRecvIntSet = 0x0a0
	RegIsoRecvIntClr = 0x0a4
	RegIsoRecvMaskS  = 0x0a8
	RegIsoRecvMaskC  = 0x0ac
	RegAsyncReqFilterHi = 0x100
	RegAsyncReqFilterLo = 0x104

	RegFairnessCtl   = 0x0dc
	RegLinkControlS  = 0x0e0
	RegLinkControlC  = 0x0e4
	RegNodeID        = 0x0e8
	RegPhyControl    = 0x0ec
	RegIsoCycleTimer = 0x0f0
	RegATRetriesReg  = 0x008

	// Per-context control/command registers are offset from a per-context
	// base: AT-request 0x180, AT-response 0x1a0, AR-request 0x1c0,
	// AR-response 0x1e0 (OHCI 1.1 §3).
	CtxBaseATRequest  = 0x180
	CtxBaseATResponse = 0x1a0
	CtxBaseARRequest  = 0x1c0
	CtxBaseARResponse = 0x1e0

	ctxControlSet = 0x00
	ctxControlClr = 0x04
	ctxCommandPtr = 0x0c
)

// HCControl bits (RegHCControlSet/Clr).
const (
	HCControlSoftReset   = 16
	HCControlLinkEnable  = 17
	HCControlPostedWrite = 18
	HCControlLPS         = 19
	HCControlAPhyEnhance = 22
	HCControlBIBImageV   = 31
)

// IntEvent bits (RegIntEventSet/Clear/IntMaskSet/Clear), OHCI 1.1 Table
// 6-2.
const (
	IntReqTxComplete  = 0
	IntRespTxComplete = 1
	IntARRQ           = 2
	IntARRS           = 3
	IntRQPkt          = 4
	IntRSPkt          = 5
	IntIsochTx        = 6
	IntIsochRx        = 7
	IntPostedWriteErr = 8
	IntLockRespErr    = 9
	IntSelfIDComplete = 16
	IntBusReset       = 17
	IntRegAccessFail  = 18
	IntPhy            = 19
	IntCycleSynch     = 20
	IntCycle64Seconds = 21
	IntCycleLost      = 22
	IntCycleInconsist = 23
	IntUnrecoverable  = 24
	IntCycleTooLong   = 25
	IntMasterIntEnbl  = 31
)

// Context control bits (OHCI 1.1 Table 3-1).
const (
	CtxRun    = 15
	CtxWake   = 12
	CtxDead   = 14
	CtxActive = 10
	CtxEvent  = 0 // low 5 bits: event code of the last descriptor processed
)

// NodeID register bits.
const (
	NodeIDIDValid = 31
	NodeIDRoot    = 30
	NodeIDBusMgr  = 29
	NodeIDCPS     = 27
)
