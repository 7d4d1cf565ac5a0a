package busmgmt

import (
	"encoding/binary"
	"testing"

	"github.com/yomgui1/helios/ohci"
	"github.com/yomgui1/helios/packet"
	"github.com/yomgui1/helios/selfid"
	"github.com/yomgui1/helios/transaction"
)

func TestGapCountForHopsClampsToTable(t *testing.T) {
	if v := GapCountForHops(0); v != 63 {
		t.Fatalf("hops=0 -> %d, want 63", v)
	}
	if v := GapCountForHops(3); v != 8 {
		t.Fatalf("hops=3 -> %d, want 8", v)
	}
	if v := GapCountForHops(15); v != 40 {
		t.Fatalf("hops=15 -> %d, want 40", v)
	}
	if v := GapCountForHops(99); v != 40 {
		t.Fatalf("hops=99 (out of range) -> %d, want clamp to 40", v)
	}
	if v := GapCountForHops(-1); v != 63 {
		t.Fatalf("hops=-1 (out of range) -> %d, want clamp to 63", v)
	}
}

func TestPhyConfigPacketEncoding(t *testing.T) {
	q := PhyConfigPacket(5, 0x1f)
	wantRoot := uint32(5)<<24 | 1<<23
	wantGap := uint32(0x1f)<<16 | 1<<22
	if q != wantRoot|wantGap {
		t.Fatalf("PhyConfigPacket(5, 0x1f) = %#x, want %#x", q, wantRoot|wantGap)
	}
	if RootOnlyPhyConfigPacket(5) != wantRoot {
		t.Fatalf("RootOnlyPhyConfigPacket(5) = %#x, want %#x", RootOnlyPhyConfigPacket(5), wantRoot)
	}
}

func TestFindIRMPrefersHighestContenderLinkActiveNode(t *testing.T) {
	topo := &selfid.Topology{Nodes: []*selfid.Node{
		{PhyID: 0, Contender: true, LinkActive: true},
		{PhyID: 1, Contender: false, LinkActive: true},
		{PhyID: 2, Contender: true, LinkActive: true},
	}}
	phy, ok := FindIRM(topo)
	if !ok || phy != 2 {
		t.Fatalf("FindIRM = %d, %v, want 2, true", phy, ok)
	}
}

func TestFindIRMNoneWhenNoContenderLinkOn(t *testing.T) {
	topo := &selfid.Topology{Nodes: []*selfid.Node{
		{PhyID: 0, Contender: false, LinkActive: true},
		{PhyID: 1, Contender: true, LinkActive: false},
	}}
	if _, ok := FindIRM(topo); ok {
		t.Fatal("FindIRM should report no IRM")
	}
}

type fakeController struct {
	sent []uint32
	fail error
}

func (f *fakeController) SendPHYPacket(quadlet uint32, onAck ohci.AckFunc) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, quadlet)
	onAck(packet.AckComplete, 0, nil)
	return nil
}

type fakeSender struct {
	onSend func(pkt *packet.Packet) (packet.RCode, []byte)
	sent   []*packet.Packet
}

func (f *fakeSender) Send(pkt *packet.Packet, cb transaction.CompletionFunc, userData any) *transaction.Transaction {
	f.sent = append(f.sent, pkt)
	rcode, payload := f.onSend(pkt)
	cb(rcode, payload, 0)
	return &transaction.Transaction{}
}

func payload32(arg, data uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], arg)
	binary.BigEndian.PutUint32(b[4:8], data)
	return b
}

func TestRunElectsSelfRootWhenNoIRM(t *testing.T) {
	ctrl := &fakeController{}
	sender := &fakeSender{onSend: func(pkt *packet.Packet) (packet.RCode, []byte) {
		t.Fatal("no lock should be attempted without an IRM")
		return 0, nil
	}}
	p := New(ctrl, sender, func() packet.NodeID { return packet.LocalBus | 4 }, nil)

	topo := &selfid.Topology{Nodes: []*selfid.Node{{PhyID: 0, Contender: false, LinkActive: true}}}
	out := p.Run(topo)

	if out != OutcomeNoIRM {
		t.Fatalf("outcome = %v, want OutcomeNoIRM", out)
	}
	if len(ctrl.sent) != 1 || ctrl.sent[0] != RootOnlyPhyConfigPacket(4) {
		t.Fatalf("sent = %#x, want root-only packet for phy 4", ctrl.sent)
	}
}

func TestRunBecomesBusManagerAndOptimizesGapCount(t *testing.T) {
	ctrl := &fakeController{}
	sender := &fakeSender{onSend: func(pkt *packet.Packet) (packet.RCode, []byte) {
		if pkt.Offset != transaction.CSRBusManagerID {
			t.Fatalf("lock offset = %#x, want CSRBusManagerID", pkt.Offset)
		}
		return packet.RCodeComplete, payload32(0x3f, 0)
	}}
	p := New(ctrl, sender, func() packet.NodeID { return packet.LocalBus | 1 }, nil)

	root := &selfid.Node{PhyID: 3, Contender: true, LinkActive: true, MaxHops: 2}
	topo := &selfid.Topology{
		Generation: 5,
		RootPhyID:  3,
		GapCount:   63, // stale, should trigger a reprogram to the hop-2 table entry
		Nodes:      []*selfid.Node{nil, nil, nil, root},
	}

	out := p.Run(topo)
	if out != OutcomeBecameBM {
		t.Fatalf("outcome = %v, want OutcomeBecameBM", out)
	}
	if len(ctrl.sent) != 1 {
		t.Fatalf("PHY-config sends = %d, want 1", len(ctrl.sent))
	}
	want := PhyConfigPacket(3, GapCountForHops(2))
	if ctrl.sent[0] != want {
		t.Fatalf("sent = %#x, want %#x", ctrl.sent[0], want)
	}
}

func TestRunSkipsGapCountSendWhenAlreadyOptimal(t *testing.T) {
	ctrl := &fakeController{}
	sender := &fakeSender{onSend: func(pkt *packet.Packet) (packet.RCode, []byte) {
		return packet.RCodeComplete, payload32(0x3f, 0)
	}}
	p := New(ctrl, sender, func() packet.NodeID { return packet.LocalBus | 1 }, nil)

	root := &selfid.Node{PhyID: 0, Contender: true, LinkActive: true, MaxHops: 0}
	topo := &selfid.Topology{RootPhyID: 0, GapCount: GapCountForHops(0), Nodes: []*selfid.Node{root}}

	out := p.Run(topo)
	if out != OutcomeBecameBM {
		t.Fatalf("outcome = %v, want OutcomeBecameBM", out)
	}
	if len(ctrl.sent) != 0 {
		t.Fatalf("expected no PHY-config send when topology already optimal, got %d", len(ctrl.sent))
	}
}

func TestRunReturnsIRMOnlyWhenLockHeldByAnotherNode(t *testing.T) {
	ctrl := &fakeController{}
	sender := &fakeSender{onSend: func(pkt *packet.Packet) (packet.RCode, []byte) {
		return packet.RCodeComplete, payload32(0x05, 0)
	}}
	p := New(ctrl, sender, func() packet.NodeID { return packet.LocalBus | 1 }, nil)

	root := &selfid.Node{PhyID: 2, Contender: true, LinkActive: true}
	topo := &selfid.Topology{Nodes: []*selfid.Node{nil, nil, root}}

	out := p.Run(topo)
	if out != OutcomeIRMOnly {
		t.Fatalf("outcome = %v, want OutcomeIRMOnly", out)
	}
	if len(ctrl.sent) != 0 {
		t.Fatal("no PHY-config packet should be sent when we are not bus manager")
	}
}

func TestRunElectsSelfRootOnLockError(t *testing.T) {
	ctrl := &fakeController{}
	sender := &fakeSender{onSend: func(pkt *packet.Packet) (packet.RCode, []byte) {
		return packet.RCodeAddressError, nil
	}}
	p := New(ctrl, sender, func() packet.NodeID { return packet.LocalBus | 7 }, nil)

	root := &selfid.Node{PhyID: 2, Contender: true, LinkActive: true}
	topo := &selfid.Topology{Nodes: []*selfid.Node{nil, nil, root}}

	out := p.Run(topo)
	if out != OutcomeError {
		t.Fatalf("outcome = %v, want OutcomeError", out)
	}
	if len(ctrl.sent) != 1 || ctrl.sent[0] != RootOnlyPhyConfigPacket(7) {
		t.Fatalf("sent = %#x, want fallback root-election for phy 7", ctrl.sent)
	}
}
