package router

import (
	"testing"
	"time"

	"github.com/soypat/lnrouter"
	"github.com/soypat/lnrouter/arp"
	"github.com/soypat/lnrouter/arpcache"
	"github.com/soypat/lnrouter/ethernet"
	"github.com/soypat/lnrouter/iface"
	"github.com/soypat/lnrouter/ipv4"
	"github.com/soypat/lnrouter/ipv4/icmpv4"
	"github.com/soypat/lnrouter/route"
)

var (
	eth0HW = [6]byte{0x02, 0x00, 0, 0, 0, 0x01}
	eth0IP = [4]byte{10, 0, 0, 1}
	eth1HW = [6]byte{0x02, 0x00, 0, 0, 0, 0x02}
	eth1IP = [4]byte{10, 0, 1, 1}
)

type sentFrame struct {
	frame []byte
	iface string
}

type fakeSender struct {
	sent []sentFrame
}

func (s *fakeSender) Send(frame []byte, ifaceName string) (int, error) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.sent = append(s.sent, sentFrame{frame: cp, iface: ifaceName})
	return len(frame), nil
}

func newTestDispatcher(t *testing.T, sender *fakeSender) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		Interfaces: []iface.Interface{
			{Name: "eth0", HWAddr: eth0HW, Addr: eth0IP},
			{Name: "eth1", HWAddr: eth1HW, Addr: eth1IP},
		},
		Routes: []route.Route{
			{Dest: [4]byte{10, 0, 1, 0}, Mask: [4]byte{255, 255, 255, 0}, IfaceName: "eth1"},
		},
		Sender: sender.Send,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func buildARPFrame(op arp.Operation, srcHW [6]byte, dstHW [6]byte, senderHW [6]byte, senderIP [4]byte, targetHW [6]byte, targetIP [4]byte) []byte {
	buf := make([]byte, 14+28)
	ef, _ := ethernet.NewFrame(buf)
	*ef.DestinationHardwareAddr() = dstHW
	*ef.SourceHardwareAddr() = srcHW
	ef.SetEtherType(ethernet.TypeARP)

	af, _ := arp.NewFrame(ef.Payload())
	af.SetHardware(1, 6)
	af.SetProtocol(ethernet.TypeIPv4, 4)
	af.SetOperation(op)
	shw, sip := af.Sender4()
	*shw, *sip = senderHW, senderIP
	thw, tip := af.Target4()
	*thw, *tip = targetHW, targetIP
	return buf
}

func buildIPFrame(srcHW, dstHW [6]byte, srcIP, dstIP [4]byte, ttl uint8, payload []byte) []byte {
	const ethSize, ipSize = 14, 20
	buf := make([]byte, ethSize+ipSize+len(payload))

	ef, _ := ethernet.NewFrame(buf)
	*ef.DestinationHardwareAddr() = dstHW
	*ef.SourceHardwareAddr() = srcHW
	ef.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(ef.Payload())
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(ipSize + len(payload)))
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(lnrouter.IPProtoICMP)
	*ifrm.SourceAddr() = srcIP
	*ifrm.DestinationAddr() = dstIP
	copy(ifrm.Payload(), payload)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

func buildEchoRequest(srcHW, dstHW [6]byte, srcIP, dstIP [4]byte, ttl uint8) []byte {
	icmpBuf := make([]byte, 8+4)
	echo := icmpv4.FrameEcho{Frame: mustICMPFrame(icmpBuf)}
	echo.Frame.SetType(icmpv4.TypeEcho)
	echo.Frame.SetCode(0)
	echo.SetIdentifier(0x1234)
	echo.SetSequenceNumber(1)
	copy(echo.Data(), []byte("ping"))
	echo.Frame.SetCRC(0)
	var crc lnrouter.CRC791
	echo.Frame.CRCWrite(&crc)
	echo.Frame.SetCRC(crc.Sum16())

	return buildIPFrame(srcHW, dstHW, srcIP, dstIP, ttl, icmpBuf)
}

func mustICMPFrame(buf []byte) icmpv4.Frame {
	f, err := icmpv4.NewFrame(buf)
	if err != nil {
		panic(err)
	}
	return f
}

func TestARPRequestToUs(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	peerHW := [6]byte{0x02, 0xaa, 0, 0, 0, 0x01}
	peerIP := [4]byte{10, 0, 0, 2}
	frame := buildARPFrame(arp.OpRequest, peerHW, ethernet.BroadcastAddr(), peerHW, peerIP, [6]byte{}, eth0IP)

	if err := d.HandleFrame(frame, "eth0"); err != nil {
		t.Fatal(err)
	}

	hw, ok := d.cache.Lookup(peerIP)
	if !ok || hw != peerHW {
		t.Fatalf("want cache entry %v -> %v, got %v, %v", peerIP, peerHW, hw, ok)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want exactly one emitted frame, got %d", len(sender.sent))
	}
	reply := sender.sent[0]
	if reply.iface != "eth0" {
		t.Fatalf("want reply out eth0, got %s", reply.iface)
	}
	ef, _ := ethernet.NewFrame(reply.frame)
	if *ef.SourceHardwareAddr() != eth0HW || *ef.DestinationHardwareAddr() != peerHW {
		t.Fatalf("want reply Ethernet src/dst eth0/peer, got %v/%v", *ef.SourceHardwareAddr(), *ef.DestinationHardwareAddr())
	}
	af, _ := arp.NewFrame(ef.Payload())
	if af.Operation() != arp.OpReply {
		t.Fatalf("want ARP reply op, got %v", af.Operation())
	}
	shw, sip := af.Sender4()
	thw, tip := af.Target4()
	if *shw != eth0HW || *sip != eth0IP || *thw != peerHW || *tip != peerIP {
		t.Fatalf("unexpected ARP reply fields: sender=%v/%v target=%v/%v", *shw, *sip, *thw, *tip)
	}
}

func TestForwardCacheMissThenHit(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	destIP := [4]byte{10, 0, 1, 5}
	srcHW := [6]byte{0x02, 0xcc, 0, 0, 0, 0x09}
	srcIP := [4]byte{10, 0, 0, 9}
	ipFrame := buildIPFrame(srcHW, eth0HW, srcIP, destIP, 10, []byte("payload-data"))

	if err := d.HandleFrame(ipFrame, "eth0"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want exactly one emitted frame (the ARP probe), got %d", len(sender.sent))
	}
	probe := sender.sent[0]
	if probe.iface != "eth1" {
		t.Fatalf("want probe out eth1, got %s", probe.iface)
	}
	pef, _ := ethernet.NewFrame(probe.frame)
	paf, _ := arp.NewFrame(pef.Payload())
	if paf.Operation() != arp.OpRequest {
		t.Fatalf("want who-has probe, got %v", paf.Operation())
	}
	_, tip := paf.Target4()
	if *tip != destIP {
		t.Fatalf("want probe target %v, got %v", destIP, *tip)
	}

	peerHW := [6]byte{0x02, 0xbb, 0, 0, 0, 0x05}
	reply := buildARPFrame(arp.OpReply, peerHW, eth1HW, peerHW, destIP, eth1HW, eth1IP)
	if err := d.HandleFrame(reply, "eth1"); err != nil {
		t.Fatal(err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("want the original IP frame flushed after ARP reply, got %d sent frames", len(sender.sent))
	}
	forwarded := sender.sent[1]
	if forwarded.iface != "eth1" {
		t.Fatalf("want forwarded frame out eth1, got %s", forwarded.iface)
	}
	fef, _ := ethernet.NewFrame(forwarded.frame)
	if *fef.DestinationHardwareAddr() != peerHW {
		t.Fatalf("want forwarded dst hw %v, got %v", peerHW, *fef.DestinationHardwareAddr())
	}
	fifrm, _ := ipv4.NewFrame(fef.Payload())
	if fifrm.TTL() != 9 {
		t.Fatalf("want TTL decremented to 9, got %d", fifrm.TTL())
	}
	if fifrm.CRC() != fifrm.CalculateHeaderCRC() {
		t.Fatal("want recomputed IP checksum to be valid")
	}
}

func TestSweepExhaustsProbesThenSendsUnreachable(t *testing.T) {
	sender := &fakeSender{}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := New(Config{
		Interfaces: []iface.Interface{
			{Name: "eth1", HWAddr: eth1HW, Addr: eth1IP},
		},
		Routes: []route.Route{
			{Dest: [4]byte{10, 0, 1, 0}, Mask: [4]byte{255, 255, 255, 0}, IfaceName: "eth1"},
		},
		Sender: sender.Send,
		ARPCache: arpcache.Config{
			MaxProbes:     5,
			ProbeInterval: time.Second,
			Now:           func() time.Time { return clock },
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	destIP := [4]byte{10, 0, 1, 9}
	srcHW := [6]byte{0x02, 0xdd, 0, 0, 0, 0x01}
	srcIP := [4]byte{10, 0, 1, 50}
	ipFrame := buildIPFrame(srcHW, eth1HW, srcIP, destIP, 10, []byte("xyz"))
	if err := d.HandleFrame(ipFrame, "eth1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		clock = clock.Add(time.Second)
		d.cache.Sweep()
	}

	probes := 0
	for _, sf := range sender.sent {
		ef, _ := ethernet.NewFrame(sf.frame)
		if ef.EtherTypeOrSize() == ethernet.TypeARP {
			probes++
		}
	}
	if probes != 5 {
		t.Fatalf("want 5 ARP probes (1 immediate + 4 sweeps), got %d", probes)
	}

	clock = clock.Add(time.Second)
	d.cache.Sweep()

	var icmpCount int
	for _, sf := range sender.sent {
		ef, _ := ethernet.NewFrame(sf.frame)
		if ef.EtherTypeOrSize() != ethernet.TypeIPv4 {
			continue
		}
		ifrm, _ := ipv4.NewFrame(ef.Payload())
		icmpFrm, _ := icmpv4.NewFrame(ifrm.Payload())
		if icmpFrm.Type() == icmpv4.TypeDestinationUnreachable && icmpFrm.Code() == uint8(icmpv4.CodeHostUnreachable) {
			icmpCount++
		}
	}
	if icmpCount != 1 {
		t.Fatalf("want exactly one host-unreachable ICMP message, got %d", icmpCount)
	}
}

func TestTTLExpiredDuringForward(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	destIP := [4]byte{10, 0, 1, 5}
	srcHW := [6]byte{0x02, 0xee, 0, 0, 0, 0x01}
	srcIP := [4]byte{10, 0, 0, 9}
	ipFrame := buildIPFrame(srcHW, eth0HW, srcIP, destIP, 1, []byte("doomed"))

	if err := d.HandleFrame(ipFrame, "eth0"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want exactly one emitted frame (ICMP time-exceeded), got %d", len(sender.sent))
	}
	ef, _ := ethernet.NewFrame(sender.sent[0].frame)
	ifrm, _ := ipv4.NewFrame(ef.Payload())
	icmpFrm, _ := icmpv4.NewFrame(ifrm.Payload())
	if icmpFrm.Type() != icmpv4.TypeTimeExceeded || icmpFrm.Code() != uint8(icmpv4.CodeExceededInTransit) {
		t.Fatalf("want ICMP time-exceeded/in-transit, got type=%d code=%d", icmpFrm.Type(), icmpFrm.Code())
	}
	if *ifrm.SourceAddr() != eth0IP {
		t.Fatalf("want ICMP sourced from arrival interface %v, got %v", eth0IP, *ifrm.SourceAddr())
	}
}

func TestEchoRequestToUs(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	peerHW := [6]byte{0x02, 0xff, 0, 0, 0, 0x01}
	peerIP := [4]byte{10, 0, 0, 77}
	echoFrame := buildEchoRequest(peerHW, eth0HW, peerIP, eth0IP, 64)

	if err := d.HandleFrame(echoFrame, "eth0"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want exactly one emitted echo reply, got %d", len(sender.sent))
	}
	ef, _ := ethernet.NewFrame(sender.sent[0].frame)
	if *ef.SourceHardwareAddr() != eth0HW || *ef.DestinationHardwareAddr() != peerHW {
		t.Fatalf("want reply Ethernet src/dst eth0/peer, got %v/%v", *ef.SourceHardwareAddr(), *ef.DestinationHardwareAddr())
	}
	ifrm, _ := ipv4.NewFrame(ef.Payload())
	if *ifrm.SourceAddr() != eth0IP || *ifrm.DestinationAddr() != peerIP {
		t.Fatalf("want swapped IP src/dst, got src=%v dst=%v", *ifrm.SourceAddr(), *ifrm.DestinationAddr())
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		t.Fatal("want valid IP checksum on reply")
	}
	echoFrm, _ := icmpv4.NewFrame(ifrm.Payload())
	if echoFrm.Type() != icmpv4.TypeEchoReply {
		t.Fatalf("want echo-reply type, got %d", echoFrm.Type())
	}
	var crc lnrouter.CRC791
	echoFrm.CRCWrite(&crc)
	if crc.Sum16() != echoFrm.CRC() {
		t.Fatal("want valid ICMP checksum on reply")
	}
	echo := icmpv4.FrameEcho{Frame: echoFrm}
	if string(echo.Data()) != "ping" {
		t.Fatalf("want echo data preserved, got %q", echo.Data())
	}
}

func TestNoRouteSendsNetUnreachable(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(t, sender)

	destIP := [4]byte{192, 168, 77, 7}
	srcHW := [6]byte{0x02, 0x11, 0, 0, 0, 0x01}
	srcIP := [4]byte{10, 0, 0, 9}
	ipFrame := buildIPFrame(srcHW, eth0HW, srcIP, destIP, 10, []byte("lost"))

	if err := d.HandleFrame(ipFrame, "eth0"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want exactly one emitted ICMP net-unreachable, got %d", len(sender.sent))
	}
	ef, _ := ethernet.NewFrame(sender.sent[0].frame)
	ifrm, _ := ipv4.NewFrame(ef.Payload())
	icmpFrm, _ := icmpv4.NewFrame(ifrm.Payload())
	if icmpFrm.Type() != icmpv4.TypeDestinationUnreachable || icmpFrm.Code() != uint8(icmpv4.CodeNetUnreachable) {
		t.Fatalf("want ICMP net-unreachable, got type=%d code=%d", icmpFrm.Type(), icmpFrm.Code())
	}
}
