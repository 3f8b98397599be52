// Package router implements the packet dispatcher: the entry point that
// receives a fully-framed Ethernet frame plus its arrival interface name and
// drives it through ARP resolution, IPv4 forwarding, and ICMP generation.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/soypat/lnrouter"
	"github.com/soypat/lnrouter/arp"
	"github.com/soypat/lnrouter/arpcache"
	"github.com/soypat/lnrouter/ethernet"
	"github.com/soypat/lnrouter/iface"
	"github.com/soypat/lnrouter/internal"
	"github.com/soypat/lnrouter/ipv4"
	"github.com/soypat/lnrouter/ipv4/icmpv4"
	"github.com/soypat/lnrouter/metrics"
	"github.com/soypat/lnrouter/route"
)

// Protocol constants from the router's external contract.
const (
	InitTTL      = 64
	ICMPDataSize = 28
)

// Sender is the host-supplied raw frame transmission primitive: the only
// I/O operation this package performs.
type Sender func(frame []byte, ifaceName string) (int, error)

// Config configures a Dispatcher.
type Config struct {
	Interfaces []iface.Interface
	Routes     []route.Route
	Sender     Sender
	ARPCache   arpcache.Config
	// Now, if set, overrides time.Now as the ARP cache's clock when
	// ARPCache.Now is nil. The dispatcher itself reads no clock; all timing
	// lives in arpcache.
	Now    func() time.Time
	Logger *slog.Logger
}

var (
	errNilSender    = errors.New("router: nil Sender")
	errUnknownIface = errors.New("router: unknown interface")
)

// Dispatcher is the packet dispatcher: component E. It owns the interface
// table, routing table, ARP cache, and the host-supplied Sender, and is the
// sole caller of HandleFrame from the host's single-threaded receive loop.
type Dispatcher struct {
	ifaces iface.Table
	routes route.Table
	cache  *arpcache.Cache
	send   Sender
	log    internal.Logger
}

// New validates cfg and constructs a Dispatcher. The returned Dispatcher's
// ARP sweeper is not yet running; call Start to launch it.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, errNilSender
	}
	ifaceTable, err := iface.NewTable(cfg.Interfaces)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		ifaces: ifaceTable,
		routes: route.NewTable(cfg.Routes),
		send:   cfg.Sender,
		log:    internal.Logger{Log: cfg.Logger},
	}
	cacheCfg := cfg.ARPCache
	if cacheCfg.Now == nil {
		cacheCfg.Now = cfg.Now
	}
	cache, err := arpcache.New(cacheCfg, d)
	if err != nil {
		return nil, err
	}
	d.cache = cache
	return d, nil
}

// Start launches the ARP cache's sweeper goroutine, bound to ctx.
func (d *Dispatcher) Start(ctx context.Context) { d.cache.Start(ctx) }

// Wait blocks until the sweeper goroutine started by Start has returned.
func (d *Dispatcher) Wait() { d.cache.Wait() }

// HandleFrame is the dispatcher's entry point, called once per received
// frame from the host's receive loop. It never propagates frame-level
// failures: malformed, unroutable, unresolvable, and unsupported-transport
// conditions are logged, counted, and absorbed. HandleFrame returns a
// non-nil error only when arrivalIfaceName does not name a configured
// interface, a contract violation by the caller rather than a condition of
// the received frame.
func (d *Dispatcher) HandleFrame(frame []byte, arrivalIfaceName string) error {
	arrivalIface, ok := d.ifaces.FindByName(arrivalIfaceName)
	if !ok {
		return errUnknownIface
	}

	ethFrame, err := ethernet.NewFrame(frame)
	if err != nil {
		d.drop("malformed", slog.String("err", err.Error()))
		return nil
	}
	etherType := ethFrame.EtherTypeOrSize()
	metrics.FramesHandled.WithLabelValues(etherType.String()).Inc()

	switch etherType {
	case ethernet.TypeARP:
		d.handleARP(frame, ethFrame, arrivalIface)
	case ethernet.TypeIPv4:
		d.handleIPv4(frame, ethFrame, arrivalIface)
	default:
		d.drop("unsupported-ethertype", slog.String("ethertype", etherType.String()))
	}
	return nil
}

func (d *Dispatcher) drop(reason string, attrs ...slog.Attr) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	d.log.Debug("dropped frame", append([]slog.Attr{slog.String("reason", reason)}, attrs...)...)
}

func (d *Dispatcher) handleARP(frame []byte, ethFrame ethernet.Frame, arrivalIface iface.Interface) {
	afrm, err := arp.NewFrame(ethFrame.Payload())
	if err != nil {
		d.drop("malformed", slog.String("layer", "arp"))
		return
	}
	var v lnrouter.Validator
	afrm.ValidateSize(&v)
	if v.HasError() {
		d.drop("malformed", slog.String("layer", "arp"))
		return
	}

	switch afrm.Operation() {
	case arp.OpRequest:
		senderHW, senderIP := afrm.Sender4()
		pending := d.cache.Insert(*senderHW, *senderIP)
		d.flushPending(pending, *senderHW)
		d.replyARP(frame, ethFrame, afrm, arrivalIface)

	case arp.OpReply:
		senderHW, senderIP := afrm.Sender4()
		_, targetIP := afrm.Target4()
		pending := d.cache.Insert(*senderHW, *senderIP)
		if *targetIP == arrivalIface.Addr {
			d.flushPending(pending, *senderHW)
		}

	default:
		senderHW, senderIP := afrm.Sender4()
		d.drop("malformed", internal.SlogAddr6("sender_hw", senderHW), internal.SlogAddr4("sender_ip", senderIP),
			slog.String("layer", "arp"), slog.String("reason", "unsupported-opcode"))
	}
}

// replyARP turns the received ARP request in place into a reply and sends
// it back out the arrival interface.
func (d *Dispatcher) replyARP(frame []byte, ethFrame ethernet.Frame, afrm arp.Frame, arrivalIface iface.Interface) {
	afrm.SwapTargetSender()
	senderHW, senderIP := afrm.Sender4()
	*senderHW = arrivalIface.HWAddr
	*senderIP = arrivalIface.Addr
	afrm.SetOperation(arp.OpReply)

	targetHW, _ := afrm.Target4()
	*ethFrame.DestinationHardwareAddr() = *targetHW
	*ethFrame.SourceHardwareAddr() = arrivalIface.HWAddr

	if _, err := d.send(frame, arrivalIface.Name); err != nil {
		d.sendFailed(arrivalIface.Name, err)
	}
}

// flushPending re-resolves each pending frame's outgoing interface via
// longest-prefix match against its own original destination (not the
// resolved target's IP), rewrites its Ethernet addressing, and sends it, in
// FIFO order.
func (d *Dispatcher) flushPending(pending []arpcache.PendingFrame, resolvedHW [6]byte) {
	for _, pf := range pending {
		ef, err := ethernet.NewFrame(pf.Frame)
		if err != nil {
			continue
		}
		ifrm, err := ipv4.NewFrame(ef.Payload())
		if err != nil {
			continue
		}
		outIfaceName, ok := d.routes.Resolve(*ifrm.DestinationAddr())
		if !ok {
			d.drop("unroutable", slog.String("stage", "arp-flush"))
			continue
		}
		outIface, ok := d.ifaces.FindByName(outIfaceName)
		if !ok {
			continue
		}
		*ef.SourceHardwareAddr() = outIface.HWAddr
		*ef.DestinationHardwareAddr() = resolvedHW
		ifrm.SetCRC(0)
		ifrm.SetCRC(ifrm.CalculateHeaderCRC())

		if _, err := d.send(pf.Frame, outIfaceName); err != nil {
			d.sendFailed(outIfaceName, err)
			continue
		}
		metrics.FramesForwarded.Inc()
	}
}

func (d *Dispatcher) handleIPv4(frame []byte, ethFrame ethernet.Frame, arrivalIface iface.Interface) {
	ifrm, err := ipv4.NewFrame(ethFrame.Payload())
	if err != nil {
		d.drop("malformed", slog.String("layer", "ipv4"))
		return
	}
	var v lnrouter.Validator
	ifrm.ValidateExceptCRC(&v)
	if v.HasError() {
		d.drop("malformed", slog.String("layer", "ipv4"))
		return
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		d.drop("bad-checksum", slog.String("layer", "ipv4"))
		return
	}

	destIP := *ifrm.DestinationAddr()
	if ownIface, ok := d.ifaces.FindByAddr(destIP); ok {
		d.handleForUs(frame, ethFrame, ifrm, ownIface)
		return
	}
	d.forward(frame, ethFrame, ifrm, arrivalIface)
}

func (d *Dispatcher) handleForUs(frame []byte, ethFrame ethernet.Frame, ifrm ipv4.Frame, ownIface iface.Interface) {
	if ifrm.Protocol() == lnrouter.IPProtoICMP {
		icmpFrm, err := icmpv4.NewFrame(ifrm.Payload())
		if err == nil && icmpFrm.Type() == icmpv4.TypeEcho && validICMPChecksum(icmpFrm) {
			d.replyEcho(frame, ethFrame, ifrm, icmpv4.FrameEcho{Frame: icmpFrm}, ownIface)
			return
		}
	}
	d.sendICMPError(frame, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable), ownIface)
}

func validICMPChecksum(frm icmpv4.Frame) bool {
	var crc lnrouter.CRC791
	frm.CRCWrite(&crc)
	return crc.Sum16() == frm.CRC()
}

func (d *Dispatcher) replyEcho(frame []byte, ethFrame ethernet.Frame, ifrm ipv4.Frame, echo icmpv4.FrameEcho, ownIface iface.Interface) {
	echo.Frame.SetType(icmpv4.TypeEchoReply)
	echo.Frame.SetCode(0)

	src, dst := *ifrm.SourceAddr(), *ifrm.DestinationAddr()
	*ifrm.SourceAddr() = dst
	*ifrm.DestinationAddr() = src
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	echo.Frame.SetCRC(0)
	var crc lnrouter.CRC791
	echo.Frame.CRCWrite(&crc)
	echo.Frame.SetCRC(crc.Sum16())

	origSrcHW := *ethFrame.SourceHardwareAddr()
	*ethFrame.DestinationHardwareAddr() = origSrcHW
	*ethFrame.SourceHardwareAddr() = ownIface.HWAddr

	if _, err := d.send(frame, ownIface.Name); err != nil {
		d.sendFailed(ownIface.Name, err)
		return
	}
	metrics.ICMPGenerated.WithLabelValues("0", "0").Inc()
}

func (d *Dispatcher) forward(frame []byte, ethFrame ethernet.Frame, ifrm ipv4.Frame, arrivalIface iface.Interface) {
	newTTL := ifrm.TTL() - 1
	if newTTL == 0 {
		d.sendICMPError(frame, icmpv4.TypeTimeExceeded, uint8(icmpv4.CodeExceededInTransit), arrivalIface)
		return
	}
	ifrm.SetTTL(newTTL)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	destIP := *ifrm.DestinationAddr()
	outIfaceName, ok := d.routes.Resolve(destIP)
	if !ok {
		d.sendICMPError(frame, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable), arrivalIface)
		return
	}
	outIface, ok := d.ifaces.FindByName(outIfaceName)
	if !ok {
		d.drop("unroutable", internal.SlogAddr4("dst", &destIP), slog.String("reason", "route names unknown interface"))
		return
	}

	if hw, ok := d.cache.Lookup(destIP); ok {
		*ethFrame.SourceHardwareAddr() = outIface.HWAddr
		*ethFrame.DestinationHardwareAddr() = hw
		if _, err := d.send(frame, outIfaceName); err != nil {
			d.sendFailed(outIfaceName, err)
			return
		}
		metrics.FramesForwarded.Inc()
		return
	}
	d.cache.QueueRequest(destIP, frame, arrivalIface.Name)
}

func (d *Dispatcher) sendFailed(ifaceName string, err error) {
	metrics.SendErrors.WithLabelValues(ifaceName).Inc()
	d.log.Error("send failed", slog.String("iface", ifaceName), slog.String("err", err.Error()))
}

// SendARPProbe implements arpcache.Prober: it resolves the outgoing
// interface for targetIP via the routing table and emits a broadcast ARP
// who-has request.
func (d *Dispatcher) SendARPProbe(targetIP [4]byte) error {
	outIfaceName, ok := d.routes.Resolve(targetIP)
	if !ok {
		return errUnknownIface
	}
	outIface, ok := d.ifaces.FindByName(outIfaceName)
	if !ok {
		return errUnknownIface
	}
	buf := make([]byte, 14+28)
	ef, err := ethernet.NewFrame(buf)
	if err != nil {
		return err
	}
	*ef.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*ef.SourceHardwareAddr() = outIface.HWAddr
	ef.SetEtherType(ethernet.TypeARP)

	af, err := arp.NewFrame(ef.Payload())
	if err != nil {
		return err
	}
	af.SetHardware(1, 6)
	af.SetProtocol(ethernet.TypeIPv4, 4)
	af.SetOperation(arp.OpRequest)
	senderHW, senderIP := af.Sender4()
	*senderHW = outIface.HWAddr
	*senderIP = outIface.Addr
	_, targetIPField := af.Target4()
	*targetIPField = targetIP

	_, err = d.send(buf, outIfaceName)
	return err
}

// SendUnreachable implements arpcache.Prober: it emits an ICMP
// host-unreachable reply for a pending frame whose ARP resolution failed,
// sourced from the frame's original arrival interface.
func (d *Dispatcher) SendUnreachable(pending arpcache.PendingFrame) error {
	srcIface, ok := d.ifaces.FindByName(pending.ArrivalIface)
	if !ok {
		return errUnknownIface
	}
	d.sendICMPError(pending.Frame, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeHostUnreachable), srcIface)
	return nil
}

// sendICMPError builds and sends a fresh ICMP error frame in reply to
// triggerFrame, sourced from srcIface. Failures to parse triggerFrame (it
// should always be a previously-validated IPv4 datagram) are dropped
// silently, matching the rest of the error-handling taxonomy.
func (d *Dispatcher) sendICMPError(triggerFrame []byte, icmpType icmpv4.Type, code uint8, srcIface iface.Interface) {
	buf, err := newICMPError(triggerFrame, icmpType, code, srcIface)
	if err != nil {
		d.drop("malformed", slog.String("stage", "icmp-generation"))
		return
	}
	if _, err := d.send(buf, srcIface.Name); err != nil {
		d.sendFailed(srcIface.Name, err)
		return
	}
	metrics.ICMPGenerated.WithLabelValues(strconv.Itoa(int(icmpType)), strconv.Itoa(int(code))).Inc()
}

// newICMPError allocates a fresh Ethernet+IPv4+ICMP frame carrying a type-3
// or type-11 error in reply to triggerFrame, per the new-frame ICMP
// generation contract: 28 bytes of the original IP header and leading
// payload are embedded, and the IPv4 header copies ToS and ID from the
// original datagram.
func newICMPError(triggerFrame []byte, icmpType icmpv4.Type, code uint8, srcIface iface.Interface) ([]byte, error) {
	trigEth, err := ethernet.NewFrame(triggerFrame)
	if err != nil {
		return nil, err
	}
	trigIP, err := ipv4.NewFrame(trigEth.Payload())
	if err != nil {
		return nil, err
	}

	var embedded [ICMPDataSize]byte
	copy(embedded[:], trigIP.RawData())

	const (
		ethSize  = 14
		ipSize   = 20
		icmpSize = 8
	)
	buf := make([]byte, ethSize+ipSize+icmpSize+ICMPDataSize)

	outEth, _ := ethernet.NewFrame(buf)
	*outEth.DestinationHardwareAddr() = *trigEth.SourceHardwareAddr()
	*outEth.SourceHardwareAddr() = srcIface.HWAddr
	outEth.SetEtherType(ethernet.TypeIPv4)

	outIP, _ := ipv4.NewFrame(outEth.Payload())
	outIP.ClearHeader()
	outIP.SetVersionAndIHL(4, 5)
	outIP.SetToS(trigIP.ToS())
	outIP.SetTotalLength(uint16(ipSize + icmpSize + ICMPDataSize))
	outIP.SetID(trigIP.ID())
	outIP.SetFlags(0x4000) // don't-fragment
	outIP.SetTTL(InitTTL)
	outIP.SetProtocol(lnrouter.IPProtoICMP)
	*outIP.SourceAddr() = srcIface.Addr
	*outIP.DestinationAddr() = *trigIP.SourceAddr()
	outIP.SetCRC(0)
	outIP.SetCRC(outIP.CalculateHeaderCRC())

	icmpBuf := outIP.Payload()
	outICMP, _ := icmpv4.NewFrame(icmpBuf)
	outICMP.SetType(icmpType)
	outICMP.SetCode(code)
	copy(icmpBuf[icmpSize:], embedded[:])
	outICMP.SetCRC(0)
	var crc lnrouter.CRC791
	outICMP.CRCWrite(&crc)
	outICMP.SetCRC(crc.Sum16())

	return buf, nil
}
