// Package sipdevice implements the device abstraction over SIP using sipgo.
// It registers with the signaling service, originates outbound call legs,
// and surfaces incoming INVITEs as pending connections.
package sipdevice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/handset/internal/softphone/device"
)

// Config holds SIP device configuration.
type Config struct {
	// Identity is the client identity registered with the signaling service.
	Identity string

	// Registrar is the signaling service address (host:port).
	Registrar string

	// BindAddr is the local SIP bind address.
	BindAddr string

	// Port is the local SIP port.
	Port int

	// RTPAddr and RTPPort are the advertised local RTP endpoint.
	RTPAddr string
	RTPPort int

	// Expiry is the registration lifetime. Refresh runs at half this
	// interval. Defaults to 5 minutes.
	Expiry time.Duration
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.RTPAddr == "" {
		c.RTPAddr = c.BindAddr
	}
	if c.RTPPort == 0 {
		c.RTPPort = 4000
	}
	if c.Expiry == 0 {
		c.Expiry = 5 * time.Minute
	}
}

// SIPDevice is the sipgo-backed Device implementation.
type SIPDevice struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	events chan device.DeviceEvent

	mu         sync.Mutex
	conns      map[string]*sipConnection // indexed by Call-ID
	credential string
	serving    bool
	closed     bool

	serveCtx context.Context
	cancel   context.CancelFunc
}

var _ device.Device = (*SIPDevice)(nil)

// New creates a SIP device. Register must be called before the device can
// place or receive calls.
func New(cfg Config) (*SIPDevice, error) {
	cfg.applyDefaults()

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &SIPDevice{
		cfg:      cfg,
		ua:       ua,
		srv:      uas,
		client:   uac,
		events:   make(chan device.DeviceEvent, 16),
		conns:    make(map[string]*sipConnection),
		serveCtx: ctx,
		cancel:   cancel,
	}

	uas.OnRequest(sip.INVITE, d.handleINVITE)
	uas.OnRequest(sip.BYE, d.handleBYE)
	uas.OnRequest(sip.CANCEL, d.handleCANCEL)
	uas.OnRequest(sip.ACK, d.handleACK)

	return d, nil
}

// Register begins registration with the signaling service. The outcome is
// delivered as a Registered or RegistrationError event; a refresh loop keeps
// the binding alive afterwards.
func (d *SIPDevice) Register(ctx context.Context, credential string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("device closed")
	}
	d.credential = credential
	starting := !d.serving
	d.serving = true
	d.mu.Unlock()

	if starting {
		listenAddr := fmt.Sprintf("%s:%d", d.cfg.BindAddr, d.cfg.Port)
		go func() {
			if err := d.srv.ListenAndServe(d.serveCtx, "udp", listenAddr); err != nil {
				slog.Error("[Device] SIP listener stopped", "addr", listenAddr, "error", err)
			}
		}()
	}

	go d.registerLoop(d.serveCtx)
	return nil
}

// registerLoop sends the initial REGISTER and refreshes at half the expiry.
func (d *SIPDevice) registerLoop(ctx context.Context) {
	if err := d.sendRegister(ctx); err != nil {
		d.emit(device.RegistrationError{Err: err})
		return
	}
	d.emit(device.Registered{})

	ticker := time.NewTicker(d.cfg.Expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sendRegister(ctx); err != nil {
				slog.Warn("[Device] Registration refresh failed", "error", err)
				d.emit(device.RegistrationError{Err: err})
				return
			}
		}
	}
}

// sendRegister performs one REGISTER transaction.
func (d *SIPDevice) sendRegister(ctx context.Context) error {
	registrarURI := sip.Uri{Scheme: "sip", Host: registrarHost(d.cfg.Registrar), Port: registrarPort(d.cfg.Registrar)}
	req := sip.NewRequest(sip.REGISTER, registrarURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	identityURI := sip.Uri{
		Scheme: "sip",
		User:   d.cfg.Identity,
		Host:   registrarHost(d.cfg.Registrar),
		Port:   registrarPort(d.cfg.Registrar),
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{Address: identityURI, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: identityURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})

	contactURI := sip.Uri{
		Scheme: "sip",
		User:   d.cfg.Identity,
		Host:   d.cfg.BindAddr,
		Port:   d.cfg.Port,
	}
	req.AppendHeader(&sip.ContactHeader{Address: contactURI})

	expires := sip.ExpiresHeader(d.cfg.Expiry.Seconds())
	req.AppendHeader(&expires)

	d.mu.Lock()
	credential := d.credential
	d.mu.Unlock()
	req.AppendHeader(sip.NewHeader("Authorization", "Bearer "+credential))

	txCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := d.client.TransactionRequest(txCtx, req)
	if err != nil {
		return fmt.Errorf("send REGISTER: %w", err)
	}

	for {
		select {
		case <-txCtx.Done():
			return fmt.Errorf("REGISTER timeout")
		case resp := <-tx.Responses():
			if resp == nil {
				return fmt.Errorf("no REGISTER response")
			}
			if resp.StatusCode == sip.StatusTrying {
				continue
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				slog.Debug("[Device] Registered", "identity", d.cfg.Identity, "registrar", d.cfg.Registrar)
				return nil
			}
			return fmt.Errorf("REGISTER rejected: %d %s", resp.StatusCode, resp.Reason)
		case <-tx.Done():
			return fmt.Errorf("REGISTER transaction terminated")
		}
	}
}

// Originate places an outbound call leg and returns the pending connection.
// Response handling runs in the background; lifecycle progress arrives on
// the connection's event channel.
func (d *SIPDevice) Originate(ctx context.Context, target string) (device.Connection, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("device closed")
	}
	d.mu.Unlock()

	callID := uuid.NewString()
	localTag := newTag()

	offer, err := buildSDP(d.cfg.RTPAddr, d.cfg.RTPPort, 1, modeSendRecv)
	if err != nil {
		return nil, err
	}

	invite, err := d.buildINVITE(target, callID, localTag, offer)
	if err != nil {
		return nil, err
	}

	conn := newOutboundConnection(d, callID, localTag, invite, device.CallerMetadata{PhoneNumber: target})

	d.mu.Lock()
	d.conns[callID] = conn
	d.mu.Unlock()

	go conn.runOutbound(ctx)

	slog.Info("[Originate] INVITE queued", "call_id", callID, "target", target)
	return conn, nil
}

// buildINVITE constructs the outbound INVITE request.
func (d *SIPDevice) buildINVITE(target, callID, localTag string, offer []byte) (*sip.Request, error) {
	requestURI := sip.Uri{
		Scheme: "sip",
		User:   target,
		Host:   registrarHost(d.cfg.Registrar),
		Port:   registrarPort(d.cfg.Registrar),
	}
	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromURI := sip.Uri{
		Scheme: "sip",
		User:   d.cfg.Identity,
		Host:   registrarHost(d.cfg.Registrar),
		Port:   registrarPort(d.cfg.Registrar),
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: requestURI, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contactURI := sip.Uri{
		Scheme: "sip",
		User:   d.cfg.Identity,
		Host:   d.cfg.BindAddr,
		Port:   d.cfg.Port,
	}
	invite.AppendHeader(&sip.ContactHeader{Address: contactURI})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)

	return invite, nil
}

// Events returns the device lifecycle event stream.
func (d *SIPDevice) Events() <-chan device.DeviceEvent {
	return d.events
}

// Close tears down the device, hanging up any tracked legs. The closed flag
// is set before the loops are canceled, so a registration failure racing the
// shutdown is dropped by emit instead of hitting a closed channel.
func (d *SIPDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := make([]*sipConnection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		if err := c.Disconnect(); err != nil {
			slog.Debug("[Device] Hangup on close failed", "call_id", c.callID, "error", err)
		}
	}

	d.cancel()

	d.mu.Lock()
	close(d.events)
	d.mu.Unlock()
	return d.ua.Close()
}

// handleINVITE surfaces an incoming call as a pending connection and rings.
func (d *SIPDevice) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if id := req.CallID(); id != nil {
		callID = string(*id)
	}
	if callID == "" {
		respond(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}

	meta := device.CallerMetadata{}
	if from := req.From(); from != nil {
		meta.PhoneNumber = from.Address.User
		meta.DisplayName = from.DisplayName
	}

	conn := newInboundConnection(d, callID, req, tx, meta)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		respond(req, tx, sip.StatusServiceUnavailable, "Shutting Down")
		return
	}
	d.conns[callID] = conn
	d.mu.Unlock()

	// 180 before the offer reaches the session layer, so the caller hears
	// ringback while the user decides.
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params.Add("tag", conn.localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		slog.Error("[Device] Failed to send 180", "call_id", callID, "error", err)
	}

	slog.Info("[Device] Incoming call", "call_id", callID, "from", meta.PhoneNumber)
	d.emit(device.IncomingOffer{Conn: conn, Meta: meta})
}

func (d *SIPDevice) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	conn := d.lookup(req)
	respond(req, tx, sip.StatusOK, "OK")
	if conn == nil {
		return
	}
	slog.Info("[Device] BYE received", "call_id", conn.callID)
	conn.remoteDisconnected()
	d.forget(conn.callID)
}

func (d *SIPDevice) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	conn := d.lookup(req)
	respond(req, tx, sip.StatusOK, "OK")
	if conn == nil {
		return
	}
	slog.Info("[Device] CANCEL received", "call_id", conn.callID)
	conn.remoteCanceled()
	d.forget(conn.callID)
}

func (d *SIPDevice) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	if conn := d.lookup(req); conn != nil {
		conn.ackReceived()
	}
}

func (d *SIPDevice) lookup(req *sip.Request) *sipConnection {
	id := req.CallID()
	if id == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[string(*id)]
}

func (d *SIPDevice) forget(callID string) {
	d.mu.Lock()
	delete(d.conns, callID)
	d.mu.Unlock()
}

// emit delivers a device event without blocking the SIP handler goroutines.
// Events racing Close are dropped; the check and the send share d.mu with
// the channel close.
func (d *SIPDevice) emit(ev device.DeviceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		slog.Warn("[Device] Event dropped, consumer not keeping up")
	}
}

func respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Error("[Device] Failed to respond", "status", int(code), "error", err)
	}
}

func newTag() string {
	return uuid.NewString()[:8]
}
