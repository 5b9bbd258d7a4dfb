package sipdevice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/handset/internal/softphone/device"
)

type legState int

const (
	legPending legState = iota
	legAnswered
	legTerminated
)

// sipConnection is one SIP call leg.
type sipConnection struct {
	id       string
	dev      *SIPDevice
	callID   string
	incoming bool
	remote   device.CallerMetadata
	events   chan device.ConnectionEvent

	mu         sync.Mutex
	state      legState
	eventsDone bool
	localTag   string
	remoteTag  string
	localSeq   uint32
	sdpVersion uint64
	muted      bool

	// Inbound leg: the INVITE and its transaction, held until Accept or
	// Reject. Outbound leg: the INVITE we sent and its cancel hook.
	invite   *sip.Request
	inviteTx sip.ServerTransaction
	cancelTx func()

	// Dialog state captured on answer, per RFC 3261 Section 12.
	remoteContact sip.Uri
	remoteTarget  sip.Uri
	localFrom     sip.Uri

	dtmf *dtmfSender
}

var _ device.Connection = (*sipConnection)(nil)

func newInboundConnection(dev *SIPDevice, callID string, invite *sip.Request, tx sip.ServerTransaction, meta device.CallerMetadata) *sipConnection {
	c := &sipConnection{
		id:       uuid.NewString(),
		dev:      dev,
		callID:   callID,
		incoming: true,
		remote:   meta,
		events:   make(chan device.ConnectionEvent, 16),
		localTag: newTag(),
		invite:   invite,
		inviteTx: tx,
	}
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
		c.localFrom = from.Address
	}
	if contact := invite.Contact(); contact != nil {
		c.remoteContact = contact.Address
	}
	return c
}

func newOutboundConnection(dev *SIPDevice, callID, localTag string, invite *sip.Request, meta device.CallerMetadata) *sipConnection {
	c := &sipConnection{
		id:       uuid.NewString(),
		dev:      dev,
		callID:   callID,
		remote:   meta,
		events:   make(chan device.ConnectionEvent, 16),
		localTag: localTag,
		localSeq: 1,
		invite:   invite,
	}
	if from := invite.From(); from != nil {
		c.localFrom = from.Address
	}
	if to := invite.To(); to != nil {
		c.remoteTarget = to.Address
	}
	return c
}

func (c *sipConnection) ID() string                    { return c.id }
func (c *sipConnection) Remote() device.CallerMetadata { return c.remote }

func (c *sipConnection) Events() <-chan device.ConnectionEvent {
	return c.events
}

// runOutbound sends the INVITE and pumps responses until the leg answers
// or fails.
func (c *sipConnection) runOutbound(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tx, err := c.dev.client.TransactionRequest(dialCtx, c.invite)
	if err != nil {
		slog.Error("[Originate] INVITE transaction failed", "call_id", c.callID, "error", err)
		c.terminate(device.Rejected{})
		return
	}

	c.mu.Lock()
	c.cancelTx = func() { _ = c.sendCANCEL(tx) }
	c.mu.Unlock()

	for {
		select {
		case <-dialCtx.Done():
			_ = c.sendCANCEL(tx)
			c.terminate(device.Disconnected{})
			return

		case resp := <-tx.Responses():
			if resp == nil {
				c.terminate(device.Disconnected{})
				return
			}
			if done := c.handleResponse(resp, tx); done {
				return
			}

		case <-tx.Done():
			c.mu.Lock()
			answered := c.state == legAnswered
			c.mu.Unlock()
			if !answered {
				c.terminate(device.Disconnected{})
			}
			return
		}
	}
}

// handleResponse processes one response to the outbound INVITE. Returns
// true when the transaction outcome is final.
func (c *sipConnection) handleResponse(resp *sip.Response, tx sip.ClientTransaction) bool {
	status := int(resp.StatusCode)
	slog.Debug("[Originate] Response", "call_id", c.callID, "status", status, "reason", resp.Reason)

	switch {
	case status < 200:
		// 100 Trying / 180 Ringing / 183 Session Progress.
		return false

	case status < 300:
		c.handleAnswer(resp)
		if err := c.sendACK(c.invite, resp); err != nil {
			slog.Error("[Originate] Failed to send ACK", "call_id", c.callID, "error", err)
			// The 200 OK stands; the far end will retransmit if needed.
		}
		c.emit(device.Accepted{})
		slog.Info("[Originate] Call answered", "call_id", c.callID)
		return true

	default:
		slog.Info("[Originate] Call rejected", "call_id", c.callID, "status", status, "reason", resp.Reason)
		c.terminate(device.Rejected{})
		return true
	}
}

// handleAnswer captures dialog state and the remote RTP endpoint from a 2xx.
func (c *sipConnection) handleAnswer(resp *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = legAnswered
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		c.remoteContact = contact.Address
	}

	if body := resp.Body(); body != nil {
		if addr, port, err := remoteEndpoint(body); err != nil {
			slog.Warn("[Originate] No remote RTP endpoint", "call_id", c.callID, "error", err)
		} else if sender, err := newDTMFSender(addr, port); err != nil {
			slog.Warn("[Originate] DTMF sender setup failed", "call_id", c.callID, "error", err)
		} else {
			c.dtmf = sender
		}
	}
}

// Accept answers an inbound leg with a 200 OK carrying our SDP answer.
func (c *sipConnection) Accept() error {
	c.mu.Lock()
	if !c.incoming {
		c.mu.Unlock()
		return fmt.Errorf("not an inbound leg")
	}
	if c.state != legPending {
		c.mu.Unlock()
		return fmt.Errorf("leg already %s", c.stateStringLocked())
	}
	req, tx := c.invite, c.inviteTx
	c.mu.Unlock()

	answer, err := buildSDP(c.dev.cfg.RTPAddr, c.dev.cfg.RTPPort, 1, modeSendRecv)
	if err != nil {
		return err
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	if to := resp.To(); to != nil {
		to.Params.Add("tag", c.localTag)
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)

	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("answer call: %w", err)
	}

	c.mu.Lock()
	c.state = legAnswered
	c.sdpVersion = 1
	if body := req.Body(); body != nil {
		if addr, port, err := remoteEndpoint(body); err == nil {
			if sender, err := newDTMFSender(addr, port); err == nil {
				c.dtmf = sender
			}
		}
	}
	c.mu.Unlock()

	slog.Info("[Device] Call accepted", "call_id", c.callID)
	c.emit(device.Accepted{})
	return nil
}

// ackReceived confirms the 200 OK for an inbound answer. The leg was
// already marked answered locally.
func (c *sipConnection) ackReceived() {
	slog.Debug("[Device] ACK received", "call_id", c.callID)
}

// Reject declines an inbound leg with 486 Busy Here.
func (c *sipConnection) Reject() error {
	c.mu.Lock()
	if !c.incoming {
		c.mu.Unlock()
		return fmt.Errorf("not an inbound leg")
	}
	if c.state != legPending {
		c.mu.Unlock()
		return fmt.Errorf("leg already %s", c.stateStringLocked())
	}
	c.state = legTerminated
	req, tx := c.invite, c.inviteTx
	c.mu.Unlock()

	resp := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
	if to := resp.To(); to != nil {
		to.Params.Add("tag", c.localTag)
	}
	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("reject call: %w", err)
	}

	slog.Info("[Device] Call rejected", "call_id", c.callID)
	c.dev.forget(c.callID)
	c.emit(device.Rejected{})
	c.closeEvents()
	c.closeMedia()
	return nil
}

// Disconnect hangs up the leg: BYE for an answered call, CANCEL for an
// unanswered outbound one, 486 for an unanswered inbound one.
func (c *sipConnection) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case legTerminated:
		c.mu.Unlock()
		return nil
	case legAnswered:
		c.state = legTerminated
		c.mu.Unlock()
		err := c.sendBYE()
		c.dev.forget(c.callID)
		c.emit(device.Disconnected{})
		c.closeEvents()
		c.closeMedia()
		return err
	default:
		if c.incoming {
			c.mu.Unlock()
			return c.Reject()
		}
		c.state = legTerminated
		cancelTx := c.cancelTx
		c.mu.Unlock()
		if cancelTx != nil {
			cancelTx()
		}
		c.dev.forget(c.callID)
		c.emit(device.Disconnected{})
		c.closeEvents()
		return nil
	}
}

// Mute renegotiates the media direction with a re-INVITE: sendonly while
// muted, sendrecv otherwise.
func (c *sipConnection) Mute(muted bool) error {
	c.mu.Lock()
	if c.state != legAnswered {
		c.mu.Unlock()
		return fmt.Errorf("leg not answered")
	}
	if c.muted == muted {
		c.mu.Unlock()
		return nil
	}
	c.sdpVersion++
	version := c.sdpVersion
	c.mu.Unlock()

	mode := modeSendRecv
	if muted {
		mode = modeSendOnly
	}
	body, err := buildSDP(c.dev.cfg.RTPAddr, c.dev.cfg.RTPPort, version, mode)
	if err != nil {
		return err
	}

	reinvite := c.buildInDialogRequest(sip.INVITE)
	contentType := sip.ContentTypeHeader("application/sdp")
	reinvite.AppendHeader(&contentType)
	reinvite.SetBody(body)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := c.dev.client.TransactionRequest(ctx, reinvite)
	if err != nil {
		return fmt.Errorf("send re-INVITE: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("re-INVITE timeout")
		case resp := <-tx.Responses():
			if resp == nil {
				return fmt.Errorf("no re-INVITE response")
			}
			if resp.StatusCode < 200 {
				continue
			}
			if resp.StatusCode >= 300 {
				return fmt.Errorf("re-INVITE rejected: %d %s", resp.StatusCode, resp.Reason)
			}
			if err := c.sendACK(reinvite, resp); err != nil {
				slog.Warn("[Device] re-INVITE ACK failed", "call_id", c.callID, "error", err)
			}
			c.mu.Lock()
			c.muted = muted
			c.mu.Unlock()
			slog.Debug("[Device] Media direction updated", "call_id", c.callID, "mode", mode)
			return nil
		case <-tx.Done():
			return fmt.Errorf("re-INVITE transaction terminated")
		}
	}
}

// SendDigit transmits one DTMF digit over the negotiated RTP stream.
func (c *sipConnection) SendDigit(digit rune) error {
	c.mu.Lock()
	sender := c.dtmf
	answered := c.state == legAnswered
	c.mu.Unlock()

	if !answered {
		return fmt.Errorf("leg not answered")
	}
	if sender == nil {
		return fmt.Errorf("no media stream for DTMF")
	}
	return sender.SendDigit(digit)
}

// remoteDisconnected handles a BYE from the far end.
func (c *sipConnection) remoteDisconnected() {
	c.terminate(device.Disconnected{})
}

// remoteCanceled handles a CANCEL for an unanswered inbound leg: respond
// 487 to the original INVITE, then surface the disconnect.
func (c *sipConnection) remoteCanceled() {
	c.mu.Lock()
	pending := c.state == legPending && c.incoming
	req, tx := c.invite, c.inviteTx
	c.mu.Unlock()

	if pending {
		resp := sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Debug("[Device] 487 response failed", "call_id", c.callID, "error", err)
		}
	}
	c.terminate(device.Disconnected{})
}

// terminate marks the leg ended, emits the final event once, and ends the
// event stream so consumers ranging over it exit.
func (c *sipConnection) terminate(ev device.ConnectionEvent) {
	c.mu.Lock()
	if c.state == legTerminated {
		c.mu.Unlock()
		return
	}
	c.state = legTerminated
	c.mu.Unlock()

	c.dev.forget(c.callID)
	c.emit(ev)
	c.closeEvents()
	c.closeMedia()
}

// sendBYE terminates an answered dialog, RFC 3261 Section 15.1.1: the
// Request-URI is the remote Contact, From carries our tag, To theirs.
func (c *sipConnection) sendBYE() error {
	c.mu.Lock()
	requestURI := c.remoteContact
	toURI := c.remoteTarget
	fromURI := c.localFrom
	remoteTag := c.remoteTag
	c.localSeq++
	seq := c.localSeq
	c.mu.Unlock()

	if requestURI.Host == "" {
		requestURI = toURI
	}
	if c.incoming {
		// Inbound dialog: From/To roles are swapped relative to the INVITE.
		fromURI, toURI = c.localDialogURIs()
	}

	bye := sip.NewRequest(sip.BYE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	bye.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toParams := sip.NewParams()
	if remoteTag != "" {
		toParams.Add("tag", remoteTag)
	}
	bye.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(c.callID)
	bye.AppendHeader(&callIDHdr)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})

	bye.SetDestination(destinationFor(requestURI))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.dev.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Device] BYE response", "call_id", c.callID, "status", int(resp.StatusCode))
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[Device] BYE timeout", "call_id", c.callID)
	}
	return nil
}

// localDialogURIs returns the From/To addresses for in-dialog requests on
// an inbound leg: our identity, then the original caller.
func (c *sipConnection) localDialogURIs() (sip.Uri, sip.Uri) {
	local := sip.Uri{
		Scheme: "sip",
		User:   c.dev.cfg.Identity,
		Host:   registrarHost(c.dev.cfg.Registrar),
		Port:   registrarPort(c.dev.cfg.Registrar),
	}
	return local, c.localFrom
}

// buildInDialogRequest constructs an in-dialog request (re-INVITE) with
// the dialog's route target and tags.
func (c *sipConnection) buildInDialogRequest(method sip.RequestMethod) *sip.Request {
	c.mu.Lock()
	requestURI := c.remoteContact
	toURI := c.remoteTarget
	fromURI := c.localFrom
	remoteTag := c.remoteTag
	c.localSeq++
	seq := c.localSeq
	c.mu.Unlock()

	if requestURI.Host == "" {
		requestURI = toURI
	}
	if c.incoming {
		fromURI, toURI = c.localDialogURIs()
	}

	req := sip.NewRequest(method, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	req.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toParams := sip.NewParams()
	if remoteTag != "" {
		toParams.Add("tag", remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})

	contactURI := sip.Uri{
		Scheme: "sip",
		User:   c.dev.cfg.Identity,
		Host:   c.dev.cfg.BindAddr,
		Port:   c.dev.cfg.Port,
	}
	req.AppendHeader(&sip.ContactHeader{Address: contactURI})

	req.SetDestination(destinationFor(requestURI))
	return req
}

// sendACK acknowledges a 2xx. Per RFC 3261 Section 13.2.2.4 the ACK is a
// new request outside the INVITE transaction, addressed to the remote
// Contact, and sent directly via transport.
func (c *sipConnection) sendACK(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := resp.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		destAddr = destinationFor(requestURI)
	}
	ack.SetDestination(destAddr)

	return c.dev.client.WriteRequest(ack)
}

// sendCANCEL cancels an in-progress outbound INVITE, RFC 3261 Section 9.1.
func (c *sipConnection) sendCANCEL(_ sip.ClientTransaction) error {
	cancelReq := sip.NewRequest(sip.CANCEL, c.invite.Recipient)

	sip.CopyHeaders("Via", c.invite, cancelReq)
	sip.CopyHeaders("From", c.invite, cancelReq)
	sip.CopyHeaders("To", c.invite, cancelReq)
	sip.CopyHeaders("Call-ID", c.invite, cancelReq)

	if cseq := c.invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.dev.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}

	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	slog.Info("[Originate] CANCEL sent", "call_id", c.callID)
	return nil
}

// emit delivers a connection event without blocking SIP goroutines. Events
// arriving after the stream ended are dropped.
func (c *sipConnection) emit(ev device.ConnectionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsDone {
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("[Device] Connection event dropped", "call_id", c.callID)
	}
}

// closeEvents ends the event stream once.
func (c *sipConnection) closeEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.eventsDone {
		c.eventsDone = true
		close(c.events)
	}
}

func (c *sipConnection) closeMedia() {
	c.mu.Lock()
	sender := c.dtmf
	c.dtmf = nil
	c.mu.Unlock()
	if sender != nil {
		_ = sender.Close()
	}
}

func (c *sipConnection) stateStringLocked() string {
	switch c.state {
	case legAnswered:
		return "answered"
	case legTerminated:
		return "terminated"
	default:
		return "pending"
	}
}

func destinationFor(uri sip.Uri) string {
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return fmt.Sprintf("%s:%d", uri.Host, port)
}

func registrarHost(registrar string) string {
	host, _, err := net.SplitHostPort(registrar)
	if err != nil {
		return registrar
	}
	return host
}

func registrarPort(registrar string) int {
	_, portStr, err := net.SplitHostPort(registrar)
	if err != nil {
		return 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 5060
	}
	return port
}
