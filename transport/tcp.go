package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.keel.dev/core/replication"
)

// maxFrameHeaderSize bounds the serialized frame header, as a defense
// against mis-framed or hostile streams.
const maxFrameHeaderSize = 1 << 20

// TCP is a Transport over persistent TCP connections. Each frame is a
// length-prefixed header serialized with json-iterator, followed by the
// concatenated raw operation payloads, and an xxhash64 digest of both.
// Outbound connections are established lazily per target address and
// re-dialed after failures; inbound frames are routed to the processor
// registered for their target endpoint.
type TCP struct {
	listener net.Listener
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	procs    map[string]Processor
	conns    map[string]net.Conn
	accepted []net.Conn
}

// NewTCP returns a TCP transport listening at |address| and serving
// inbound connections until Close.
func NewTCP(address string) (*TCP, error) {
	var l, err = net.Listen("tcp", address)
	if err != nil {
		return nil, errors.WithMessage(err, "listen")
	}
	var ctx, cancel = context.WithCancel(context.Background())
	var t = &TCP{
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
		procs:    make(map[string]Processor),
		conns:    make(map[string]net.Conn),
	}
	t.group, t.ctx = errgroup.WithContext(ctx)
	t.group.Go(t.serve)
	return t, nil
}

// Address returns the transport's bound listen address.
func (t *TCP) Address() string { return t.listener.Addr().String() }

// Close stops the serve loop and closes all connections.
func (t *TCP) Close() error {
	t.cancel()
	_ = t.listener.Close()

	t.mu.Lock()
	for _, c := range t.conns {
		_ = c.Close()
	}
	t.conns = make(map[string]net.Conn)
	for _, c := range t.accepted {
		_ = c.Close()
	}
	t.accepted = nil
	t.mu.Unlock()

	var err = t.group.Wait()
	if errors.Cause(err) == context.Canceled {
		err = nil
	}
	return err
}

// RegisterProcessor implements Transport.
func (t *TCP) RegisterProcessor(endpoint replication.EndpointID, p Processor) func() {
	var key = endpoint.String()

	t.mu.Lock()
	t.procs[key] = p
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.procs, key)
		t.mu.Unlock()
	}
}

// Send implements Transport, framing |msg| onto a cached connection to
// |address|. A write failure drops the cached connection; the caller's
// retry layer drives eventual delivery.
func (t *TCP) Send(address string, msg *Message) error {
	var conn, err = t.connTo(address)
	if err != nil {
		return err
	}
	if err = writeFrame(conn, msg); err != nil {
		t.dropConn(address, conn)
		return errors.WithMessage(err, "writeFrame")
	}
	return nil
}

func (t *TCP) connTo(address string) (net.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[address]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	var c, err = net.Dial("tcp", address)
	if err != nil {
		return nil, errors.WithMessage(err, "dial")
	}

	t.mu.Lock()
	if prev, ok := t.conns[address]; ok {
		t.mu.Unlock()
		_ = c.Close() // Another Send raced the dial.
		return prev, nil
	}
	t.conns[address] = c
	t.mu.Unlock()
	return c, nil
}

func (t *TCP) dropConn(address string, conn net.Conn) {
	t.mu.Lock()
	if t.conns[address] == conn {
		delete(t.conns, address)
	}
	t.mu.Unlock()
	_ = conn.Close()
}

func (t *TCP) serve() error {
	for {
		var conn, err = t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return t.ctx.Err()
			}
			return errors.WithMessage(err, "accept")
		}
		t.mu.Lock()
		t.accepted = append(t.accepted, conn)
		t.mu.Unlock()

		t.group.Go(func() error {
			t.readLoop(conn)
			return nil
		})
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer conn.Close()
	var br = bufio.NewReader(conn)

	for {
		var msg, err = readFrame(br)
		if err != nil {
			if err != io.EOF && t.ctx.Err() == nil {
				log.WithFields(log.Fields{
					"remote": conn.RemoteAddr(),
					"err":    err,
				}).Warn("failed to read transport frame")
			}
			return
		}

		t.mu.Lock()
		var p, ok = t.procs[msg.Target.String()]
		t.mu.Unlock()

		if !ok {
			log.WithFields(log.Fields{
				"action": msg.Action,
				"target": msg.Target,
			}).Debug("dropping message for unregistered target")
			continue
		}
		p(msg)
	}
}

// wireHeader mirrors Message with payload buffers replaced by their sizes.
type wireHeader struct {
	Action       Action
	From         FromHeader
	Target       replication.EndpointID
	Epoch        replication.Epoch
	CompletedLsn int64
	Operations   []wireOpHeader
	Ack          *AckPayload
	StartCopy    *StartCopyPayload
	CtxAck       *CopyContextAckPayload
}

type wireOpHeader struct {
	Type        replication.OperationType
	LSN         int64
	Epoch       replication.Epoch
	BufferSizes []int64
	IsLast      bool
}

func writeFrame(w io.Writer, msg *Message) error {
	var hdr = wireHeader{
		Action:       msg.Action,
		From:         msg.From,
		Target:       msg.Target,
		Epoch:        msg.Epoch,
		CompletedLsn: msg.CompletedLsn,
		Ack:          msg.Ack,
		StartCopy:    msg.StartCopy,
		CtxAck:       msg.CopyContextAck,
	}
	for _, e := range msg.Operations {
		var oh = wireOpHeader{Type: e.Type, LSN: e.LSN, Epoch: e.Epoch, IsLast: e.IsLast}
		for _, b := range e.Buffers {
			oh.BufferSizes = append(oh.BufferSizes, int64(len(b)))
		}
		hdr.Operations = append(hdr.Operations, oh)
	}

	var hb, err = jsonAPI.Marshal(&hdr)
	if err != nil {
		return err
	}

	var sum = xxhash.New64()
	_, _ = sum.Write(hb)

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(hb)))
	if _, err = w.Write(scratch[:4]); err != nil {
		return err
	}
	if _, err = w.Write(hb); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(scratch[:8], uint64(msg.Size()))
	if _, err = w.Write(scratch[:8]); err != nil {
		return err
	}
	for _, e := range msg.Operations {
		for _, b := range e.Buffers {
			_, _ = sum.Write(b)
			if _, err = w.Write(b); err != nil {
				return err
			}
		}
	}
	binary.BigEndian.PutUint64(scratch[:8], sum.Sum64())
	_, err = w.Write(scratch[:8])
	return err
}

func readFrame(r *bufio.Reader) (*Message, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err // io.EOF on a clean stream close.
	}
	var hdrLen = binary.BigEndian.Uint32(scratch[:4])
	if hdrLen > maxFrameHeaderSize {
		return nil, errors.Errorf("frame header of %d exceeds bound", hdrLen)
	}
	var hb = make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, errors.WithMessage(err, "reading header")
	}
	var hdr wireHeader
	if err := jsonAPI.Unmarshal(hb, &hdr); err != nil {
		return nil, errors.WithMessage(err, "unmarshal header")
	}

	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, errors.WithMessage(err, "reading body length")
	}
	var bodyLen = int64(binary.BigEndian.Uint64(scratch[:8]))

	var sum = xxhash.New64()
	_, _ = sum.Write(hb)

	var msg = &Message{
		Action:         hdr.Action,
		From:           hdr.From,
		Target:         hdr.Target,
		Epoch:          hdr.Epoch,
		CompletedLsn:   hdr.CompletedLsn,
		Ack:            hdr.Ack,
		StartCopy:      hdr.StartCopy,
		CopyContextAck: hdr.CtxAck,
	}
	var read int64
	for _, oh := range hdr.Operations {
		var e = OperationEnvelope{Type: oh.Type, LSN: oh.LSN, Epoch: oh.Epoch, IsLast: oh.IsLast}
		for _, size := range oh.BufferSizes {
			var b = make([]byte, size)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, errors.WithMessage(err, "reading operation payload")
			}
			_, _ = sum.Write(b)
			read += size
			e.Buffers = append(e.Buffers, b)
		}
		msg.Operations = append(msg.Operations, e)
	}
	if read != bodyLen {
		return nil, errors.Errorf("framed body of %d doesn't match headers (%d)", bodyLen, read)
	}

	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, errors.WithMessage(err, "reading digest")
	}
	if digest := binary.BigEndian.Uint64(scratch[:8]); digest != sum.Sum64() {
		return nil, errors.Errorf("frame digest mismatch (%x vs %x)", digest, sum.Sum64())
	}
	return msg, nil
}
