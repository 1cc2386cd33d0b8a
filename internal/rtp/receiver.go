// Package rtp implements the per-call RTP receive path: a UDP listener, a
// sequence-ordered jitter buffer with bounded loss tolerance, and a
// circular pre-buffer that captures audio leading up to a voice-start
// decision (spec.md §4.3). Packet parsing is grounded on
// breadwithmeth-sip_go's hand-rolled 12-byte RTP header handling
// (buildRTPPacket), generalized into a reusable receiver with a jitter
// buffer and pre-buffer ring the original lacked. Outbound media (prompt
// playback) is the switch's own play action, not this package's concern.
package rtp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// maxMisses is MAX_MISSES from spec.md §4.3.
	maxMisses  = 5
	tickPeriod = 20 * time.Millisecond
)

// Mode is the receiver's delivery mode.
type Mode int

const (
	ModePreBuffer Mode = iota
	ModeLive
)

// Receiver owns one bound UDP socket for a call's inbound RTP media.
type Receiver struct {
	conn *net.UDPConn
	log  *zap.SugaredLogger

	mu         sync.Mutex
	jitter     map[uint16][]byte
	lastPlayed uint16
	started    bool
	missCount  int

	mode   Mode
	preBuf [][]byte
	preCap int
	sink   func([]byte)

	doneCh    chan struct{}
	closeOnce sync.Once
	errCh     chan error
}

// Listen binds a UDP socket on ip starting at startPort, probing upward on
// address-in-use up to maxAttempts ports, per spec.md §4.3 `listen`.
func Listen(ip string, startPort, maxAttempts int, log *zap.SugaredLogger) (*Receiver, string, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := startPort + i
		addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		r := &Receiver{
			conn:   conn,
			log:    log,
			jitter: make(map[uint16][]byte),
			doneCh: make(chan struct{}),
			errCh:  make(chan error, 1),
		}
		go r.readLoop()
		return r, conn.LocalAddr().String(), nil
	}
	return nil, "", fmt.Errorf("rtp: no free port in [%d,%d): %w", startPort, startPort+maxAttempts, lastErr)
}

// Errors reports socket failures; the receiver has already closed itself
// by the time a value is sent.
func (r *Receiver) Errors() <-chan error {
	return r.errCh
}

func (r *Receiver) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			select {
			case <-r.doneCh:
				return
			default:
			}
			r.log.Warnw("rtp socket read failed", "error", err)
			_ = r.Close()
			select {
			case r.errCh <- err:
			default:
			}
			return
		}
		if n < 12 {
			continue
		}
		seq := binary.BigEndian.Uint16(buf[2:4])
		payload := make([]byte, n-12)
		copy(payload, buf[12:n])

		r.mu.Lock()
		r.jitter[seq] = payload
		firstArrival := !r.started
		if firstArrival {
			r.started = true
			r.lastPlayed = seq - 1
		}
		r.mu.Unlock()

		if firstArrival {
			go r.tickLoop()
		}
	}
}

func (r *Receiver) tickLoop() {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.doneCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Receiver) tick() {
	r.mu.Lock()
	if len(r.jitter) == 0 {
		r.mu.Unlock()
		return
	}

	next := r.lastPlayed + 1
	var deliver []byte
	if payload, ok := r.jitter[next]; ok {
		delete(r.jitter, next)
		r.lastPlayed = next
		r.missCount = 0
		deliver = payload
	} else {
		r.missCount++
		if r.missCount > maxMisses {
			if best, ok := r.smallestForwardDistanceLocked(next); ok {
				r.log.Warnw("rtp jitter buffer skipping missed packets",
					"from_seq", next, "to_seq", best)
				r.lastPlayed = best - 1
				r.missCount = 0
			}
		}
	}
	// Until StartPreBuffering sets a ring capacity, frames go to the sink.
	buffering := r.mode == ModePreBuffer && r.preCap > 0
	sink := r.sink
	r.mu.Unlock()

	if deliver == nil {
		return
	}
	if buffering {
		r.pushPreBuffer(deliver)
		return
	}
	if sink != nil {
		sink(deliver)
	}
}

// smallestForwardDistanceLocked finds the buffered sequence number with the
// smallest forward (circular) distance from next. Caller holds r.mu.
func (r *Receiver) smallestForwardDistanceLocked(next uint16) (uint16, bool) {
	var best uint16
	bestDist := -1
	for k := range r.jitter {
		d := int(k - next) // uint16 wraparound subtraction == mod-65536 forward distance
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = k
		}
	}
	return best, bestDist != -1
}

// StartPreBuffering enters prebuffer mode with the given ring capacity.
func (r *Receiver) StartPreBuffering(capacityFrames int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = ModePreBuffer
	r.preCap = capacityFrames
	r.preBuf = make([][]byte, 0, capacityFrames)
}

// StopPreBufferingAndFlush concatenates the pre-buffered payloads in
// arrival order, clears the ring, and transitions to live mode.
func (r *Receiver) StopPreBufferingAndFlush() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, p := range r.preBuf {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range r.preBuf {
		out = append(out, p...)
	}
	r.preBuf = nil
	r.mode = ModeLive
	return out
}

// SubscribeLive registers sink to be invoked per reordered frame whenever
// no pre-buffer ring is active: before StartPreBuffering, and in live mode
// after StopPreBufferingAndFlush.
func (r *Receiver) SubscribeLive(sink func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Receiver) pushPreBuffer(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.preCap <= 0 {
		return
	}
	if len(r.preBuf) >= r.preCap {
		r.preBuf = r.preBuf[1:]
	}
	r.preBuf = append(r.preBuf, payload)
}

// Close stops the playback timer and closes the socket. Safe to call more
// than once.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.doneCh)
		err = r.conn.Close()
	})
	return err
}

// buildPacket assembles a 12-byte RTP header plus payload; used by
// receiver_test.go to synthesize inbound test packets.
func buildPacket(pt uint8, seq uint16, ts, ssrc uint32, payload []byte) []byte {
	hdr := make([]byte, 12)
	hdr[0] = 0x80
	hdr[1] = pt & 0x7f
	binary.BigEndian.PutUint16(hdr[2:4], seq)
	binary.BigEndian.PutUint32(hdr[4:8], ts)
	binary.BigEndian.PutUint32(hdr[8:12], ssrc)
	return append(hdr, payload...)
}
