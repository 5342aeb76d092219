package flight

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

const recvTimeout = 5 * time.Second

// Follower owns a datagram connection and keeps the shared State
// up to date, per spec.md §4.3: subscribe, loop receiving and decoding
// packets, mark connected/disconnected. Run returns nil when ctx is
// cancelled, and also returns, with the error, when a read fails for any
// reason other than a timeout; it does not retry after such an error.
type Follower struct {
	conn    net.Conn
	decoder Decoder
	log     *slog.Logger
	state   atomic.Pointer[State]
}

// NewFollower returns a Follower reading from conn (typically a UDP
// net.Conn dialed to the telemetry source) and decoding with decoder. If
// decoder is nil, XPlaneDecoder{} is used.
func NewFollower(conn net.Conn, decoder Decoder, log *slog.Logger) *Follower {
	if decoder == nil {
		decoder = XPlaneDecoder{}
	}
	if log == nil {
		log = slog.Default()
	}
	f := &Follower{conn: conn, decoder: decoder, log: log}
	f.state.Store(disconnected)
	return f
}

// State returns the most recently published snapshot. Safe to call
// concurrently with Run; never blocks.
func (f *Follower) State() *State {
	return f.state.Load()
}

// SetState overwrites the published snapshot directly, bypassing the
// socket. Useful for seeding a known state in tests or tools that drive
// the Read-Path Policy without a live telemetry feed.
func (f *Follower) SetState(st State) {
	f.state.Store(&st)
}

// Connected reports the most recently published connection state, for
// diagnostics surfaces that only need the one boolean.
func (f *Follower) Connected() bool {
	return f.state.Load().Connected
}

// Run subscribes to the telemetry feed and loops receiving packets until
// ctx is cancelled or a read fails with a non-timeout error, which it
// returns. A 5s read timeout marks the connection as
// disconnected and re-sends the subscription request, matching the
// source's socket.settimeout(5.0) behavior.
func (f *Follower) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.conn.Close()
		case <-done:
		}
	}()

	f.subscribe()

	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}

		f.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, err := f.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				f.log.Debug("flight: socket timeout, resetting")
				f.markDisconnected()
				f.subscribe()
				continue
			}
			return err
		}

		values, err := f.decoder.Decode(buf[:n])
		if err != nil {
			f.log.Debug("flight: decode failed, dropping packet", "err", err)
			continue
		}
		f.publish(values)
	}
}

func (f *Follower) subscribe() {
	if _, err := f.conn.Write(f.decoder.Subscribe()); err != nil {
		f.log.Debug("flight: subscribe request failed", "err", err)
	}
}

func (f *Follower) markDisconnected() {
	prev := f.state.Load()
	next := *prev
	next.Connected = false
	f.state.Store(&next)
}

func (f *Follower) publish(values map[int]float64) {
	next := &State{
		Connected: true,
		Lat:       values[idxLat],
		Lon:       values[idxLon],
		Alt:       values[idxAlt],
		Hdg:       values[idxHdg],
		Spd:       values[idxSpd],
	}
	f.state.Store(next)
}
