package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const maxIdleConns = 4

// compareAndDeleteScript removes KEYS[1] only while it holds ARGV[1].
const compareAndDeleteScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// ValkeyConfig holds connection parameters for the Valkey cluster.
// KeyPrefix namespaces every key written by this process.
type ValkeyConfig struct {
	Addr         string
	KeyPrefix    string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

func (c *ValkeyConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
}

// ValkeyProvider implements Provider and CompareAndDeleter against a
// Valkey/Redis-compatible server, keeping a few idle connections for reuse.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	idle   []*valkeyConn
	closed bool
}

type valkeyConn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

// NewValkeyProvider pings the server so bad credentials or addresses fail at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.applyDefaults()
	p := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ValkeyProvider) key(key string) []byte {
	return []byte(p.cfg.KeyPrefix + key)
}

func withTTL(args [][]byte, ttl time.Duration) [][]byte {
	if ttl <= 0 {
		return args
	}
	return append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
}

// Get returns ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, []byte("GET"), p.key(key))
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case replyNil:
		return nil, ErrCacheMiss
	case replyBulk:
		return reply.data, nil
	}
	return nil, fmt.Errorf("GET %s: unexpected reply %q", key, reply.kind)
}

func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, withTTL([][]byte{[]byte("SET"), p.key(key), value}, ttl)...)
	if err != nil {
		return err
	}
	if !reply.is(replyStatus, "OK") {
		return fmt.Errorf("SET %s: unexpected reply %q", key, reply.data)
	}
	return nil
}

// SetNX reports whether the key was written.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := withTTL([][]byte{[]byte("SET"), p.key(key), value}, ttl)
	reply, err := p.do(ctx, append(args, []byte("NX"))...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case replyStatus:
		return true, nil
	case replyNil:
		return false, nil
	}
	return false, fmt.Errorf("SET NX %s: unexpected reply %q", key, reply.kind)
}

func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, []byte("DEL"), p.key(key))
	return err
}

// CompareAndDelete removes key only while it still holds value.
func (p *ValkeyProvider) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	reply, err := p.do(ctx, []byte("EVAL"), []byte(compareAndDeleteScript), []byte("1"), p.key(key), value)
	if err != nil {
		return false, err
	}
	if reply.kind != replyInteger {
		return false, fmt.Errorf("EVAL %s: unexpected reply %q", key, reply.kind)
	}
	return reply.is(replyInteger, "1"), nil
}

func (p *ValkeyProvider) Ping(ctx context.Context) error {
	reply, err := p.do(ctx, []byte("PING"))
	if err != nil {
		return err
	}
	if !reply.is(replyStatus, "PONG") {
		return fmt.Errorf("PING: unexpected reply %q", reply.data)
	}
	return nil
}

// Close drops idle connections. Later calls fail.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle, p.closed = nil, true
	p.mu.Unlock()
	for _, c := range idle {
		_ = c.Close()
	}
	return nil
}

// do runs one command, retrying transient network failures on a fresh connection.
func (p *ValkeyProvider) do(ctx context.Context, args ...[]byte) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(1<<(attempt-1))*25*time.Millisecond); err != nil {
				return respReply{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return respReply{}, err
		}

		conn, err := p.acquire(ctx)
		if err == nil {
			var reply respReply
			reply, err = p.roundTrip(ctx, conn, args)
			var serr serverError
			if err == nil || errors.As(err, &serr) {
				p.release(conn)
				return reply, err
			}
			_ = conn.Close()
		}
		lastErr = err
		if !transient(err) {
			break
		}
	}
	return respReply{}, lastErr
}

func (p *ValkeyProvider) roundTrip(ctx context.Context, conn *valkeyConn, args [][]byte) (respReply, error) {
	now := time.Now()
	if err := conn.SetWriteDeadline(deadline(ctx, now, p.cfg.WriteTimeout)); err != nil {
		return respReply{}, err
	}
	if err := writeCommand(conn.w, args...); err != nil {
		return respReply{}, err
	}
	if err := conn.SetReadDeadline(deadline(ctx, now, p.cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	return readReply(conn.r)
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*valkeyConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("valkey provider closed")
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()
	return p.dial(ctx)
}

func (p *ValkeyProvider) release(conn *valkeyConn) {
	p.mu.Lock()
	if !p.closed && len(p.idle) < maxIdleConns {
		p.idle = append(p.idle, conn)
		conn = nil
	}
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *ValkeyProvider) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		raw net.Conn
		err error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		raw, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	conn := &valkeyConn{Conn: raw, r: bufio.NewReader(raw), w: bufio.NewWriter(raw)}
	if err := p.handshake(ctx, conn); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// handshake authenticates and selects the database on a new connection.
func (p *ValkeyProvider) handshake(ctx context.Context, conn *valkeyConn) error {
	if p.cfg.Password != "" {
		args := [][]byte{[]byte("AUTH")}
		if p.cfg.Username != "" {
			args = append(args, []byte(p.cfg.Username))
		}
		reply, err := p.roundTrip(ctx, conn, append(args, []byte(p.cfg.Password)))
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if !reply.is(replyStatus, "OK") {
			return fmt.Errorf("auth: unexpected reply %q", reply.data)
		}
	}
	if p.cfg.DB > 0 {
		reply, err := p.roundTrip(ctx, conn, [][]byte{[]byte("SELECT"), []byte(strconv.Itoa(p.cfg.DB))})
		if err != nil {
			return fmt.Errorf("select db %d: %w", p.cfg.DB, err)
		}
		if !reply.is(replyStatus, "OK") {
			return fmt.Errorf("select db %d: unexpected reply %q", p.cfg.DB, reply.data)
		}
	}
	return nil
}

// deadline picks the earlier of the context deadline and now+d.
func deadline(ctx context.Context, now time.Time, d time.Duration) time.Time {
	limit := now.Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(limit) {
		return dl
	}
	return limit
}

func transient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
