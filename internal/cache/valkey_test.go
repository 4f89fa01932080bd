package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeValkey speaks just enough RESP for the provider's commands.
type fakeValkey struct {
	mu    sync.Mutex
	data  map[string]string
	conns int
	ln    net.Listener
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeValkey{data: make(map[string]string), ln: ln}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns++
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if _, err := io.WriteString(conn, f.exec(args)); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(header[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (f *fakeValkey) exec(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		v, ok := f.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		nx := strings.EqualFold(args[len(args)-1], "NX")
		if _, exists := f.data[args[1]]; nx && exists {
			return "$-1\r\n"
		}
		f.data[args[1]] = args[2]
		return "+OK\r\n"
	case "DEL":
		delete(f.data, args[1])
		return ":1\r\n"
	case "EVAL":
		key, want := args[3], args[4]
		if f.data[key] == want {
			delete(f.data, key)
			return ":1\r\n"
		}
		return ":0\r\n"
	}
	return "-ERR unknown command\r\n"
}

func (f *fakeValkey) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func (f *fakeValkey) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	server := startFakeValkey(t)
	provider, err := NewValkeyProvider(ValkeyConfig{Addr: server.ln.Addr().String(), KeyPrefix: "test:"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = provider.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, provider.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, server.has("test:k"))
	got, err := provider.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	ok, err := provider.SetNX(ctx, "lock", []byte("token-a"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = provider.SetNX(ctx, "lock", []byte("token-b"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := provider.CompareAndDelete(ctx, "lock", []byte("token-b"))
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = provider.CompareAndDelete(ctx, "lock", []byte("token-a"))
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, server.has("test:lock"))

	require.NoError(t, provider.Del(ctx, "k"))
	_, err = provider.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNewValkeyProviderRequiresAddr(t *testing.T) {
	_, err := NewValkeyProvider(ValkeyConfig{})
	assert.Error(t, err)
}

func TestValkeyProviderReusesConnections(t *testing.T) {
	server := startFakeValkey(t)
	provider, err := NewValkeyProvider(ValkeyConfig{Addr: server.ln.Addr().String()})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, provider.Set(ctx, "analytics:k", []byte("v"), time.Minute))
	}
	assert.Equal(t, 1, server.connections())

	// An error reply leaves the connection usable.
	_, err = provider.do(ctx, []byte("FLUSHALL"))
	var serr serverError
	require.ErrorAs(t, err, &serr)
	require.NoError(t, provider.Ping(ctx))
	assert.Equal(t, 1, server.connections())

	require.NoError(t, provider.Close())
	assert.Error(t, provider.Ping(ctx))
}

func TestReadReplyKinds(t *testing.T) {
	read := func(raw string) (respReply, error) {
		return readReply(bufio.NewReader(strings.NewReader(raw)))
	}

	reply, err := read("+OK\r\n")
	require.NoError(t, err)
	assert.True(t, reply.is(replyStatus, "OK"))

	reply, err = read("$5\r\nhello\r\n")
	require.NoError(t, err)
	assert.Equal(t, replyBulk, reply.kind)
	assert.Equal(t, []byte("hello"), reply.data)

	reply, err = read("$-1\r\n")
	require.NoError(t, err)
	assert.Equal(t, replyNil, reply.kind)

	_, err = read("-WRONGTYPE bad\r\n")
	assert.EqualError(t, err, "valkey: WRONGTYPE bad")

	_, err = read("?what\r\n")
	assert.Error(t, err)
}
