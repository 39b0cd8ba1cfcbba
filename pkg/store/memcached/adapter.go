package memcached

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

const memcachedAbsoluteTTLThreshold = 30 * 24 * time.Hour

var (
	// ErrNotFound is returned when the key does not exist.
	ErrNotFound = errors.New("memcached: not found")
	// ErrNotStored is returned when a conditional store was refused.
	ErrNotStored = errors.New("memcached: not stored")
)

// Adapter is a lightweight Memcached text-protocol adapter. Each operation
// uses a short-lived TCP connection to the server the key hashes to.
type Adapter struct {
	addresses []string
	timeout   time.Duration
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewMemcachedAdapter creates a concrete memcached adapter using TCP text protocol.
func NewMemcachedAdapter(addresses []string, timeout time.Duration) (*Adapter, error) {
	normalized := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		return nil, errors.New("at least one memcached address is required")
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Adapter{
		addresses: normalized,
		timeout:   timeout,
		dial:      (&net.Dialer{Timeout: timeout}).DialContext,
	}, nil
}

// Get fetches a value by key.
func (c *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	conn, reader, err := c.command(ctx, key, "get "+key+"\r\n", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	line, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if line == "END" {
		return nil, ErrNotFound
	}
	// VALUE <key> <flags> <bytes>
	parts := strings.Fields(line)
	if len(parts) != 4 || parts[0] != "VALUE" {
		return nil, fmt.Errorf("unexpected memcached response: %s", line)
	}
	size, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid memcached size: %w", err)
	}
	payload := make([]byte, size+2)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	end, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if end != "END" {
		return nil, fmt.Errorf("unexpected memcached terminator: %s", end)
	}
	return payload[:size], nil
}

// Set stores a value with TTL.
func (c *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored, err := c.store(ctx, "set", key, value, ttl)
	if err != nil {
		return err
	}
	if !stored {
		return ErrNotStored
	}
	return nil
}

// Add stores a value only when the key does not exist yet. It reports
// whether the value was stored.
func (c *Adapter) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.store(ctx, "add", key, value, ttl)
}

// Incr atomically increments a numeric value. Missing keys yield ErrNotFound.
func (c *Adapter) Incr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arith(ctx, "incr", key, delta)
}

// Decr atomically decrements a numeric value, stopping at zero.
func (c *Adapter) Decr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arith(ctx, "decr", key, delta)
}

// Delete removes a value by key.
func (c *Adapter) Delete(ctx context.Context, key string) error {
	conn, reader, err := c.command(ctx, key, "delete "+key+"\r\n", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	line, err := readLine(reader)
	if err != nil {
		return err
	}
	switch line {
	case "DELETED":
		return nil
	case "NOT_FOUND":
		return ErrNotFound
	default:
		return fmt.Errorf("unexpected memcached delete response: %s", line)
	}
}

// HealthCheck asks every server for its version.
func (c *Adapter) HealthCheck(ctx context.Context) error {
	for _, address := range c.addresses {
		conn, err := c.dialAddress(ctx, address)
		if err != nil {
			return err
		}
		reader := bufio.NewReader(conn)
		_, err = io.WriteString(conn, "version\r\n")
		if err == nil {
			var line string
			line, err = readLine(reader)
			if err == nil && !strings.HasPrefix(line, "VERSION") {
				err = fmt.Errorf("unexpected memcached version response: %s", line)
			}
		}
		_ = conn.Close()
		if err != nil {
			return fmt.Errorf("memcached %s: %w", address, err)
		}
	}
	return nil
}

// Close closes the client (no-op: each operation uses short-lived TCP connection).
func (c *Adapter) Close() error {
	return nil
}

func (c *Adapter) store(ctx context.Context, verb, key string, value []byte, ttl time.Duration) (bool, error) {
	header := fmt.Sprintf("%s %s 0 %d %d\r\n", verb, key, ttlToSeconds(ttl), len(value))
	conn, reader, err := c.command(ctx, key, header, value)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	line, err := readLine(reader)
	if err != nil {
		return false, err
	}
	switch line {
	case "STORED":
		return true, nil
	case "NOT_STORED":
		return false, nil
	default:
		return false, fmt.Errorf("memcached %s failed: %s", verb, line)
	}
}

func (c *Adapter) arith(ctx context.Context, verb, key string, delta uint64) (uint64, error) {
	conn, reader, err := c.command(ctx, key, fmt.Sprintf("%s %s %d\r\n", verb, key, delta), nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	line, err := readLine(reader)
	if err != nil {
		return 0, err
	}
	if line == "NOT_FOUND" {
		return 0, ErrNotFound
	}
	value, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected memcached %s response: %s", verb, line)
	}
	return value, nil
}

// command writes a request line plus an optional data block and returns the
// connection ready for reading the reply.
func (c *Adapter) command(ctx context.Context, key, line string, data []byte) (net.Conn, *bufio.Reader, error) {
	conn, err := c.dialAddress(ctx, c.pickAddress(key))
	if err != nil {
		return nil, nil, err
	}
	reader := bufio.NewReader(conn)
	if _, err := io.WriteString(conn, line); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if data != nil {
		if _, err := conn.Write(data); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := io.WriteString(conn, "\r\n"); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, reader, nil
}

func (c *Adapter) dialAddress(ctx context.Context, address string) (net.Conn, error) {
	conn, err := c.dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.timeout)
	if deadlineFromCtx, ok := ctx.Deadline(); ok && deadlineFromCtx.Before(deadline) {
		deadline = deadlineFromCtx
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

func (c *Adapter) pickAddress(key string) string {
	if len(c.addresses) == 1 {
		return c.addresses[0]
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	index := int(hash.Sum32() % uint32(len(c.addresses)))
	return c.addresses[index]
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func ttlToSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	if ttl > memcachedAbsoluteTTLThreshold {
		return int(time.Now().Add(ttl).Unix())
	}

	seconds := int(math.Ceil(ttl.Seconds()))
	if seconds <= 0 {
		return 1
	}
	return seconds
}
