package tally

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"TallySync/internal/config"
	"TallySync/internal/shared/constants"
)

const envelopeTerminator = "</ENVELOPE>"

// Client сокет к XML-шлюзу учетной системы. Сокет не мультиплексируется,
// запросы строго по одному под мьютексом.
type Client struct {
	addr           string
	connectTimeout time.Duration
	readTimeout    time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewClient(cfg *config.TallyConfig, logger *slog.Logger) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = constants.TallyConnectTimeout
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = constants.TallyReadTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
		logger:         logger,
	}
}

// Send пишет один запрос и копит ответ до закрывающего </ENVELOPE>.
// Сетевые сбои и таймауты возвращаются как типизированные ошибки,
// отличимые от протокольного отказа.
func (c *Client) Send(ctx context.Context, request []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnLocked(ctx)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.readTimeout))
	}

	if _, err := conn.Write(request); err != nil {
		c.dropConnLocked()
		if isTimeout(err) {
			return nil, fmt.Errorf("write to %s: %w", c.addr, ErrTimeout)
		}
		return nil, fmt.Errorf("write to %s: %w", c.addr, ErrConnect)
	}

	response, err := c.readEnvelopeLocked(conn)
	if err != nil {
		c.dropConnLocked()
		return nil, err
	}

	return response, nil
}

func (c *Client) ensureConnLocked(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("dial %s: %w", c.addr, ErrTimeout)
		}
		return nil, fmt.Errorf("dial %s: %w", c.addr, ErrConnect)
	}

	c.logger.Debug("tally gateway connected", "addr", c.addr)
	c.conn = conn
	return conn, nil
}

func (c *Client) readEnvelopeLocked(conn net.Conn) ([]byte, error) {
	var accumulated bytes.Buffer
	chunk := make([]byte, 4096)

	// Ответ считается полным только после закрывающего тега:
	// шлюз стримит XML кусками и не закрывает сокет
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			accumulated.Write(chunk[:n])
			if bytes.Contains(accumulated.Bytes(), []byte(envelopeTerminator)) {
				return accumulated.Bytes(), nil
			}
		}

		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("read from %s after %d bytes: %w", c.addr, accumulated.Len(), ErrTimeout)
			}
			return nil, fmt.Errorf("read from %s after %d bytes: %w", c.addr, accumulated.Len(), ErrConnect)
		}
	}
}

func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close закрывает удерживаемый сокет
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnLocked()
	return nil
}

// ProbeConnection легкий pre-flight: List of Companies. Используется и
// оператором для проверки связи, и перед батчем синхронизации.
func (c *Client) ProbeConnection(ctx context.Context) ([]string, error) {
	request, err := BuildRequest(RequestExport, CollectionCompanies, RequestOptions{})
	if err != nil {
		return nil, err
	}

	response, err := c.Send(ctx, request)
	if err != nil {
		return nil, err
	}

	companies, err := ExtractCompanies(response)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(companies))
	for _, company := range companies {
		names = append(names, company.Name)
	}

	return names, nil
}

func isTimeout(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
