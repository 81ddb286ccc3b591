package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"

	"github.com/brokex/tradeindexer/internal/domain"
)

// Config holds ledger endpoint settings.
type Config struct {
	WSURL            string
	ContractAddress  string
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	// SubscriptionBuffer bounds decoded live events waiting for the runner.
	SubscriptionBuffer int
}

// Client implements domain.LedgerSource over a websocket JSON-RPC connection.
type Client struct {
	rpc      *rpc.Client
	eth      *ethclient.Client
	contract common.Address
	decoder  *Decoder
	bufSize  int
	logger   *slog.Logger
}

// Dial connects to the ledger node.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.ContractAddress)
	}
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
	}
	rc, err := rpc.DialOptions(ctx, cfg.WSURL, rpc.WithWebsocketDialer(dialer))
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", cfg.WSURL, err)
	}

	buf := cfg.SubscriptionBuffer
	if buf <= 0 {
		buf = 1024
	}

	return &Client{
		rpc:      rc,
		eth:      ethclient.NewClient(rc),
		contract: common.HexToAddress(cfg.ContractAddress),
		decoder:  decoder,
		bufSize:  buf,
		logger:   logger.With(slog.String("component", "ledger")),
	}, nil
}

// Close terminates the connection and every open subscription.
func (c *Client) Close() {
	c.rpc.Close()
}

// Tip returns the latest block number.
func (c *Client) Tip(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: block number: %w", err)
	}
	return n, nil
}

func (c *Client) query(category domain.Category) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{c.decoder.Topics(category)},
	}
}

// FetchEvents returns the decoded events of one category in [from, to],
// sorted by (block, log index). Undecodable and reorged logs are dropped
// with a log line.
func (c *Client) FetchEvents(ctx context.Context, category domain.Category, from, to uint64) ([]domain.LedgerEvent, error) {
	q := c.query(category)
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ledger: filter %s logs [%d,%d]: %w", category, from, to, err)
	}

	events := make([]domain.LedgerEvent, 0, len(logs))
	for _, lg := range logs {
		ev, ok := c.decode(ctx, category, lg)
		if ok {
			events = append(events, ev)
		}
	}
	domain.SortEvents(events)
	return events, nil
}

func (c *Client) decode(ctx context.Context, category domain.Category, lg types.Log) (domain.LedgerEvent, bool) {
	ev, err := c.decoder.Decode(lg)
	if err != nil {
		c.logger.ErrorContext(ctx, "undecodable log dropped",
			slog.String("stream", string(category)),
			slog.String("tx_hash", lg.TxHash.Hex()),
			slog.Uint64("log_index", uint64(lg.Index)),
			slog.Uint64("block", lg.BlockNumber),
			slog.String("error", err.Error()),
		)
		return domain.LedgerEvent{}, false
	}
	if ev.Reorged {
		c.logger.WarnContext(ctx, "reorged log skipped",
			slog.String("stream", string(category)),
			slog.String("tx_hash", ev.TxHash),
			slog.Uint64("log_index", uint64(ev.LogIndex)),
			slog.Uint64("block", ev.BlockNumber),
		)
		return domain.LedgerEvent{}, false
	}
	return ev, true
}

// Subscribe opens a live log subscription for the category.
func (c *Client) Subscribe(ctx context.Context, category domain.Category) (domain.Subscription, error) {
	logs := make(chan types.Log, c.bufSize)
	sub, err := c.eth.SubscribeFilterLogs(ctx, c.query(category), logs)
	if err != nil {
		return nil, fmt.Errorf("ledger: subscribe %s: %w", category, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &logSubscription{
		category: category,
		events:   make(chan domain.LedgerEvent, c.bufSize),
		errc:     make(chan error, 1),
		sub:      sub,
		cancel:   cancel,
	}
	go s.loop(subCtx, c, logs)
	return s, nil
}

type logSubscription struct {
	category domain.Category
	events   chan domain.LedgerEvent
	errc     chan error
	sub      ethereum.Subscription
	cancel   context.CancelFunc
	once     sync.Once
}

func (s *logSubscription) Events() <-chan domain.LedgerEvent { return s.events }
func (s *logSubscription) Err() <-chan error                 { return s.errc }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.sub.Unsubscribe()
	})
}

func (s *logSubscription) loop(ctx context.Context, c *Client, logs <-chan types.Log) {
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.sub.Err():
			if !ok {
				return
			}
			if err == nil {
				err = errors.New("subscription ended")
			}
			s.errc <- fmt.Errorf("ledger: %s subscription: %w: %v", s.category, domain.ErrTransportClosed, err)
			return
		case lg := <-logs:
			ev, ok := c.decode(ctx, s.category, lg)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

var _ domain.LedgerSource = (*Client)(nil)
