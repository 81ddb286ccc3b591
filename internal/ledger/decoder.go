// Package ledger reads trade lifecycle events from the ledger node and
// decodes every known ABI variant into domain.LedgerEvent.
package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/brokex/tradeindexer/internal/domain"
)

type fields map[string]any

type variant struct {
	name     string
	category domain.Category
	event    abi.Event
	indexed  abi.Arguments
	build    func(f fields, ev *domain.LedgerEvent) error
}

// Decoder maps raw logs to canonical events by topic0.
type Decoder struct {
	byTopic    map[common.Hash]*variant
	byCategory map[domain.Category][]common.Hash
}

// NewDecoder parses every known event layout.
func NewDecoder() (*Decoder, error) {
	specs := []struct {
		name     string
		category domain.Category
		abiJSON  string
		event    string
		build    func(f fields, ev *domain.LedgerEvent) error
	}{
		{"opened.v1", domain.CategoryOpened, openedV1ABI, "Opened", buildOpened},
		{"opened.v2", domain.CategoryOpened, openedV2ABI, "Opened", buildOpened},
		{"executed.v1", domain.CategoryExecuted, executedABI, "Executed", buildExecuted},
		{"stops.v1", domain.CategoryStops, stopsUpdatedABI, "StopsUpdated", buildStops},
		{"removed.v1", domain.CategoryRemoved, removedABI, "Removed", buildRemoved},
	}

	d := &Decoder{
		byTopic:    make(map[common.Hash]*variant, len(specs)),
		byCategory: make(map[domain.Category][]common.Hash),
	}
	for _, s := range specs {
		parsed, err := abi.JSON(strings.NewReader(s.abiJSON))
		if err != nil {
			return nil, fmt.Errorf("ledger: parse %s abi: %w", s.name, err)
		}
		ev, ok := parsed.Events[s.event]
		if !ok {
			return nil, fmt.Errorf("ledger: %s abi has no %s event", s.name, s.event)
		}
		var indexed abi.Arguments
		for _, in := range ev.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		v := &variant{name: s.name, category: s.category, event: ev, indexed: indexed, build: s.build}
		d.byTopic[ev.ID] = v
		d.byCategory[s.category] = append(d.byCategory[s.category], ev.ID)
	}
	return d, nil
}

// Topics returns the topic0 values of every variant in the category.
func (d *Decoder) Topics(c domain.Category) []common.Hash {
	return d.byCategory[c]
}

// Decode converts one log. It returns domain.ErrUnknownEvent for foreign
// topics and domain.ErrInvalidEvent for logs that do not match their layout.
func (d *Decoder) Decode(lg types.Log) (domain.LedgerEvent, error) {
	if len(lg.Topics) == 0 {
		return domain.LedgerEvent{}, fmt.Errorf("ledger: log %s:%d has no topics: %w", lg.TxHash.Hex(), lg.Index, domain.ErrUnknownEvent)
	}
	v, ok := d.byTopic[lg.Topics[0]]
	if !ok {
		return domain.LedgerEvent{}, fmt.Errorf("ledger: topic %s: %w", lg.Topics[0].Hex(), domain.ErrUnknownEvent)
	}

	f := make(fields)
	if err := v.event.Inputs.UnpackIntoMap(f, lg.Data); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("ledger: unpack %s data: %w: %v", v.name, domain.ErrInvalidEvent, err)
	}
	if len(lg.Topics)-1 != len(v.indexed) {
		return domain.LedgerEvent{}, fmt.Errorf("ledger: %s expects %d indexed topics, got %d: %w",
			v.name, len(v.indexed), len(lg.Topics)-1, domain.ErrInvalidEvent)
	}
	if err := abi.ParseTopicsIntoMap(f, v.indexed, lg.Topics[1:]); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("ledger: parse %s topics: %w: %v", v.name, domain.ErrInvalidEvent, err)
	}

	ev := domain.LedgerEvent{
		Category:    v.category,
		Variant:     v.name,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		Reorged:     lg.Removed,
	}
	if err := v.build(f, &ev); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("ledger: %s %s:%d: %w: %v", v.name, ev.TxHash, ev.LogIndex, domain.ErrInvalidEvent, err)
	}
	return ev, nil
}

func buildOpened(f fields, ev *domain.LedgerEvent) error {
	id, err := f.getInt64("id")
	if err != nil {
		return err
	}
	asset, err := f.getInt64("asset")
	if err != nil {
		return err
	}
	stateCode, err := f.getInt64("state")
	if err != nil {
		return err
	}
	if stateCode < 0 || stateCode > 255 {
		return fmt.Errorf("state code %d", stateCode)
	}
	state := domain.TradeStateOpen
	if stateCode == 0 {
		state = domain.TradeStateOrder
	}
	long, err := f.getBool("longSide")
	if err != nil {
		return err
	}
	lots, err := f.getInt64("lots")
	if err != nil {
		return err
	}
	price, err := f.getInt64("entryOrTargetX6")
	if err != nil {
		return err
	}
	sl, err := f.getInt64("slX6")
	if err != nil {
		return err
	}
	tp, err := f.getInt64("tpX6")
	if err != nil {
		return err
	}
	liq, err := f.getInt64("liqX6")
	if err != nil {
		return err
	}

	owner := "0x"
	if _, ok := f["trader"]; ok {
		addr, err := f.getAddress("trader")
		if err != nil {
			return err
		}
		owner = strings.ToLower(addr.Hex())
	}
	leverage := int64(1)
	if _, ok := f["leverageX"]; ok {
		if leverage, err = f.getInt64("leverageX"); err != nil {
			return err
		}
	}

	ev.Opened = &domain.OpenedEvent{
		TradeID:      id,
		Owner:        owner,
		AssetID:      asset,
		State:        state,
		StateCode:    uint8(stateCode),
		Long:         long,
		Lots:         lots,
		Leverage:     leverage,
		PriceX6:      price,
		StopLossX6:   sl,
		TakeProfitX6: tp,
		LiqX6:        liq,
	}
	return nil
}

func buildExecuted(f fields, ev *domain.LedgerEvent) error {
	id, err := f.getInt64("id")
	if err != nil {
		return err
	}
	entry, err := f.getInt64("entryX6")
	if err != nil {
		return err
	}
	ev.Executed = &domain.ExecutedEvent{TradeID: id, EntryX6: entry}
	return nil
}

func buildStops(f fields, ev *domain.LedgerEvent) error {
	id, err := f.getInt64("id")
	if err != nil {
		return err
	}
	sl, err := f.getInt64("slX6")
	if err != nil {
		return err
	}
	tp, err := f.getInt64("tpX6")
	if err != nil {
		return err
	}
	ev.Stops = &domain.StopsEvent{TradeID: id, StopLossX6: sl, TakeProfitX6: tp}
	return nil
}

func buildRemoved(f fields, ev *domain.LedgerEvent) error {
	id, err := f.getInt64("id")
	if err != nil {
		return err
	}
	code, err := f.getInt64("reason")
	if err != nil {
		return err
	}
	exec, err := f.getInt64("execX6")
	if err != nil {
		return err
	}
	pnl, err := f.getBigInt("pnlUsd6")
	if err != nil {
		return err
	}
	if code < 0 || code > 255 {
		return fmt.Errorf("reason code %d", code)
	}
	// Unknown codes decode as OTHER; the projector flags them.
	reason, _ := domain.RemoveReasonFromCode(uint8(code))
	ev.Removed = &domain.RemovedEvent{TradeID: id, Reason: reason, ReasonCode: uint8(code), ExecX6: exec, PnLUSD6: pnl}
	return nil
}

func (f fields) getInt64(name string) (int64, error) {
	v, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	switch n := v.(type) {
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("%s overflows int64", name)
		}
		return n.Int64(), nil
	}
	return 0, fmt.Errorf("%s has type %T", name, v)
}

func (f fields) getBigInt(name string) (*big.Int, error) {
	v, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("missing %s", name)
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s has type %T", name, v)
	}
	return new(big.Int).Set(n), nil
}

func (f fields) getBool(name string) (bool, error) {
	v, ok := f[name].(bool)
	if !ok {
		return false, fmt.Errorf("%s is not a bool", name)
	}
	return v, nil
}

func (f fields) getAddress(name string) (common.Address, error) {
	v, ok := f[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s is not an address", name)
	}
	return v, nil
}
