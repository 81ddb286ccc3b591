package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brokex/tradeindexer/internal/domain"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		change domain.TradeChange
		want   string
	}{
		{domain.TradeChange{Stream: domain.CategoryOpened, TradeID: 12}, "brokex.trades.opened.12"},
		{domain.TradeChange{Stream: domain.CategoryRemoved, TradeID: 4294967295}, "brokex.trades.removed.4294967295"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.change))
	}
}
