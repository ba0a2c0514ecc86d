package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-intensity/internal/model"
)

func TestDecodeBook(t *testing.T) {
	book := model.BookSnapshot{
		Token:    "26000",
		Exchange: "NSE",
		Bids:     []model.OrderBookRow{{Price: 99.5, Amount: 2}, {Price: 99, Amount: 1}},
		Asks:     []model.OrderBookRow{{Price: 100.5, Amount: 2}, {Price: 101, Amount: 1}},
	}

	got, err := decodeBook(map[string]interface{}{"data": string(book.JSON())})
	require.NoError(t, err)
	assert.Equal(t, "NSE:26000", got.Key())
	assert.Equal(t, book.Bids, got.Bids)
	assert.Equal(t, book.Asks, got.Asks)
}

func TestDecodeBook_Malformed(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing data": {"payload": "{}"},
		"not a string": {"data": 42},
		"bad json":     {"data": "{not json"},
		"no token":     {"data": `{"exchange":"NSE"}`},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeBook(values)
			assert.Error(t, err)
		})
	}
}

func TestIsBusyGroup(t *testing.T) {
	assert.True(t, isBusyGroup(errString("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errString("ERR no such key")))
	assert.False(t, isBusyGroup(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
