package rules

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func TestRuleApplyOperations(t *testing.T) {
	rule := Rule{
		Provider: "polygon",
		Category: "quote_fields",
		Fields: []FieldOp{
			{Source: "last_done", Target: "lastPrice", Op: OpMultiply, Operand: 1},
			{Source: "price_cents", Target: "price", Op: OpDivide, Operand: 100},
			{Source: "bid", Target: "bidAdjusted", Op: OpAdd, Operand: 0.5},
			{Source: "ask", Target: "askAdjusted", Op: OpSubtract, Operand: 0.5},
			{Source: "state", Target: "stateLabel", Op: OpFormat, Format: "state-%v"},
		},
	}

	out, err := rule.Apply(map[string]any{
		"last_done":   182.5,
		"price_cents": 18250,
		"bid":         182.0,
		"ask":         183.0,
		"state":       "open",
	})
	require.NoError(t, err)

	assert.Equal(t, 182.5, out["lastPrice"])
	assert.Equal(t, 182.5, out["price"])
	assert.Equal(t, 182.5, out["bidAdjusted"])
	assert.Equal(t, 182.5, out["askAdjusted"])
	assert.Equal(t, "state-open", out["stateLabel"])
}

func TestRuleApplySkipsMissingSources(t *testing.T) {
	rule := Rule{
		Provider: "polygon",
		Category: "quote_fields",
		Fields: []FieldOp{
			{Source: "last_done", Target: "lastPrice", Op: OpMultiply, Operand: 1},
			{Source: "turnover", Target: "turnover", Op: OpMultiply, Operand: 1},
		},
	}

	out, err := rule.Apply(map[string]any{"last_done": 10.0})
	require.NoError(t, err)
	assert.Equal(t, 10.0, out["lastPrice"])
	_, present := out["turnover"]
	assert.False(t, present)
}

func TestRuleApplyNonNumericFailsTick(t *testing.T) {
	rule := Rule{
		Provider: "polygon",
		Category: "quote_fields",
		Fields: []FieldOp{
			{Source: "last_done", Target: "lastPrice", Op: OpMultiply, Operand: 1},
		},
	}

	_, err := rule.Apply(map[string]any{"last_done": "not-a-number"})
	assert.Error(t, err)
}

func TestUpsertRuleValidation(t *testing.T) {
	store := newTestStore()

	err := store.UpsertRule(Rule{
		Provider: "polygon",
		Category: "quote_fields",
		Fields:   []FieldOp{{Source: "x", Target: "y", Op: OpCustom}},
	})
	assert.Error(t, err, "custom op is disabled")

	err = store.UpsertRule(Rule{
		Provider: "polygon",
		Category: "quote_fields",
		Fields:   []FieldOp{{Source: "x", Target: "y", Op: OpDivide, Operand: 0}},
	})
	assert.Error(t, err, "zero divide operand must be rejected at upsert")

	err = store.UpsertRule(Rule{Provider: "polygon", Category: "quote_fields"})
	assert.Error(t, err, "empty field set must be rejected")

	err = store.UpsertRule(Rule{
		Provider: "polygon",
		Category: "quote_fields",
		Fields:   []FieldOp{{Source: "last_done", Target: "lastPrice", Op: OpMultiply, Operand: 1}},
	})
	assert.NoError(t, err)
}

func TestFindRuleFor(t *testing.T) {
	store := newTestStore()

	rule, err := store.FindRuleFor("polygon", "quote_fields")
	require.NoError(t, err)
	assert.Nil(t, rule, "no rule installed yet")

	_, err = store.FindRuleFor("", "quote_fields")
	assert.Error(t, err)

	require.NoError(t, store.UpsertRule(Rule{
		Provider: "polygon",
		Category: "quote_fields",
		Fields:   []FieldOp{{Source: "last_done", Target: "lastPrice", Op: OpMultiply, Operand: 1}},
	}))

	rule, err = store.FindRuleFor("polygon", "quote_fields")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "polygon", rule.Provider)
}

func TestNormalizeSymbol(t *testing.T) {
	store := newTestStore()
	store.SetSymbolMappings("polygon", map[string]string{
		"AAPL.O": "AAPL",
		"0700":   "700.HK",
	})

	std, err := store.NormalizeSymbol("AAPL.O", "polygon", FromProvider)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", std)

	// Reverse mapping derived from the forward table.
	ps, err := store.NormalizeSymbol("700.hk", "polygon", ToProvider)
	require.NoError(t, err)
	assert.Equal(t, "0700", ps)

	// Unmapped symbols fall back to the standard form, idempotently.
	std, err = store.NormalizeSymbol("msft", "polygon", FromProvider)
	require.NoError(t, err)
	assert.Equal(t, "MSFT", std)
	again, err := store.NormalizeSymbol(std, "polygon", FromProvider)
	require.NoError(t, err)
	assert.Equal(t, std, again)

	_, err = store.NormalizeSymbol("", "polygon", FromProvider)
	assert.Error(t, err)

	_, err = store.NormalizeSymbol("AAPL", "", FromProvider)
	assert.Error(t, err)

	_, err = store.NormalizeSymbol("AAPL", "standard", FromProvider)
	assert.Error(t, err, "literal standard provider is not a sentinel")
}

func TestCategoryMapper(t *testing.T) {
	cm := NewCategoryMapper(map[string]string{
		"stream-stock-quote": "quote_fields",
	})

	assert.Equal(t, "quote_fields", cm.CategoryFor("stream-stock-quote"))
	assert.Equal(t, "stock_trade", cm.CategoryFor("stream-stock-trade"))
	assert.Equal(t, "depth", cm.CategoryFor("depth"))

	// Nil overrides behave as empty.
	assert.Equal(t, "stock_quote", NewCategoryMapper(nil).CategoryFor("stream-stock-quote"))
}
