package policy

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestMinRatio(t *testing.T) {
	tests := []struct {
		confidence int
		want       int
	}{
		{100, 13000},
		{80, 13000},
		{79, 13500},
		{60, 13500},
		{59, 14000},
		{0, 14000},
		{-5, 14000},
		{250, 13000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MinRatio(tt.confidence), "confidence=%d", tt.confidence)
	}
}

func TestBound(t *testing.T) {
	tests := []struct {
		name       string
		ratio      int
		confidence int
		want       int
	}{
		{"in range high confidence", 15000, 85, 15000},
		{"below tier low confidence", 12000, 40, 14000},
		{"below tier medium confidence", 13000, 70, 13500},
		{"at high tier floor", 13000, 80, 13000},
		{"above max", 25000, 90, 17000},
		{"zero ratio", 0, 90, 13000},
		{"negative ratio", -100, 10, 14000},
		{"at max", 17000, 50, 17000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Bound(tt.ratio, tt.confidence))
		})
	}
}

func TestMintAmount(t *testing.T) {
	tests := []struct {
		name  string
		value *big.Int
		ratio int
		want  int64
	}{
		{"scenario A", big.NewInt(20000), 15000, 13333},
		{"scenario B", big.NewInt(20000), 14000, 14285},
		{"scenario C", big.NewInt(20000), 16000, 12500},
		{"nil value", nil, 15000, 0},
		{"zero ratio", big.NewInt(20000), 0, 0},
		{"negative value", big.NewInt(-1), 15000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MintAmount(tt.value, tt.ratio).Int64())
		})
	}
}

func TestMintAmount_EighteenDecimals(t *testing.T) {
	value, ok := new(big.Int).SetString("20000000000000000000000", 10) // 20000 * 1e18
	assert.True(t, ok)
	want, _ := new(big.Int).SetString("13333333333333333333333", 10)
	assert.Equal(t, 0, want.Cmp(MintAmount(value, 15000)))
}

func TestBoundProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("bound stays within the confidence tier", prop.ForAll(
		func(ratio, confidence int) bool {
			got := Bound(ratio, confidence)
			return got >= MinRatio(confidence) && got <= MaxRatio
		},
		gen.IntRange(-50000, 100000),
		gen.IntRange(0, 100),
	))

	properties.Property("bound never drops below full collateralization", prop.ForAll(
		func(ratio, confidence int) bool {
			return Bound(ratio, confidence) >= AbsoluteFloor
		},
		gen.Int(),
		gen.Int(),
	))

	properties.Property("bound is non-decreasing in ratio", prop.ForAll(
		func(a, b, confidence int) bool {
			if a > b {
				a, b = b, a
			}
			return Bound(a, confidence) <= Bound(b, confidence)
		},
		gen.IntRange(-50000, 100000),
		gen.IntRange(-50000, 100000),
		gen.IntRange(0, 100),
	))

	properties.Property("bound is idempotent", prop.ForAll(
		func(ratio, confidence int) bool {
			once := Bound(ratio, confidence)
			return Bound(once, confidence) == once
		},
		gen.IntRange(-50000, 100000),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
