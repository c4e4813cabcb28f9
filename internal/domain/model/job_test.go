package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	terminal := map[JobStatus]bool{
		JobStatusCreated:   false,
		JobStatusPending:   false,
		JobStatusRunning:   false,
		JobStatusPaused:    false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	}
	for status, want := range terminal {
		assert.Equalf(t, want, status.IsTerminal(), "status %s", status)
	}
}

func TestCategoryFlags_List(t *testing.T) {
	t.Parallel()

	f := CategoryFlags{NFTBids: true, LendingRates: true}
	assert.Equal(t, []Category{CategoryNFTBid, CategoryLendingRate}, f.List())
	assert.True(t, f.Any())
	assert.False(t, f.Enabled(CategoryTokenPrice))
	assert.False(t, CategoryFlags{}.Any())
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	c, err := ParseCategory("nft_prices")
	require.NoError(t, err)
	assert.Equal(t, CategoryNFTPrice, c)

	c, err = ParseCategory(" Token_Price ")
	require.NoError(t, err)
	assert.Equal(t, CategoryTokenPrice, c)

	_, err = ParseCategory("swaps")
	assert.Error(t, err)

	for _, c := range AllCategories {
		assert.NotEmpty(t, c.Table())
	}
}

func TestWebhookFilters_Overlaps(t *testing.T) {
	t.Parallel()

	base := WebhookFilters{Addresses: []string{"A", "B"}, WebhookType: WebhookTypeEnhanced}

	tests := []struct {
		name  string
		other WebhookFilters
		want  bool
	}{
		{name: "shared address", other: WebhookFilters{Addresses: []string{"B", "C"}, WebhookType: WebhookTypeEnhanced}, want: true},
		{name: "default type is enhanced", other: WebhookFilters{Addresses: []string{"A"}}, want: true},
		{name: "disjoint", other: WebhookFilters{Addresses: []string{"C"}, WebhookType: WebhookTypeEnhanced}, want: false},
		{name: "different type", other: WebhookFilters{Addresses: []string{"A"}, WebhookType: WebhookTypeRaw}, want: false},
		{name: "empty addresses", other: WebhookFilters{WebhookType: WebhookTypeEnhanced}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Overlaps(tt.other))
			assert.Equal(t, tt.want, tt.other.Overlaps(base))
		})
	}
}

func TestCategoryBatch_Counts(t *testing.T) {
	t.Parallel()

	var b CategoryBatch
	b.Merge(CategoryBatch{NFTPrices: []NFTPrice{{Signature: "SIG1"}}})
	b.Merge(CategoryBatch{TokenPrices: []TokenPrice{{Signature: "SIG2"}, {Signature: "SIG3"}}})

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 1, b.Count(CategoryNFTPrice))
	assert.Equal(t, 2, b.Count(CategoryTokenPrice))
	assert.Equal(t, 0, b.Count(CategoryLendingRate))
}
