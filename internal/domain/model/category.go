package model

import (
	"fmt"
	"strings"
	"time"
)

type Category string

const (
	CategoryNFTBid      Category = "nft_bid"
	CategoryNFTPrice    Category = "nft_price"
	CategoryTokenPrice  Category = "token_price"
	CategoryLendingRate Category = "lending_rate"
)

// AllCategories is the closed set of categories, in upsert order.
var AllCategories = []Category{
	CategoryNFTBid,
	CategoryNFTPrice,
	CategoryTokenPrice,
	CategoryLendingRate,
}

func (c Category) String() string {
	return string(c)
}

// Table returns the target datastore table holding records of c.
func (c Category) Table() string {
	switch c {
	case CategoryNFTBid:
		return "nft_bids"
	case CategoryNFTPrice:
		return "nft_prices"
	case CategoryTokenPrice:
		return "token_prices"
	case CategoryLendingRate:
		return "lending_rates"
	}
	return ""
}

// ParseCategory accepts either the category name or its table name.
func ParseCategory(s string) (Category, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, c := range AllCategories {
		if v == string(c) || v == c.Table() {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

const (
	NFTBidStatusActive    = "active"
	NFTBidStatusCancelled = "cancelled"
	NFTBidStatusFilled    = "filled"

	NFTPriceStatusListed   = "listed"
	NFTPriceStatusSold     = "sold"
	NFTPriceStatusDelisted = "delisted"
)

// NFTBid is keyed by (Signature, Mint). Status, Price and Amount are mutable.
type NFTBid struct {
	Signature   string
	Mint        string
	Bidder      string
	Marketplace string
	Status      string
	Price       float64
	Amount      float64
	BlockTime   time.Time
}

// NFTPrice is keyed by (Signature, Mint). Status, Price and Buyer are mutable.
type NFTPrice struct {
	Signature   string
	Mint        string
	Marketplace string
	Seller      string
	Buyer       string
	Status      string
	Price       float64
	BlockTime   time.Time
}

// TokenPrice is keyed by (Signature, TokenMint). Price and Volume are mutable.
type TokenPrice struct {
	Signature   string
	TokenMint   string
	PoolAddress string
	Platform    string
	Price       float64
	Volume      float64
	BlockTime   time.Time
}

// LendingRate is keyed by (Signature, PoolAddress).
type LendingRate struct {
	Signature   string
	PoolAddress string
	Protocol    string
	TokenMint   string
	Action      string
	Amount      float64
	BorrowRate  float64
	SupplyRate  float64
	Utilization float64
	BlockTime   time.Time
}

// CategoryBatch holds every record extracted from one delivery or backfill page.
type CategoryBatch struct {
	NFTBids      []NFTBid
	NFTPrices    []NFTPrice
	TokenPrices  []TokenPrice
	LendingRates []LendingRate
}

func (b *CategoryBatch) Len() int {
	return len(b.NFTBids) + len(b.NFTPrices) + len(b.TokenPrices) + len(b.LendingRates)
}

func (b *CategoryBatch) Count(c Category) int {
	switch c {
	case CategoryNFTBid:
		return len(b.NFTBids)
	case CategoryNFTPrice:
		return len(b.NFTPrices)
	case CategoryTokenPrice:
		return len(b.TokenPrices)
	case CategoryLendingRate:
		return len(b.LendingRates)
	}
	return 0
}

func (b *CategoryBatch) Merge(other CategoryBatch) {
	b.NFTBids = append(b.NFTBids, other.NFTBids...)
	b.NFTPrices = append(b.NFTPrices, other.NFTPrices...)
	b.TokenPrices = append(b.TokenPrices, other.TokenPrices...)
	b.LendingRates = append(b.LendingRates, other.LendingRates...)
}
