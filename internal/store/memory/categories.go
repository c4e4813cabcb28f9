package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
)

type recordKey struct {
	signature string
	secondary string
}

type targetTables struct {
	bootstrapped map[model.Category]bool
	nftBids      map[recordKey]model.NFTBid
	nftPrices    map[recordKey]model.NFTPrice
	tokenPrices  map[recordKey]model.TokenPrice
	lendingRates map[recordKey]model.LendingRate
}

func newTargetTables() *targetTables {
	return &targetTables{
		bootstrapped: make(map[model.Category]bool),
		nftBids:      make(map[recordKey]model.NFTBid),
		nftPrices:    make(map[recordKey]model.NFTPrice),
		tokenPrices:  make(map[recordKey]model.TokenPrice),
		lendingRates: make(map[recordKey]model.LendingRate),
	}
}

// CategoryStore implements store.CategoryWriter with the same conflict rules
// as the SQL upserts: identity fields are kept from the first insert, mutable
// fields take the last applied value.
type CategoryStore struct {
	mu      sync.Mutex
	targets map[string]*targetTables

	// FailApply, when set, is consulted before committing a batch. A non-nil
	// error aborts the batch with nothing applied.
	FailApply func(target string, batch model.CategoryBatch) error
}

var _ store.CategoryWriter = (*CategoryStore)(nil)

func NewCategoryStore() *CategoryStore {
	return &CategoryStore{targets: make(map[string]*targetTables)}
}

func (c *CategoryStore) Bootstrap(_ context.Context, target string, categories []model.Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tablesLocked(target)
	for _, cat := range categories {
		t.bootstrapped[cat] = true
	}
	return nil
}

func (c *CategoryStore) Apply(_ context.Context, target string, batch model.CategoryBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tablesLocked(target)

	for _, cat := range model.AllCategories {
		if batch.Count(cat) > 0 && !t.bootstrapped[cat] {
			return fmt.Errorf("relation %q does not exist", cat.Table())
		}
	}
	if c.FailApply != nil {
		if err := c.FailApply(target, batch); err != nil {
			return err
		}
	}

	for _, r := range batch.NFTBids {
		k := recordKey{r.Signature, r.Mint}
		if prev, ok := t.nftBids[k]; ok {
			prev.Status, prev.Price, prev.Amount = r.Status, r.Price, r.Amount
			t.nftBids[k] = prev
			continue
		}
		t.nftBids[k] = r
	}
	for _, r := range batch.NFTPrices {
		k := recordKey{r.Signature, r.Mint}
		if prev, ok := t.nftPrices[k]; ok {
			prev.Status, prev.Price, prev.Buyer = r.Status, r.Price, r.Buyer
			t.nftPrices[k] = prev
			continue
		}
		t.nftPrices[k] = r
	}
	for _, r := range batch.TokenPrices {
		k := recordKey{r.Signature, r.TokenMint}
		if prev, ok := t.tokenPrices[k]; ok {
			prev.Price, prev.Volume = r.Price, r.Volume
			t.tokenPrices[k] = prev
			continue
		}
		t.tokenPrices[k] = r
	}
	for _, r := range batch.LendingRates {
		k := recordKey{r.Signature, r.PoolAddress}
		if prev, ok := t.lendingRates[k]; ok {
			prev.Action, prev.Amount = r.Action, r.Amount
			prev.BorrowRate, prev.SupplyRate, prev.Utilization = r.BorrowRate, r.SupplyRate, r.Utilization
			t.lendingRates[k] = prev
			continue
		}
		t.lendingRates[k] = r
	}
	return nil
}

// Snapshot returns a copy of every record stored for target.
func (c *CategoryStore) Snapshot(target string) model.CategoryBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out model.CategoryBatch
	t, ok := c.targets[target]
	if !ok {
		return out
	}
	for _, r := range t.nftBids {
		out.NFTBids = append(out.NFTBids, r)
	}
	for _, r := range t.nftPrices {
		out.NFTPrices = append(out.NFTPrices, r)
	}
	for _, r := range t.tokenPrices {
		out.TokenPrices = append(out.TokenPrices, r)
	}
	for _, r := range t.lendingRates {
		out.LendingRates = append(out.LendingRates, r)
	}
	return out
}

// Bootstrapped reports whether the category's table exists for target.
func (c *CategoryStore) Bootstrapped(target string, cat model.Category) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.targets[target]
	return ok && t.bootstrapped[cat]
}

func (c *CategoryStore) tablesLocked(target string) *targetTables {
	t, ok := c.targets[target]
	if !ok {
		t = newTargetTables()
		c.targets[target] = t
	}
	return t
}
