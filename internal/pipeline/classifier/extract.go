package classifier

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
)

const lamportsPerSOL = 1_000_000_000

func lamportsToSOL(v float64) float64 {
	return v / lamportsPerSOL
}

// extract builds the records of category c from env. It may return none when
// the payload lacks the fields the category needs.
func (c *Classifier) extract(env model.EventEnvelope, cat model.Category, batch *model.CategoryBatch) int {
	tx := gjson.ParseBytes(env.Payload)
	rule := c.tables.Rule(cat)

	switch cat {
	case model.CategoryNFTBid:
		recs := extractNFTBids(env, tx, rule)
		batch.NFTBids = append(batch.NFTBids, recs...)
		return len(recs)
	case model.CategoryNFTPrice:
		recs := extractNFTPrices(env, tx, rule)
		batch.NFTPrices = append(batch.NFTPrices, recs...)
		return len(recs)
	case model.CategoryTokenPrice:
		recs := extractTokenPrices(env, tx, rule)
		batch.TokenPrices = append(batch.TokenPrices, recs...)
		return len(recs)
	case model.CategoryLendingRate:
		recs := extractLendingRates(env, tx, rule)
		batch.LendingRates = append(batch.LendingRates, recs...)
		return len(recs)
	}
	return 0
}

func nftMints(nft gjson.Result, tx gjson.Result) []string {
	var mints []string
	nft.Get("nfts.#.mint").ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" {
			mints = append(mints, s)
		}
		return true
	})
	if len(mints) > 0 {
		return mints
	}
	// Without an nft event, a single-unit token transfer is taken as the NFT.
	tx.Get("tokenTransfers").ForEach(func(_, t gjson.Result) bool {
		if t.Get("tokenAmount").Float() == 1 && t.Get("mint").String() != "" {
			mints = append(mints, t.Get("mint").String())
		}
		return true
	})
	return mints
}

func nftPriceStatus(typ string) (string, bool) {
	switch strings.ToUpper(typ) {
	case "NFT_SALE":
		return model.NFTPriceStatusSold, true
	case "NFT_LISTING":
		return model.NFTPriceStatusListed, true
	case "NFT_CANCEL_LISTING":
		return model.NFTPriceStatusDelisted, true
	}
	return "", false
}

func nftBidStatus(typ, saleType string) (string, bool) {
	switch strings.ToUpper(typ) {
	case "NFT_BID", "NFT_GLOBAL_BID":
		return model.NFTBidStatusActive, true
	case "NFT_BID_CANCELLED", "NFT_GLOBAL_BID_CANCELLED":
		return model.NFTBidStatusCancelled, true
	case "NFT_SALE":
		// A sale settles a bid only when it filled an offer.
		switch strings.ToUpper(saleType) {
		case "OFFER", "GLOBAL_OFFER":
			return model.NFTBidStatusFilled, true
		}
	}
	return "", false
}

// largestNativeTransfer is the fallback price source when no nft event exists.
func largestNativeTransfer(tx gjson.Result) float64 {
	var largest float64
	tx.Get("nativeTransfers.#.amount").ForEach(func(_, v gjson.Result) bool {
		if a := v.Float(); a > largest {
			largest = a
		}
		return true
	})
	return largest
}

func marketplace(env model.EventEnvelope, nft gjson.Result, rule *Rule) string {
	if src := nft.Get("source").String(); src != "" && rule.knownSource(src) {
		if _, name, ok := rule.program(env); ok {
			return name
		}
		return strings.ToLower(src)
	}
	return rule.platform(env)
}

func extractNFTPrices(env model.EventEnvelope, tx gjson.Result, rule *Rule) []model.NFTPrice {
	nft := tx.Get("events.nft")
	typ := env.Type
	if t := nft.Get("type").String(); t != "" {
		typ = t
	}
	status, ok := nftPriceStatus(typ)
	if !ok {
		return nil
	}

	var lamports float64
	seller, buyer := nft.Get("seller").String(), nft.Get("buyer").String()
	if nft.Exists() {
		lamports = nft.Get("amount").Float()
	} else {
		lamports = largestNativeTransfer(tx)
		if first := tx.Get("tokenTransfers.0"); first.Exists() {
			seller = first.Get("fromUserAccount").String()
			buyer = first.Get("toUserAccount").String()
		}
	}

	mints := nftMints(nft, tx)
	out := make([]model.NFTPrice, 0, len(mints))
	for _, mint := range mints {
		rec := model.NFTPrice{
			Signature:   env.Signature,
			Mint:        mint,
			Marketplace: marketplace(env, nft, rule),
			Seller:      seller,
			Status:      status,
			Price:       lamportsToSOL(lamports),
			BlockTime:   env.Timestamp,
		}
		if status == model.NFTPriceStatusSold {
			rec.Buyer = buyer
		}
		out = append(out, rec)
	}
	return out
}

func extractNFTBids(env model.EventEnvelope, tx gjson.Result, rule *Rule) []model.NFTBid {
	nft := tx.Get("events.nft")
	typ := env.Type
	if t := nft.Get("type").String(); t != "" {
		typ = t
	}
	status, ok := nftBidStatus(typ, nft.Get("saleType").String())
	if !ok {
		return nil
	}

	bidder := nft.Get("buyer").String()
	if bidder == "" {
		bidder = env.FeePayer
	}
	price := lamportsToSOL(nft.Get("amount").Float())

	mints := nftMints(nft, tx)
	if len(mints) == 0 {
		// Collection-wide bids carry no mint.
		mints = []string{""}
	}
	out := make([]model.NFTBid, 0, len(mints))
	for _, mint := range mints {
		out = append(out, model.NFTBid{
			Signature:   env.Signature,
			Mint:        mint,
			Bidder:      bidder,
			Marketplace: marketplace(env, nft, rule),
			Status:      status,
			Price:       price,
			Amount:      1,
			BlockTime:   env.Timestamp,
		})
	}
	return out
}

type swapLeg struct {
	mint   string
	amount float64
}

// rawTokenAmount converts {"tokenAmount":"123","decimals":2} to 1.23.
func rawTokenAmount(r gjson.Result) float64 {
	amt, err := strconv.ParseFloat(r.Get("tokenAmount").String(), 64)
	if err != nil {
		return 0
	}
	return amt / math.Pow10(int(r.Get("decimals").Int()))
}

func swapLegs(swap gjson.Result) (in, out []swapLeg) {
	if n := swap.Get("nativeInput.amount"); n.Exists() && n.Float() > 0 {
		in = append(in, swapLeg{mint: nativeMint, amount: lamportsToSOL(n.Float())})
	}
	if n := swap.Get("nativeOutput.amount"); n.Exists() && n.Float() > 0 {
		out = append(out, swapLeg{mint: nativeMint, amount: lamportsToSOL(n.Float())})
	}
	swap.Get("tokenInputs").ForEach(func(_, t gjson.Result) bool {
		in = append(in, swapLeg{mint: t.Get("mint").String(), amount: rawTokenAmount(t.Get("rawTokenAmount"))})
		return true
	})
	swap.Get("tokenOutputs").ForEach(func(_, t gjson.Result) bool {
		out = append(out, swapLeg{mint: t.Get("mint").String(), amount: rawTokenAmount(t.Get("rawTokenAmount"))})
		return true
	})
	return in, out
}

// nativeMint is the wrapped SOL mint, used to name native swap legs.
const nativeMint = "So11111111111111111111111111111111111111112"

func extractTokenPrices(env model.EventEnvelope, tx gjson.Result, rule *Rule) []model.TokenPrice {
	var in, out []swapLeg
	pool := ""
	if swap := tx.Get("events.swap"); swap.Exists() {
		in, out = swapLegs(swap)
		pool = swap.Get("innerSwaps.0.programInfo.account").String()
	} else {
		// Fall back to the first two token transfers of distinct mints.
		var legs []swapLeg
		tx.Get("tokenTransfers").ForEach(func(_, t gjson.Result) bool {
			leg := swapLeg{mint: t.Get("mint").String(), amount: t.Get("tokenAmount").Float()}
			if leg.mint == "" || (len(legs) == 1 && legs[0].mint == leg.mint) {
				return true
			}
			legs = append(legs, leg)
			return len(legs) < 2
		})
		if len(legs) == 2 {
			in, out = legs[:1], legs[1:]
		}
	}
	if len(in) == 0 || len(out) == 0 {
		return nil
	}
	if pool == "" {
		if addr, _, ok := rule.program(env); ok {
			pool = addr
		}
	}

	// Each bought token is priced in units of the first sold leg.
	quote := in[0]
	recs := make([]model.TokenPrice, 0, len(out))
	for _, leg := range out {
		if leg.amount <= 0 || leg.mint == quote.mint {
			continue
		}
		recs = append(recs, model.TokenPrice{
			Signature:   env.Signature,
			TokenMint:   leg.mint,
			PoolAddress: pool,
			Platform:    rule.platform(env),
			Price:       quote.amount / leg.amount,
			Volume:      quote.amount,
			BlockTime:   env.Timestamp,
		})
	}
	return recs
}

func lendingAction(typ string) string {
	switch strings.ToUpper(typ) {
	case "DEPOSIT", "ADD_TO_POOL":
		return "deposit"
	case "WITHDRAW", "REMOVE_FROM_POOL":
		return "withdraw"
	case "BORROW", "LOAN", "BORROW_FOX":
		return "borrow"
	case "REPAY", "REPAY_LOAN":
		return "repay"
	case "LIQUIDATE", "FORECLOSE_LOAN":
		return "liquidate"
	case "":
		return "unknown"
	}
	return strings.ToLower(typ)
}

func extractLendingRates(env model.EventEnvelope, tx gjson.Result, rule *Rule) []model.LendingRate {
	pool, protocol, ok := rule.program(env)
	if !ok {
		if env.Source == "" {
			return nil
		}
		protocol = strings.ToLower(env.Source)
	}
	if p := tx.Get("events.lending.pool").String(); p != "" {
		pool = p
	}

	first := tx.Get("tokenTransfers.0")
	lending := tx.Get("events.lending")
	rec := model.LendingRate{
		Signature:   env.Signature,
		PoolAddress: pool,
		Protocol:    protocol,
		TokenMint:   first.Get("mint").String(),
		Action:      lendingAction(env.Type),
		Amount:      first.Get("tokenAmount").Float(),
		BorrowRate:  lending.Get("borrowRate").Float(),
		SupplyRate:  lending.Get("supplyRate").Float(),
		Utilization: lending.Get("utilization").Float(),
		BlockTime:   env.Timestamp,
	}
	return []model.LendingRate{rec}
}
