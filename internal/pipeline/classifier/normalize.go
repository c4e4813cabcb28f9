package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
)

var (
	ErrInvalidPayload   = errors.New("payload is not valid JSON")
	ErrMissingSignature = errors.New("transaction has no signature")
)

// Normalize reduces one enhanced transaction to an envelope.
func Normalize(raw []byte) (model.EventEnvelope, error) {
	if !gjson.ValidBytes(raw) {
		return model.EventEnvelope{}, ErrInvalidPayload
	}
	tx := gjson.ParseBytes(raw)
	sig := tx.Get("signature").String()
	if sig == "" {
		return model.EventEnvelope{}, ErrMissingSignature
	}

	env := model.EventEnvelope{
		Signature:       sig,
		Type:            tx.Get("type").String(),
		Source:          tx.Get("source").String(),
		FeePayer:        tx.Get("feePayer").String(),
		TouchedAccounts: touchedAccounts(tx),
		Payload:         json.RawMessage(raw),
	}
	if ts := tx.Get("timestamp"); ts.Exists() && ts.Int() > 0 {
		env.Timestamp = time.Unix(ts.Int(), 0).UTC()
	}
	return env, nil
}

// NormalizeBatch accepts either an array of transactions or a single object.
// Elements without a signature are skipped and counted.
func NormalizeBatch(body []byte) ([]model.EventEnvelope, int, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, ErrInvalidPayload
	}
	root := gjson.ParseBytes(body)
	switch {
	case root.IsArray():
		items := root.Array()
		out := make([]model.EventEnvelope, 0, len(items))
		skipped := 0
		for _, item := range items {
			env, err := Normalize([]byte(item.Raw))
			if err != nil {
				skipped++
				continue
			}
			out = append(out, env)
		}
		return out, skipped, nil
	case root.IsObject():
		env, err := Normalize(body)
		if err != nil {
			return nil, 1, nil
		}
		return []model.EventEnvelope{env}, 0, nil
	default:
		return nil, 0, fmt.Errorf("%w: expected array or object", ErrInvalidPayload)
	}
}

func touchedAccounts(tx gjson.Result) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 16)
	add := func(r gjson.Result) {
		s := r.String()
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	add(tx.Get("feePayer"))
	tx.Get("accountData.#.account").ForEach(func(_, v gjson.Result) bool { add(v); return true })
	tx.Get("instructions").ForEach(func(_, ix gjson.Result) bool {
		add(ix.Get("programId"))
		ix.Get("accounts").ForEach(func(_, v gjson.Result) bool { add(v); return true })
		ix.Get("innerInstructions").ForEach(func(_, inner gjson.Result) bool {
			add(inner.Get("programId"))
			inner.Get("accounts").ForEach(func(_, v gjson.Result) bool { add(v); return true })
			return true
		})
		return true
	})
	tx.Get("tokenTransfers").ForEach(func(_, t gjson.Result) bool {
		add(t.Get("fromUserAccount"))
		add(t.Get("toUserAccount"))
		add(t.Get("mint"))
		return true
	})
	tx.Get("nativeTransfers").ForEach(func(_, t gjson.Result) bool {
		add(t.Get("fromUserAccount"))
		add(t.Get("toUserAccount"))
		return true
	})
	return out
}
