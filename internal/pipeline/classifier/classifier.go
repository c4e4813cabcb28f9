package classifier

import (
	"log/slog"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
)

// Classifier assigns normalized events to categories and extracts their records.
type Classifier struct {
	tables *Tables
	logger *slog.Logger
}

func New(tables *Tables, logger *slog.Logger) *Classifier {
	if tables == nil {
		tables = DefaultTables()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		tables: tables,
		logger: logger.With("component", "classifier"),
	}
}

// Classify returns every category among enabled whose rule matches env, in
// declaration order. It may return none.
func (c *Classifier) Classify(env model.EventEnvelope, enabled model.CategoryFlags) []model.Category {
	var out []model.Category
	for _, cat := range model.AllCategories {
		if !enabled.Enabled(cat) {
			continue
		}
		var rule *Rule
		switch cat {
		case model.CategoryNFTBid:
			rule = &c.tables.NFTBid
		case model.CategoryNFTPrice:
			rule = &c.tables.NFTPrice
		case model.CategoryTokenPrice:
			rule = &c.tables.TokenPrice
		case model.CategoryLendingRate:
			rule = &c.tables.LendingRate
		default:
			continue
		}
		if rule.matches(env) {
			out = append(out, cat)
		}
	}
	return out
}

// Stats summarizes one Process call.
type Stats struct {
	Events    int
	Matched   int
	Unmatched int
	Filtered  int
	Records   int
}

// Process classifies envs and extracts records for the enabled categories.
// When programs is non-empty, events touching none of them are filtered out.
func (c *Classifier) Process(envs []model.EventEnvelope, enabled model.CategoryFlags, programs []string) (model.CategoryBatch, Stats) {
	var (
		batch model.CategoryBatch
		stats = Stats{Events: len(envs)}
	)
	for _, env := range envs {
		if !touchesAny(env, programs) {
			stats.Filtered++
			continue
		}

		cats := c.Classify(env, enabled)
		if len(cats) == 0 {
			stats.Unmatched++
			metrics.EventsUnclassified.Inc()
			c.logger.Debug("event matched no category",
				"signature", env.Signature,
				"type", env.Type,
				"source", env.Source,
			)
			continue
		}

		stats.Matched++
		for _, cat := range cats {
			n := c.extract(env, cat, &batch)
			if n == 0 {
				c.logger.Debug("matched event yielded no records",
					"signature", env.Signature,
					"category", cat,
				)
				continue
			}
			stats.Records += n
			metrics.EventsClassified.WithLabelValues(cat.String()).Inc()
		}
	}
	return batch, stats
}

func touchesAny(env model.EventEnvelope, programs []string) bool {
	if len(programs) == 0 {
		return true
	}
	for _, p := range programs {
		if env.Touches(p) {
			return true
		}
	}
	return false
}
