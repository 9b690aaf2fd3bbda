package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taxresearch/internal/config"
	"taxresearch/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoSources is returned when neither sheets nor a notes directory are configured.
var ErrNoSources = errors.New("no research sources configured")

// Collector gathers every research source into numbered documents.
type Collector struct {
	client  *Client
	cfg     config.ResearchConfig
	logger  *zap.Logger
	nowFunc func() time.Time
}

func NewCollector(cfg config.ResearchConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		client:  NewClient(cfg.BaseURL, cfg.Token, logger),
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Gather fetches all configured sheets concurrently and converts them into
// documents ordered carryforward, tax rates, methodology, pre/post, nexus,
// exclusions, limitations, then local notes. Document ids are doc_<n>.
func (c *Collector) Gather(ctx context.Context) ([]models.Document, error) {
	sheets := make([]*Sheet, len(config.SheetKeys))
	configured := 0

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range config.SheetKeys {
		id := c.cfg.Sheets[key]
		if id == "" {
			c.logger.Warn("research sheet not configured", zap.String("sheet", key))
			continue
		}
		configured++
		g.Go(func() error {
			sheet, err := c.client.FetchSheet(gctx, id)
			if err != nil {
				return fmt.Errorf("%s sheet: %w", key, err)
			}
			c.logger.Debug("research sheet fetched",
				zap.String("sheet", key),
				zap.Int("rows", len(sheet.Rows)))
			sheets[i] = sheet
			return nil
		})
	}
	if configured == 0 && c.cfg.Dir == "" {
		return nil, ErrNoSources
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var facts []Fact
	for i, key := range config.SheetKeys {
		if sheets[i] == nil {
			continue
		}
		converted, err := c.convert(key, sheets[i])
		if err != nil {
			return nil, fmt.Errorf("%s sheet: %w", key, err)
		}
		facts = append(facts, converted...)
	}

	if c.cfg.Dir != "" {
		notes, err := NewNotesLoader(ctx)
		if err != nil {
			return nil, err
		}
		noteFacts, err := notes.LoadDir(ctx, c.cfg.Dir)
		if err != nil {
			return nil, err
		}
		facts = append(facts, noteFacts...)
	}

	c.logger.Info("research gathered", zap.Int("documents", len(facts)))
	return NumberFacts(facts, c.nowFunc()), nil
}

func (c *Collector) convert(key string, sheet *Sheet) ([]Fact, error) {
	switch key {
	case config.SheetCarryforward:
		return CarryforwardFacts(ImportByYear(sheet)), nil
	case config.SheetTaxRates:
		values, err := ImportProvisions(sheet, c.cfg.TaxYear)
		if err != nil {
			return nil, err
		}
		return TaxRateFacts(values), nil
	case config.SheetMethodology:
		values, err := ImportProvisions(sheet, c.cfg.TaxYear)
		if err != nil {
			return nil, err
		}
		return MethodologyFacts(values), nil
	case config.SheetPrePost:
		return PrePostFacts(ImportPrePost(sheet)), nil
	case config.SheetNexus:
		return NexusFacts(ImportNexus(sheet)), nil
	case config.SheetExclusions:
		values, err := ImportExclusions(sheet, c.cfg.TaxYear)
		if err != nil {
			return nil, err
		}
		return ExclusionFacts(values), nil
	case config.SheetLimitations:
		return LimitationFacts(ImportByYear(sheet)), nil
	default:
		return nil, fmt.Errorf("unknown research sheet %s", key)
	}
}

// NumberFacts assigns sequential document ids.
func NumberFacts(facts []Fact, now time.Time) []models.Document {
	docs := make([]models.Document, 0, len(facts))
	for i, f := range facts {
		docs = append(docs, models.Document{
			ID:        fmt.Sprintf("doc_%d", i),
			Topic:     f.Topic,
			Content:   f.Text,
			CreatedAt: now,
		})
	}
	return docs
}
