package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tier orders models from cheapest/fastest to most capable.
type Tier string

const (
	TierFastest     Tier = "fastest"
	TierFast        Tier = "fast"
	TierBalanced    Tier = "balanced"
	TierCapable     Tier = "capable"
	TierMostCapable Tier = "most_capable"
)

// Validate enforces supported tier values.
func (t Tier) Validate() error {
	switch t {
	case TierFastest, TierFast, TierBalanced, TierCapable, TierMostCapable:
		return nil
	default:
		return fmt.Errorf("unsupported tier: %q", t)
	}
}

// Rank returns the tier's capability rank, fastest=0.
func (t Tier) Rank() int {
	switch t {
	case TierFastest:
		return 0
	case TierFast:
		return 1
	case TierBalanced:
		return 2
	case TierCapable:
		return 3
	case TierMostCapable:
		return 4
	default:
		return -1
	}
}

// tiersDescending lists tiers from most capable to fastest.
var tiersDescending = []Tier{TierMostCapable, TierCapable, TierBalanced, TierFast, TierFastest}

// Model is one catalog entry: identity, capability, ceiling, cost, regions.
type Model struct {
	ID                 string   `json:"id"`
	Provider           string   `json:"provider"`
	Tier               Tier     `json:"tier"`
	MaxOutputTokens    int      `json:"max_output_tokens"`
	SupportsTools      bool     `json:"supports_tools"`
	SupportsReasoning  bool     `json:"supports_reasoning"`
	MaxReasoningTokens int      `json:"max_reasoning_tokens"`
	CostPer1MOutputUSD float64  `json:"cost_per_1m_output_usd"`
	Regions            []string `json:"regions"`
}

// Validate enforces model entry invariants.
func (m Model) Validate() error {
	if m.ID == "" || m.Provider == "" {
		return fmt.Errorf("model id and provider are required")
	}
	if err := m.Tier.Validate(); err != nil {
		return fmt.Errorf("model %s: %w", m.ID, err)
	}
	if m.MaxOutputTokens < 1 {
		return fmt.Errorf("model %s: max_output_tokens must be >=1", m.ID)
	}
	if m.SupportsReasoning && m.MaxReasoningTokens < 1 {
		return fmt.Errorf("model %s: reasoning support requires max_reasoning_tokens >=1", m.ID)
	}
	if !m.SupportsReasoning && m.MaxReasoningTokens != 0 {
		return fmt.Errorf("model %s: max_reasoning_tokens requires supports_reasoning", m.ID)
	}
	if m.CostPer1MOutputUSD < 0 {
		return fmt.Errorf("model %s: cost_per_1m_output_usd must be >=0", m.ID)
	}
	if len(m.Regions) == 0 {
		return fmt.Errorf("model %s: at least one region is required", m.ID)
	}
	for _, region := range m.Regions {
		if region == "" {
			return fmt.Errorf("model %s: empty region entry", m.ID)
		}
	}
	return nil
}

// Document is the catalog file shape, mirrored by docs/model_catalog.schema.json.
type Document struct {
	SchemaVersion  string   `json:"schema_version"`
	RegionFallback []string `json:"region_fallback"`
	Models         []Model  `json:"models"`
}

// Catalog is an immutable, validated model and region view.
type Catalog struct {
	byID    map[string]Model
	byTier  map[Tier][]Model
	regions []string
}

// New builds a catalog from a document, validating every entry.
func New(doc Document) (*Catalog, error) {
	if doc.SchemaVersion == "" {
		return nil, fmt.Errorf("schema_version is required")
	}
	if len(doc.RegionFallback) == 0 {
		return nil, fmt.Errorf("region_fallback requires at least one region")
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("at least one model is required")
	}

	cat := &Catalog{
		byID:    make(map[string]Model, len(doc.Models)),
		byTier:  map[Tier][]Model{},
		regions: append([]string(nil), doc.RegionFallback...),
	}
	for _, model := range doc.Models {
		if err := model.Validate(); err != nil {
			return nil, err
		}
		if _, exists := cat.byID[model.ID]; exists {
			return nil, fmt.Errorf("duplicate model id: %s", model.ID)
		}
		model.Regions = append([]string(nil), model.Regions...)
		cat.byID[model.ID] = model
		cat.byTier[model.Tier] = append(cat.byTier[model.Tier], model)
	}
	for tier := range cat.byTier {
		models := cat.byTier[tier]
		sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	}
	return cat, nil
}

// Parse strictly decodes and schema-validates raw JSON into a catalog.
func Parse(raw []byte) (*Catalog, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := compiledSchema().Validate(payload); err != nil {
		return nil, fmt.Errorf("catalog schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := dec.Decode(new(any)); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing JSON payload")
	}
	return New(doc)
}

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// ByID looks up a model.
func (c *Catalog) ByID(id string) (Model, bool) {
	model, ok := c.byID[id]
	return model, ok
}

// Models returns all entries in deterministic order (tier rank, then ID).
func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.byID))
	for _, tier := range tiersDescending {
		out = append(out, c.byTier[tier]...)
	}
	return out
}

// TierModels returns the tier's entries ordered by ID.
func (c *Catalog) TierModels(tier Tier) []Model {
	return append([]Model(nil), c.byTier[tier]...)
}

// FirstIn returns the tier's deterministic representative (lowest ID).
func (c *Catalog) FirstIn(tier Tier) (Model, bool) {
	models := c.byTier[tier]
	if len(models) == 0 {
		return Model{}, false
	}
	return models[0], true
}

// CheapestIn returns the tier's lowest-cost entry (ties break on ID).
func (c *Catalog) CheapestIn(tier Tier) (Model, bool) {
	models := c.byTier[tier]
	if len(models) == 0 {
		return Model{}, false
	}
	cheapest := models[0]
	for _, model := range models[1:] {
		if model.CostPer1MOutputUSD < cheapest.CostPer1MOutputUSD {
			cheapest = model
		}
	}
	return cheapest, true
}

// MostCapableIn returns the tier's highest-cost entry; cost is the only
// intra-tier capability signal the catalog carries (ties break on ID).
func (c *Catalog) MostCapableIn(tier Tier) (Model, bool) {
	models := c.byTier[tier]
	if len(models) == 0 {
		return Model{}, false
	}
	best := models[0]
	for _, model := range models[1:] {
		if model.CostPer1MOutputUSD > best.CostPer1MOutputUSD {
			best = model
		}
	}
	return best, true
}

// ToolCapableIn returns the tier's first tool-capable entry.
func (c *Catalog) ToolCapableIn(tier Tier) (Model, bool) {
	for _, model := range c.byTier[tier] {
		if model.SupportsTools {
			return model, true
		}
	}
	return Model{}, false
}

// FallbackFrom builds the degradation chain for a selected model: the model
// itself, then each lower tier's representative, ending at the fastest
// tier's cheapest entry.
func (c *Catalog) FallbackFrom(modelID string) ([]Model, error) {
	selected, ok := c.byID[modelID]
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", modelID)
	}
	chain := []Model{selected}
	seen := map[string]bool{selected.ID: true}
	for _, tier := range tiersDescending {
		if tier.Rank() >= selected.Tier.Rank() {
			continue
		}
		var candidate Model
		var found bool
		if tier == TierFastest {
			candidate, found = c.CheapestIn(tier)
		} else {
			candidate, found = c.FirstIn(tier)
		}
		if !found || seen[candidate.ID] {
			continue
		}
		chain = append(chain, candidate)
		seen[candidate.ID] = true
	}
	return chain, nil
}

// RegionFallback returns the fixed region fallback order.
func (c *Catalog) RegionFallback() []string {
	return append([]string(nil), c.regions...)
}

// Availability reports whether a model is currently served in a region.
type Availability interface {
	Available(modelID, region string) bool
}

// StaticAvailability derives availability from catalog region lists, with
// per-pair overrides for outages.
type StaticAvailability struct {
	mu        sync.RWMutex
	serving   map[string]map[string]bool
	overrides map[string]bool
}

// NewStaticAvailability builds the availability view for a catalog.
func NewStaticAvailability(c *Catalog) *StaticAvailability {
	serving := map[string]map[string]bool{}
	for _, model := range c.Models() {
		regions := make(map[string]bool, len(model.Regions))
		for _, region := range model.Regions {
			regions[region] = true
		}
		serving[model.ID] = regions
	}
	return &StaticAvailability{serving: serving, overrides: map[string]bool{}}
}

// Available implements Availability.
func (s *StaticAvailability) Available(modelID, region string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if down, ok := s.overrides[modelID+"/"+region]; ok && down {
		return false
	}
	regions, ok := s.serving[modelID]
	return ok && regions[region]
}

// SetOutage marks or clears a model/region pair as unavailable.
func (s *StaticAvailability) SetOutage(modelID, region string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[modelID+"/"+region] = down
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		schema = jsonschema.MustCompileString("model_catalog.schema.json", modelCatalogSchema)
	})
	return schema
}
