package catalog

// DefaultDocument is the built-in catalog used when no file is configured.
// Values are deployment configuration, not code contracts; regions follow
// the fixed fallback order us-east-1, us-west-2, eu-west-1.
func DefaultDocument() Document {
	return Document{
		SchemaVersion:  "v1.0",
		RegionFallback: []string{"us-east-1", "us-west-2", "eu-west-1"},
		Models: []Model{
			{
				ID:                 "amazon.nova-micro-v1:0",
				Provider:           "bedrock",
				Tier:               TierFastest,
				MaxOutputTokens:    4096,
				SupportsTools:      false,
				SupportsReasoning:  false,
				CostPer1MOutputUSD: 0.14,
				Regions:            []string{"us-east-1", "us-west-2"},
			},
			{
				ID:                 "amazon.titan-text-lite-v1",
				Provider:           "bedrock",
				Tier:               TierFastest,
				MaxOutputTokens:    4096,
				SupportsTools:      false,
				SupportsReasoning:  false,
				CostPer1MOutputUSD: 0.10,
				Regions:            []string{"us-east-1"},
			},
			{
				ID:                 "amazon.nova-lite-v1:0",
				Provider:           "bedrock",
				Tier:               TierFast,
				MaxOutputTokens:    4096,
				SupportsTools:      true,
				SupportsReasoning:  false,
				CostPer1MOutputUSD: 0.24,
				Regions:            []string{"us-east-1", "us-west-2", "eu-west-1"},
			},
			{
				ID:                 "anthropic.claude-3-5-haiku-20241022-v1:0",
				Provider:           "bedrock",
				Tier:               TierBalanced,
				MaxOutputTokens:    8192,
				SupportsTools:      true,
				SupportsReasoning:  false,
				CostPer1MOutputUSD: 4.0,
				Regions:            []string{"us-east-1", "us-west-2"},
			},
			{
				ID:                 "anthropic.claude-3-5-sonnet-20241022-v2:0",
				Provider:           "bedrock",
				Tier:               TierCapable,
				MaxOutputTokens:    8192,
				SupportsTools:      true,
				SupportsReasoning:  false,
				CostPer1MOutputUSD: 15.0,
				Regions:            []string{"us-east-1", "us-west-2", "eu-west-1"},
			},
			{
				ID:                 "anthropic.claude-3-7-sonnet-20250219-v1:0",
				Provider:           "bedrock",
				Tier:               TierMostCapable,
				MaxOutputTokens:    16384,
				SupportsTools:      true,
				SupportsReasoning:  true,
				MaxReasoningTokens: 8192,
				CostPer1MOutputUSD: 15.0,
				Regions:            []string{"us-east-1", "us-west-2"},
			},
		},
	}
}

// Default returns the built-in catalog. The default document is compile-time
// data, so construction failure is a programmer error.
func Default() *Catalog {
	cat, err := New(DefaultDocument())
	if err != nil {
		panic("catalog: default document invalid: " + err.Error())
	}
	return cat
}
