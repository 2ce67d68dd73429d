package anthropic

// BuildCachedSystemBlocks constructs a system block with an ephemeral cache
// breakpoint. An empty text yields no blocks.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
