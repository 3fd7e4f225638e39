package registry

// kiroModels lists the Claude models reachable through the CodeWhisperer
// upstream, newest first. Dated ids carry their upstream identifier; the
// short aliases map onto the same upstream ids so that clients pinned to
// either naming scheme resolve identically.
var kiroModels = []*ModelInfo{
	{
		ID:               "claude-sonnet-4-5-20250929",
		Object:           "model",
		Created:          1759104000,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Sonnet 4.5",
		Version:          "20250929",
		Description:      "Claude Sonnet 4.5 served via the CodeWhisperer backend",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_SONNET_4_5_20250929_V1_0",
	},
	{
		ID:               "claude-haiku-4-5-20251001",
		Object:           "model",
		Created:          1759276800,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Haiku 4.5",
		Version:          "20251001",
		Description:      "Claude Haiku 4.5 served via the CodeWhisperer backend",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_HAIKU_4_5_20251001_V1_0",
	},
	{
		ID:               "claude-opus-4-1-20250805",
		Object:           "model",
		Created:          1754352000,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Opus 4.1",
		Version:          "20250805",
		Description:      "Claude Opus 4.1 served via the CodeWhisperer backend",
		InputTokenLimit:  200000,
		OutputTokenLimit: 32000,
		Upstream:         "CLAUDE_OPUS_4_1_20250805_V1_0",
	},
	{
		ID:               "claude-sonnet-4-20250514",
		Object:           "model",
		Created:          1747180800,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Sonnet 4",
		Version:          "20250514",
		Description:      "Claude Sonnet 4 served via the CodeWhisperer backend",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_SONNET_4_20250514_V1_0",
	},
	{
		ID:               "claude-3-7-sonnet-20250219",
		Object:           "model",
		Created:          1739923200,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude 3.7 Sonnet",
		Version:          "20250219",
		Description:      "Claude 3.7 Sonnet served via the CodeWhisperer backend",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_3_7_SONNET_20250219_V1_0",
	},
	{
		ID:               "claude-sonnet-4-5",
		Object:           "model",
		Created:          1759104000,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Sonnet 4.5",
		Version:          "20250929",
		Description:      "Alias of claude-sonnet-4-5-20250929",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_SONNET_4_5_20250929_V1_0",
	},
	{
		ID:               "claude-haiku-4-5",
		Object:           "model",
		Created:          1759276800,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Haiku 4.5",
		Version:          "20251001",
		Description:      "Alias of claude-haiku-4-5-20251001",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_HAIKU_4_5_20251001_V1_0",
	},
	{
		ID:               "claude-opus-4-1",
		Object:           "model",
		Created:          1754352000,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Opus 4.1",
		Version:          "20250805",
		Description:      "Alias of claude-opus-4-1-20250805",
		InputTokenLimit:  200000,
		OutputTokenLimit: 32000,
		Upstream:         "CLAUDE_OPUS_4_1_20250805_V1_0",
	},
	{
		ID:               "claude-sonnet-4",
		Object:           "model",
		Created:          1747180800,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude Sonnet 4",
		Version:          "20250514",
		Description:      "Alias of claude-sonnet-4-20250514",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_SONNET_4_20250514_V1_0",
	},
	{
		ID:               "claude-3-7-sonnet",
		Object:           "model",
		Created:          1739923200,
		OwnedBy:          "anthropic",
		Type:             "kiro",
		DisplayName:      "Claude 3.7 Sonnet",
		Version:          "20250219",
		Description:      "Alias of claude-3-7-sonnet-20250219",
		InputTokenLimit:  200000,
		OutputTokenLimit: 64000,
		Upstream:         "CLAUDE_3_7_SONNET_20250219_V1_0",
	},
}

// GetKiroModels returns the static model definitions for the CodeWhisperer
// channel. Callers must not mutate the returned records.
func GetKiroModels() []*ModelInfo {
	return kiroModels
}
