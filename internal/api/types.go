package api

type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Store       *bool    `json:"store,omitempty"`
}

type Generation struct {
	ID          string  `json:"id"`
	Object      string  `json:"object"`
	CreatedAt   int64   `json:"created_at"`
	Prompt      string  `json:"prompt"`
	Text        string  `json:"text"`
	Tokens      []int   `json:"tokens"`
	Generated   int     `json:"generated"`
	StopReason  string  `json:"stop_reason"`
	Temperature float64 `json:"temperature"`
}

type DeleteGenerationResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ModelInfo struct {
	Object     string `json:"object"`
	VocabSize  int    `json:"vocab_size"`
	BlockSize  int    `json:"block_size"`
	NEmbed     int    `json:"n_embed"`
	NumHeads   int    `json:"num_heads"`
	NBlocks    int    `json:"n_blocks"`
	T          int    `json:"T"`
	EnergyFn   string `json:"energy_fn_name"`
	EOSTokenID *int   `json:"eos_token_id"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
