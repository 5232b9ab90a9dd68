package engine

import "github.com/cespare/xxhash/v2"

// ModelExecutor produces the next token for a request. Implementations must
// be deterministic for temperature zero: the token is a pure function of the
// token sequence so far, so a request resumed from a checkpoint generates
// the same continuation it would have without the interruption.
type ModelExecutor interface {
	NextToken(req *Request) int
}

// GreedyExecutor is a deterministic stand-in for a model forward pass: the
// next token is a hash of the full token history, the sampling seed, and the
// request's LoRA adapter. Finish-by-EOS is exercised by occasionally mapping
// onto the EOS token id.
type GreedyExecutor struct {
	cfg ModelConfig
}

// NewGreedyExecutor creates a GreedyExecutor. Panics when vocabSize is not
// greater than 1 or the EOS token id falls outside the vocabulary.
func NewGreedyExecutor(cfg ModelConfig) *GreedyExecutor {
	if cfg.VocabSize <= 1 {
		panic("NewGreedyExecutor: vocab size must be > 1")
	}
	if cfg.EOSTokenID < 0 || cfg.EOSTokenID >= cfg.VocabSize {
		panic("NewGreedyExecutor: EOS token id outside vocabulary")
	}
	return &GreedyExecutor{cfg: cfg}
}

func (e *GreedyExecutor) NextToken(req *Request) int {
	d := xxhash.New()
	var buf [8]byte
	writeInt := func(v int64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		d.Write(buf[:])
	}
	writeInt(req.Params.Seed)
	if req.LoRA != nil {
		writeInt(int64(req.LoRA.ID))
	}
	for _, t := range req.InputTokens {
		writeInt(int64(t))
	}
	for _, t := range req.OutputTokens {
		writeInt(int64(t))
	}
	return int(d.Sum64() % uint64(e.cfg.VocabSize))
}
