// Package tokens meters message content in model tokens.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"conversation-api/internal/domain/ports/adapter"
)

// DefaultEncodingModel is the model whose encoding is used for metering.
const DefaultEncodingModel = "gpt-3.5-turbo"

var (
	_ adapter.TokenCounter = (*TiktokenCounter)(nil)
	_ adapter.TokenCounter = CountFunc(nil)

	loaderOnce sync.Once

	// special tokens are counted like any other text instead of panicking
	allSpecial = []string{"all"}
)

// TiktokenCounter counts tokens with the BPE encoding of a fixed model.
type TiktokenCounter struct {
	enc   *tiktoken.Tiktoken
	model string
}

// NewTiktokenCounter resolves the encoding for modelName. BPE ranks are read
// from the embedded offline loader, never from the network.
func NewTiktokenCounter(modelName string) (*TiktokenCounter, error) {
	if modelName == "" {
		modelName = DefaultEncodingModel
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding for %q: %w", modelName, err)
	}
	return &TiktokenCounter{enc: enc, model: modelName}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, allSpecial, nil))
}

func (c *TiktokenCounter) Model() string { return c.model }

// CountFunc adapts a plain function to adapter.TokenCounter.
type CountFunc func(text string) int

func (f CountFunc) Count(text string) int { return f(text) }
