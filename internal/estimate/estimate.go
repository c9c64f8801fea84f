// Package estimate computes token counts and cost estimates for transcripts.
package estimate

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/loremonger/pkg/models"
)

// RatePerToken is the input cost in dollars per token.
const RatePerToken = 0.05 / 1_000_000

// ErrUnsupportedModel matches every *UnsupportedModelError.
var ErrUnsupportedModel = errors.New("unsupported model")

// UnsupportedModelError is returned for models with no known encoding.
type UnsupportedModelError struct {
	Model string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("no tokenizer for model %q", e.Model)
}

func (e *UnsupportedModelError) Is(target error) bool {
	return target == ErrUnsupportedModel
}

// Stats summarizes a transcript.
type Stats struct {
	Tokens int     `json:"tokens"`
	Words  int     `json:"words"`
	Cost   float64 `json:"cost"`
}

// prefix table; longer prefixes first so gpt-4o wins over gpt-4.
var encodings = []struct {
	prefix   string
	encoding tokenizer.Encoding
}{
	{"gpt-5", tokenizer.O200kBase},
	{"gpt-4o", tokenizer.O200kBase},
	{"gpt-4.1", tokenizer.O200kBase},
	{"o1", tokenizer.O200kBase},
	{"o3", tokenizer.O200kBase},
	{"o4", tokenizer.O200kBase},
	{"gpt-4", tokenizer.Cl100kBase},
	{"gpt-3.5", tokenizer.Cl100kBase},
	{"text-embedding-", tokenizer.Cl100kBase},
}

var codecs sync.Map // tokenizer.Encoding -> tokenizer.Codec

// EncodingFor returns the tokenizer encoding used by model.
func EncodingFor(model string) (tokenizer.Encoding, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, e := range encodings {
		if strings.HasPrefix(m, e.prefix) {
			return e.encoding, nil
		}
	}
	return "", &UnsupportedModelError{Model: model}
}

func codecFor(model string) (tokenizer.Codec, error) {
	enc, err := EncodingFor(model)
	if err != nil {
		return nil, err
	}
	if c, ok := codecs.Load(enc); ok {
		return c.(tokenizer.Codec), nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", enc, err)
	}
	actual, _ := codecs.LoadOrStore(enc, c)
	return actual.(tokenizer.Codec), nil
}

// TokenCount returns the number of tokens text encodes to for model.
func TokenCount(model, text string) (int, error) {
	codec, err := codecFor(model)
	if err != nil {
		return 0, err
	}
	if text == "" {
		return 0, nil
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return len(ids), nil
}

// Cost returns the dollar cost of tokens.
func Cost(tokens int) float64 {
	return float64(tokens) * RatePerToken
}

// Estimate returns the token count, word count and cost of text.
func Estimate(model, text string) (Stats, error) {
	tokens, err := TokenCount(model, text)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Tokens: tokens,
		Words:  models.CountWords(text),
		Cost:   Cost(tokens),
	}, nil
}

// FormatCost renders a cost in dollars with enough precision for small values.
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.6f", cost)
}
