package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWithFieldsWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf))

	log.WithFields(Fields{"supermarket": "mercadona", "selected": 10}).
		Info().
		Msg("batch finished")

	out := buf.String()
	assert.Contains(t, out, `"supermarket":"mercadona"`)
	assert.Contains(t, out, `"selected":10`)
	assert.Contains(t, out, `"message":"batch finished"`)
}

func TestWithErrorAndContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf)).WithError(errors.New("boom"))

	ctx := log.Attach(context.Background())
	New(zerolog.Nop()).WithContext(ctx).Warn().Msg("from context")

	assert.Contains(t, buf.String(), `"error":"boom"`)
	assert.Contains(t, buf.String(), "from context")
}

func TestWithContextFallsBack(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf))

	log.WithContext(context.Background()).Info().Msg("fallback")
	assert.Contains(t, buf.String(), "fallback")
}
