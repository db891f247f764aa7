package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/router"
)

func TestListenerConfigValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := router.NewRouter(logger, nil)

	_, err := NewListenerConfig().Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Logger")
	assert.Contains(t, err.Error(), "Router")

	_, err = NewListenerConfig().WithLogger(logger).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Router")

	_, err = NewListenerConfig().
		WithLogger(logger).
		WithRouter(r).
		WithDefaultFormat(codec.Format("xml")).
		Build()
	require.Error(t, err)

	l, err := NewListenerConfig().WithLogger(logger).WithRouter(r).Build()
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 0, l.ConnectionCount())
}

func TestFormatForSubprotocol(t *testing.T) {
	config := NewListenerConfig()

	assert.Equal(t, codec.FormatJSON, config.formatForSubprotocol(SubprotocolJSON))
	assert.Equal(t, codec.FormatEDN, config.formatForSubprotocol(SubprotocolEDN))
	assert.Equal(t, codec.FormatMsgpack, config.formatForSubprotocol(SubprotocolMsgpack))

	// No subprotocol negotiated: the configured default applies.
	assert.Equal(t, codec.FormatJSON, config.formatForSubprotocol(""))

	config.WithDefaultFormat(codec.FormatMsgpack)
	assert.Equal(t, codec.FormatMsgpack, config.formatForSubprotocol(""))
	assert.Equal(t, codec.FormatMsgpack, config.formatForSubprotocol("unknown"))
}
