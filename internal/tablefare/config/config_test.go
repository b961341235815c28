package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTerminalRoutes(t *testing.T) {
	routes := ParseTerminalRoutes("CLV=clover, ING=ingenico")

	assert.Equal(t, map[string]string{
		"CLV": "clover",
		"ING": "ingenico",
	}, routes)
}

func TestParseTerminalRoutes_SkipsMalformedEntries(t *testing.T) {
	routes := ParseTerminalRoutes("CLV=clover,broken,=ingenico,X=")

	assert.Equal(t, map[string]string{"CLV": "clover"}, routes)
}

func TestParseTerminalRoutes_Empty(t *testing.T) {
	assert.Empty(t, ParseTerminalRoutes(""))
}
