package qr

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPNG(t *testing.T) {
	g := NewGenerator(128)
	data, err := g.PNG("https://print.example/api/v1/download/5?token=abc")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
}

func TestBase64PNG(t *testing.T) {
	g := NewGenerator(0)
	s, err := g.Base64PNG("TB-20240101-ABCDEF")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
}

func TestEmptyContent(t *testing.T) {
	_, err := NewGenerator(64).PNG("")
	assert.Error(t, err)
}
