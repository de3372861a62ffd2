package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `[
  {"planet":"earth","map_type":"satellite","name":"bing-aerial","url":"https://t{s}.tiles.virtualearth.net/tiles/a{bing_quadkey}.jpeg?g=1","width":256,"height":256,"max_level":19,"img_type":"jpg","servers":["0","1","2","3"]},
  {"planet":"earth","map_type":"street","name":"osm","url":"https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png","width":256,"height":256,"max_level":19,"img_type":"png"}
]`

func TestLoadFromParsesEntries(t *testing.T) {
	r := New()
	require.NoError(t, r.LoadFrom(strings.NewReader(sample)))

	bing, ok := r.Get("bing-aerial")
	require.True(t, ok)
	assert.Equal(t, FormatJPEG, bing.ImgFormat)
	assert.Equal(t, uint8(19), bing.MaxLevel)
	assert.Equal(t, []string{"0", "1", "2", "3"}, bing.Shards)

	osm, ok := r.Get("osm")
	require.True(t, ok)
	assert.Equal(t, FormatPNG, osm.ImgFormat)
	assert.Nil(t, osm.Shards)

	assert.Len(t, r.All(), 2)
}

func TestLoadFromRejectsDuplicateNames(t *testing.T) {
	r := New()
	dup := `[{"name":"a","img_type":"png"},{"name":"a","img_type":"png"}]`
	err := r.LoadFrom(strings.NewReader(dup))
	assert.Error(t, err)
}

func TestLoadFromRejectsEmptyShards(t *testing.T) {
	r := New()
	bad := `[{"name":"a","img_type":"png","servers":[]}]`
	err := r.LoadFrom(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestLoadFromRejectsUnknownFormat(t *testing.T) {
	r := New()
	bad := `[{"name":"a","img_type":"webp"}]`
	err := r.LoadFrom(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestAddRejectsEmptyShards(t *testing.T) {
	r := New()
	err := r.Add(ServerConfig{Name: "a", ImgFormat: FormatPNG, Shards: []string{}})
	assert.Error(t, err)
}
