package request

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullisland/planetstream/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Add(registry.ServerConfig{
		Name:        "osm",
		MapType:     "street",
		URLTemplate: "https://{s}.tile.osm.org/{z}/{x}/{y}.png",
		Width:       2,
		Height:      2,
		MaxLevel:    10,
		ImgFormat:   registry.FormatPNG,
		Shards:      []string{"a", "b", "c"},
	}))
	return reg
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTileFetchIdValidate(t *testing.T) {
	reg := testRegistry(t)
	req := TileFetchId{ServerName: "osm", X: 1, Y: 1, Z: 2, Extension: "png"}
	assert.NoError(t, req.Validate(reg))

	tooDeep := TileFetchId{ServerName: "osm", X: 1, Y: 1, Z: 11, Extension: "png"}
	assert.Error(t, tooDeep.Validate(reg))

	wrongExt := TileFetchId{ServerName: "osm", X: 1, Y: 1, Z: 2, Extension: "jpg"}
	assert.Error(t, wrongExt.Validate(reg))

	outOfRange := TileFetchId{ServerName: "osm", X: 9, Y: 1, Z: 2, Extension: "png"}
	assert.Error(t, outOfRange.Validate(reg))
}

func TestTileFetchIdURLSubstitutesShardAndQuadkey(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Add(registry.ServerConfig{
		Name:        "bing",
		URLTemplate: "https://t{s}.virtualearth.net/a{bing_quadkey}.jpeg",
		Width:       256,
		Height:      256,
		MaxLevel:    19,
		ImgFormat:   registry.FormatJPEG,
		Shards:      []string{"0", "1"},
	}))
	req := TileFetchId{ServerName: "bing", X: 3, Y: 5, Z: 3, Extension: "jpeg"}
	url, err := req.URL(reg, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://t0.virtualearth.net/a213.jpeg", url)

	url2, err := req.URL(reg, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://t1.virtualearth.net/a213.jpeg", url2)
}

func TestTileFetchIdParseAcceptsMatchingDimensions(t *testing.T) {
	reg := testRegistry(t)
	req := TileFetchId{ServerName: "osm", X: 0, Y: 0, Z: 0, Extension: "png"}
	data := encodePNG(t, 2, 2)
	result, err := req.Parse(reg, data)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Width)
	assert.Equal(t, 2, result.Height)
	assert.Equal(t, "png", result.Format)
}

func TestTileFetchIdParseRejectsWrongDimensions(t *testing.T) {
	reg := testRegistry(t)
	req := TileFetchId{ServerName: "osm", X: 0, Y: 0, Z: 0, Extension: "png"}
	data := encodePNG(t, 4, 4) // server declares 2x2
	_, err := req.Parse(reg, data)
	assert.Error(t, err)
}

func TestTileFetchIdFinalPath(t *testing.T) {
	reg := testRegistry(t)
	req := TileFetchId{ServerName: "osm", X: 1, Y: 2, Z: 3, Extension: "png"}
	assert.Equal(t, "street/osm/3/1/2.png", req.FinalPath(reg))
}

func TestTileFetchIdFinalPathUnknownServerOmitsMapType(t *testing.T) {
	reg := registry.New()
	req := TileFetchId{ServerName: "ghost", X: 1, Y: 2, Z: 3, Extension: "png"}
	assert.Equal(t, "/ghost/3/1/2.png", req.FinalPath(reg))
}

func TestOSMGeoSearchValidateRejectsEmpty(t *testing.T) {
	req := OSMGeoSearch{Query: "  "}
	assert.Error(t, req.Validate(nil))
}

func TestOSMGeoSearchFinalPathIsSanitized(t *testing.T) {
	req := OSMGeoSearch{Query: "San Francisco, CA"}
	path := req.FinalPath(nil)
	assert.Contains(t, path, "geojson/")
	assert.True(t, len(path) > len("geojson/.geo.json"))
}

func TestOSMGeoSearchFinalPathDistinguishesNearQueries(t *testing.T) {
	a := OSMGeoSearch{Query: "New York!"}
	b := OSMGeoSearch{Query: "New...York"}
	assert.NotEqual(t, a.FinalPath(nil), b.FinalPath(nil))
}
