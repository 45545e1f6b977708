package capture

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-behavior/images"
)

func writeImage(t *testing.T, path string, c color.RGBA) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}

	fh, err := os.Create(path)
	require.NoError(t, err)
	defer fh.Close()

	if filepath.Ext(path) == ".png" {
		require.NoError(t, png.Encode(fh, img))
	} else {
		require.NoError(t, jpeg.Encode(fh, img, &jpeg.Options{Quality: 100}))
	}
}

func TestConfigValidate(t *testing.T) {
	zero := 0
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		str     string
	}{
		{name: "device", config: Config{Device: &zero}, str: "device:0"},
		{name: "path", config: Config{Path: "clip.mp4"}, str: "file:clip.mp4"},
		{name: "directory", config: Config{Directory: "frames"}, str: "directory:frames"},
		{name: "none", config: Config{}, wantErr: true},
		{name: "two", config: Config{Path: "a.mp4", Directory: "frames"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.str, tt.config.String())
		})
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource(
		images.NewFrame(1, 1, []byte{1, 2, 3}),
		images.NewFrame(1, 1, []byte{4, 5, 6}),
	)

	f, ok := src.Read()
	require.True(t, ok)
	assert.Equal(t, uint64(0), f.Seq)

	f, ok = src.Read()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, []byte{4, 5, 6}, f.Data)

	_, ok = src.Read()
	assert.False(t, ok)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.Equal(t, 2, src.Closes())
}

func TestListFrameFilesSortsNumerically(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "frame-10.png"), color.RGBA{A: 255})
	writeImage(t, filepath.Join(dir, "frame-2.png"), color.RGBA{A: 255})
	writeImage(t, filepath.Join(dir, "1.jpg"), color.RGBA{A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	files, err := ListFrameFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{files[0].Frame, files[1].Frame, files[2].Frame})
	assert.Equal(t, filepath.Join(dir, "frame-10.png"), files[2].Path)
}

func TestListFrameFilesRejectsUnnumbered(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "cover.png"), color.RGBA{A: 255})

	_, err := ListFrameFiles(dir)
	assert.Error(t, err)
}

func TestDirectorySourceDecodesBGR(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "frame-0.png"), color.RGBA{R: 200, G: 100, B: 10, A: 255})
	writeImage(t, filepath.Join(dir, "frame-1.png"), color.RGBA{R: 1, G: 2, B: 3, A: 255})

	src, err := OpenDirectory(dir, false)
	require.NoError(t, err)
	defer src.Close()

	f, ok := src.Read()
	require.True(t, ok)
	require.NoError(t, f.Validate())
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, images.ColorOrderBGR, f.Order)
	b, g, r := f.Pixel(0, 0)
	assert.Equal(t, [3]byte{10, 100, 200}, [3]byte{b, g, r})

	f, ok = src.Read()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)

	_, ok = src.Read()
	assert.False(t, ok)
}

func TestDirectorySourceLoop(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "frame-0.png"), color.RGBA{A: 255})

	src, err := OpenDirectory(dir, true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f, ok := src.Read()
		require.True(t, ok)
		assert.Equal(t, uint64(i), f.Seq)
	}

	require.NoError(t, src.Close())
	_, ok := src.Read()
	assert.False(t, ok)
}

func TestDirectorySourceStopsOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame-0.jpg"), []byte("not a jpeg"), 0o600))

	src, err := OpenDirectory(dir, true)
	require.NoError(t, err)

	_, ok := src.Read()
	assert.False(t, ok)
	_, ok = src.Read()
	assert.False(t, ok)
}

func TestOpenDirectoryEmpty(t *testing.T) {
	_, err := OpenDirectory(t.TempDir(), false)
	assert.Error(t, err)
}
