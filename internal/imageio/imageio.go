// Package imageio converts decoded pixel tensors to images and writes them:
// single samples, the reference copy and the contact-sheet grid.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// GridPadding is the gap between grid cells and around the border.
const GridPadding = 2

// Normalize maps decoder output in [-1, 1] to [0, 1], clamping.
func Normalize(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Clamp(tensor.Scale(tensor.AddScalar(x, 1), 0.5), 0, 1)
}

// ToRGBA converts a [3, H, W] (or [1, 3, H, W]) tensor in [0, 1] to an
// opaque image. Channel values are scaled by 255 and truncated.
func ToRGBA(x *tensor.Tensor) (*image.RGBA, error) {
	shape := x.Shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[0] != 3 {
		return nil, fmt.Errorf("to image: shape %v, want [3, H, W]", x.Shape)
	}
	H, W := shape[1], shape[2]
	rgba := image.NewRGBA(image.Rect(0, 0, W, H))
	for y := 0; y < H; y++ {
		for xx := 0; xx < W; xx++ {
			r := x.Data[0*H*W+y*W+xx]
			g := x.Data[1*H*W+y*W+xx]
			b := x.Data[2*H*W+y*W+xx]
			rgba.SetRGBA(xx, y, color.RGBA{
				R: toByte(r),
				G: toByte(g),
				B: toByte(b),
				A: 255,
			})
		}
	}
	return rgba, nil
}

// toByte maps NaN to 0.
func toByte(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

// SavePNG writes img to path.
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Grid lays images out nrow per row on a black canvas with GridPadding
// pixels between and around cells, like torchvision's make_grid. A single
// image is returned as is. All images must share the first image's size.
func Grid(imgs []*image.RGBA, nrow int) (*image.RGBA, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("grid: no images")
	}
	if len(imgs) == 1 {
		return imgs[0], nil
	}
	if nrow <= 0 {
		return nil, fmt.Errorf("grid: nrow must be positive, got %d", nrow)
	}
	cell := imgs[0].Bounds().Size()
	cols := min(nrow, len(imgs))
	rows := (len(imgs) + cols - 1) / cols
	h, w := cell.Y+GridPadding, cell.X+GridPadding

	canvas := image.NewRGBA(image.Rect(0, 0, w*cols+GridPadding, h*rows+GridPadding))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, draw.Src)
	for i, img := range imgs {
		if img.Bounds().Size() != cell {
			return nil, fmt.Errorf("grid: image %d is %v, want %v", i, img.Bounds().Size(), cell)
		}
		x, y := (i%cols)*w+GridPadding, (i/cols)*h+GridPadding
		draw.Draw(canvas, image.Rect(x, y, x+cell.X, y+cell.Y), img, img.Bounds().Min, draw.Src)
	}
	return canvas, nil
}

// CopyAsPNG decodes the image at src (PNG, JPEG, GIF, BMP, TIFF or WebP)
// and writes it to dst as PNG.
func CopyAsPNG(src, dst string) (image.Image, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src, err)
	}
	if err := SavePNG(img, dst); err != nil {
		return nil, err
	}
	return img, nil
}
