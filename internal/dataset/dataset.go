// Package dataset resolves entries of a dataset.json index to the files
// behind them: the scan features, the reference image and the caption
// embeddings.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// IndexFile is the index name under the data path.
const IndexFile = "dataset.json"

type Index struct {
	Annotations []Annotation           `json:"annotations"`
	Images      map[string]ImageRecord `json:"images"`
}

type Annotation struct {
	// Beta is the scan feature file, relative to the data path.
	Beta string `json:"beta"`
	// Img keys Index.Images. The index stores it as a number or a string.
	Img ImageID `json:"img"`
}

type ImageRecord struct {
	ImPath   string    `json:"im_path"`
	Captions []Caption `json:"captions"`
}

type Caption struct {
	Embd string `json:"embd"`
}

// ImageID is an image key normalized to its string form.
type ImageID string

func (id *ImageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ImageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("img: want a number or a string, got %s", data)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*id = ImageID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ImageID(n.String())
	return nil
}

// IndexError reports a dataset index that does not resolve.
type IndexError struct {
	Index   int
	Len     int
	ImageID string // set when the image id is missing from the image map
}

func (e *IndexError) Error() string {
	if e.ImageID != "" {
		return fmt.Sprintf("index %d: image %q not in the image map", e.Index, e.ImageID)
	}
	return fmt.Sprintf("index %d out of range for %d annotations", e.Index, e.Len)
}

// Load reads <dataPath>/dataset.json.
func Load(dataPath string) (*Index, error) {
	path := filepath.Join(dataPath, IndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset index: %w", err)
	}
	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("dataset index %s: %w", path, err)
	}
	return &ix, nil
}

func (ix *Index) Len() int { return len(ix.Annotations) }

// Record is one resolved annotation with paths joined to the data path.
type Record struct {
	Index     int
	ImageID   string
	ScanPath  string
	ImagePath string
	Captions  []string
}

// Resolve looks up annotation i. Negative indices, indices at or past the
// end, and image ids missing from the image map fail with *IndexError.
func (ix *Index) Resolve(dataPath string, i int) (*Record, error) {
	if i < 0 || i >= len(ix.Annotations) {
		return nil, &IndexError{Index: i, Len: len(ix.Annotations)}
	}
	a := ix.Annotations[i]
	img, ok := ix.Images[string(a.Img)]
	if !ok {
		return nil, &IndexError{Index: i, Len: len(ix.Annotations), ImageID: string(a.Img)}
	}
	rec := &Record{
		Index:     i,
		ImageID:   string(a.Img),
		ScanPath:  filepath.Join(dataPath, a.Beta),
		ImagePath: filepath.Join(dataPath, img.ImPath),
	}
	for _, c := range img.Captions {
		rec.Captions = append(rec.Captions, filepath.Join(dataPath, c.Embd))
	}
	return rec, nil
}

// LoadScan reads the scan features as float32.
func (r *Record) LoadScan() (*tensor.Tensor, error) {
	t, err := tensor.LoadNpy(r.ScanPath)
	if err != nil {
		return nil, fmt.Errorf("scan features: %w", err)
	}
	return t, nil
}

// LoadCaptionEmbedding reads caption embedding k as [1, T, D].
func (r *Record) LoadCaptionEmbedding(k int) (*tensor.Tensor, error) {
	if k < 0 || k >= len(r.Captions) {
		return nil, fmt.Errorf("image %s: caption %d of %d", r.ImageID, k, len(r.Captions))
	}
	t, err := tensor.LoadNpy(r.Captions[k])
	if err != nil {
		return nil, fmt.Errorf("caption embedding: %w", err)
	}
	switch t.Dims() {
	case 2:
		return tensor.Unsqueeze(t), nil
	case 3:
		if t.Shape[0] == 1 {
			return t, nil
		}
	}
	return nil, fmt.Errorf("caption embedding %s: shape %v, want [T, D]", r.Captions[k], t.Shape)
}
