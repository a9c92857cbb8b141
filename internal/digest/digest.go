package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Domain prefixes for content-addressed identity. The version suffix
// allows the algorithm to change without colliding with stored digests.
const (
	DomainFrame = "compval/frame/v1"
	DomainLayer = "compval/layer/v1"
)

// CropScale is the fixed-point factor applied to crop coordinates.
const CropScale = 1000

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Layer is the digest-relevant view of one submitted layer. Pixel content
// is represented by the buffer handle and its content generation.
type Layer struct {
	Name        string
	Handle      uint64
	Generation  uint64
	Composition string
	Format      string
	Crop        [4]float64
	Frame       [4]int
	Transform   int
	Blend       string
	Alpha       int
	Skip        bool
}

func (l Layer) object() Object {
	crop := make(Array, 4)
	for i, v := range l.Crop {
		crop[i] = int64(math.Round(v * CropScale))
	}
	frame := make(Array, 4)
	for i, v := range l.Frame {
		frame[i] = v
	}
	return Object{
		"name":        l.Name,
		"handle":      l.Handle,
		"generation":  l.Generation,
		"composition": l.Composition,
		"format":      l.Format,
		"crop":        crop,
		"frame":       frame,
		"transform":   l.Transform,
		"blend":       l.Blend,
		"alpha":       l.Alpha,
		"skip":        l.Skip,
	}
}

// LayerID returns the digest of a single layer.
func LayerID(l Layer) (string, error) {
	data, err := Marshal(l.object())
	if err != nil {
		return "", fmt.Errorf("LayerID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainLayer, data), nil
}

// FrameID returns the digest of one display's submitted content, in
// Z-order.
func FrameID(display int, layers []Layer) (string, error) {
	arr := make(Array, len(layers))
	for i, l := range layers {
		arr[i] = l.object()
	}
	data, err := Marshal(Object{"display": display, "layers": arr})
	if err != nil {
		return "", fmt.Errorf("FrameID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainFrame, data), nil
}

// MustFrameID is like FrameID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFrameID(display int, layers []Layer) string {
	id, err := FrameID(display, layers)
	if err != nil {
		panic(err)
	}
	return id
}
