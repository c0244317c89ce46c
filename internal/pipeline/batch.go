package pipeline

import "github.com/tphakala/detectpipe/internal/imagebuf"

// Batch is an order-preserving group of images submitted to the backend in
// one call. Indices holds the original position of each image and is
// strictly increasing.
type Batch struct {
	Seq     int
	Images  []*imagebuf.Image
	Indices []int
}

// Len returns the number of images in the batch.
func (b Batch) Len() int { return len(b.Images) }

// BatchCount returns ceil(n/size), or 0 when n or size is not positive.
func BatchCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Assemble partitions images into batches of size, the last one possibly
// shorter. The image pointers are shared with the input slice; callers that
// need ownership transfer clear the input afterwards.
func Assemble(images []*imagebuf.Image, size int) []Batch {
	count := BatchCount(len(images), size)
	batches := make([]Batch, 0, count)
	for seq := range count {
		start := seq * size
		end := min(start+size, len(images))
		b := Batch{
			Seq:     seq,
			Images:  make([]*imagebuf.Image, 0, end-start),
			Indices: make([]int, 0, end-start),
		}
		for i := start; i < end; i++ {
			b.Images = append(b.Images, images[i])
			b.Indices = append(b.Indices, i)
		}
		batches = append(batches, b)
	}
	return batches
}
