package backend

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
)

// IoU returns the intersection over union of two boxes.
func IoU(a, b detection.Box) float32 {
	ix1, iy1 := max(a.X1, b.X1), max(a.Y1, b.Y1)
	ix2, iy2 := min(a.X2, b.X2), min(a.Y2, b.Y2)
	inter := max(0, ix2-ix1) * max(0, iy2-iy1)
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppression drops detections below conf, then greedily keeps the
// highest-confidence box of each class and suppresses same-class boxes
// overlapping it by more than iou. At most maxDet detections are returned,
// sorted by descending confidence. maxDet <= 0 means no limit.
func NonMaxSuppression(dets []detection.Detection, conf, iou float32, maxDet int) []detection.Detection {
	candidates := make([]detection.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= conf {
			candidates = append(candidates, d)
		}
	}

	slices.SortStableFunc(candidates, func(a, b detection.Detection) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		default:
			return 0
		}
	})

	kept := make([]detection.Detection, 0, len(candidates))
	suppressed := make([]bool, len(candidates))
	for i, d := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, d)
		if maxDet > 0 && len(kept) == maxDet {
			break
		}
		for j := i + 1; j < len(candidates); j++ {
			if !suppressed[j] && candidates[j].ClassID == d.ClassID && IoU(d.Box, candidates[j].Box) > iou {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// ApplyLabels fills Label from labels by class id where it is empty.
func ApplyLabels(dets []detection.Detection, labels []string) {
	for i := range dets {
		if dets[i].Label == "" && dets[i].ClassID >= 0 && dets[i].ClassID < len(labels) {
			dets[i].Label = labels[dets[i].ClassID]
		}
	}
}

// LoadLabels reads one label per line, skipping blank lines. An empty path
// yields no labels.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path) //nolint:gosec // label path comes from config
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open label file: %w", err)).
			Component("backend").
			Category(errors.CategoryLabelLoad).
			FileContext(path, 0).
			Build()
	}
	defer func() { _ = file.Close() }()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryLabelLoad).
			Context("operation", "scan_labels").
			Build()
	}
	return labels, nil
}
