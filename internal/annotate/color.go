package annotate

import "image/color"

// palette is the 20-colour cycle used for class ids.
var palette = []color.NRGBA{
	{0x04, 0x2A, 0xFF, 0xFF}, {0x0B, 0xDB, 0xEB, 0xFF}, {0xF3, 0xF3, 0xF3, 0xFF}, {0x00, 0xDF, 0xB7, 0xFF},
	{0x11, 0x1F, 0x68, 0xFF}, {0xFF, 0x6F, 0xDD, 0xFF}, {0xFF, 0x44, 0x4F, 0xFF}, {0xCC, 0xED, 0x00, 0xFF},
	{0x00, 0xF3, 0x44, 0xFF}, {0xBD, 0x00, 0xFF, 0xFF}, {0x00, 0xB4, 0xFF, 0xFF}, {0xDD, 0x00, 0xBA, 0xFF},
	{0x00, 0xFF, 0xFF, 0xFF}, {0x26, 0xC0, 0x00, 0xFF}, {0x01, 0xFF, 0xB3, 0xFF}, {0x7D, 0x24, 0xFF, 0xFF},
	{0x7B, 0x00, 0x68, 0xFF}, {0xFF, 0x1B, 0x6C, 0xFF}, {0xFC, 0x6D, 0x2F, 0xFF}, {0xA2, 0xFF, 0x0B, 0xFF},
}

// ClassColor returns the box colour for a class id.
func ClassColor(classID int) color.NRGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// TextColor picks black or white text for legibility on bg.
func TextColor(bg color.NRGBA) color.NRGBA {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 128 {
		return color.NRGBA{A: 0xFF}
	}
	return color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
}
