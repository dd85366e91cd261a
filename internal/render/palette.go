package render

import (
	"github.com/johnfercher/maroto/v2/pkg/props"

	"invoice-agent/internal/domain"
)

// Palette holds the document colours.
type Palette struct {
	Primary      props.Color
	HeaderFill   props.Color
	AlternateRow props.Color
	Text         props.Color
	TextLight    props.Color
}

const defaultProColor = "purple"

var (
	inkColor   = props.Color{Red: 0x1a, Green: 0x20, Blue: 0x2c}
	mutedColor = props.Color{Red: 0x71, Green: 0x80, Blue: 0x96}

	freePalette = Palette{
		Primary:      props.Color{Red: 0x2d, Green: 0x37, Blue: 0x48},
		HeaderFill:   props.Color{Red: 0x1e, Green: 0x29, Blue: 0x3b},
		AlternateRow: props.Color{Red: 0xf7, Green: 0xfa, Blue: 0xfc},
		Text:         inkColor,
		TextLight:    mutedColor,
	}

	proPalettes = map[string]Palette{
		"purple": proPalette(props.Color{Red: 0x6b, Green: 0x46, Blue: 0xc1}, props.Color{Red: 0xfa, Green: 0xf5, Blue: 0xff}),
		"blue":   proPalette(props.Color{Red: 0x3b, Green: 0x82, Blue: 0xf6}, props.Color{Red: 0xef, Green: 0xf6, Blue: 0xff}),
		"green":  proPalette(props.Color{Red: 0x10, Green: 0xb9, Blue: 0x81}, props.Color{Red: 0xec, Green: 0xfd, Blue: 0xf5}),
		"orange": proPalette(props.Color{Red: 0xf5, Green: 0x9e, Blue: 0x0b}, props.Color{Red: 0xff, Green: 0xfb, Blue: 0xeb}),
		"red":    proPalette(props.Color{Red: 0xef, Green: 0x44, Blue: 0x44}, props.Color{Red: 0xfe, Green: 0xf2, Blue: 0xf2}),
	}
)

func proPalette(primary, alternate props.Color) Palette {
	return Palette{
		Primary:      primary,
		HeaderFill:   primary,
		AlternateRow: alternate,
		Text:         inkColor,
		TextLight:    mutedColor,
	}
}

// PaletteFor picks the colours for sub. Free users always get the neutral
// palette; pro users get their chosen colour, or purple when it is unknown.
func PaletteFor(sub domain.Subscription) Palette {
	if sub.Tier != domain.TierPro {
		return freePalette
	}
	if p, ok := proPalettes[sub.InvoiceColor]; ok {
		return p
	}
	return proPalettes[defaultProColor]
}
