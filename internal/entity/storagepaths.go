package entity

import (
	"fmt"
	"path"
	"strings"
)

// versionExt mirrors original_source's paths.py _VERSION_EXTENSIONS table.
var versionExt = map[string]string{
	"coloring": "png",
	"svg":      "svg",
}

// OriginalImageKey is orders/{order_id}/items/{position}/original/image_{position}.{ext}
// (spec.md §6.3). ext defaults to "jpg" when the source URL carries no usable
// extension, matching original_source's default.
func OriginalImageKey(orderID string, lineItem LineItem, image Image, sourceURL string) string {
	ext := extensionFromURL(sourceURL)
	return fmt.Sprintf("orders/%s/items/%d/original/%s", orderID, lineItem.Position, imageFilename(image, ext))
}

// ColoringVersionKey is orders/{order_id}/items/{pos}/coloring/v{ver}/image_{pos}.png
func ColoringVersionKey(orderID string, lineItem LineItem, image Image, version int) string {
	return versionKey(orderID, lineItem, image, "coloring", version)
}

// SvgVersionKey is orders/{order_id}/items/{pos}/svg/v{ver}/image_{pos}.svg
func SvgVersionKey(orderID string, lineItem LineItem, image Image, version int) string {
	return versionKey(orderID, lineItem, image, "svg", version)
}

func versionKey(orderID string, lineItem LineItem, image Image, versionType string, version int) string {
	ext := versionExt[versionType]
	return fmt.Sprintf("orders/%s/items/%d/%s/v%d/%s", orderID, lineItem.Position, versionType, version, imageFilename(image, ext))
}

func imageFilename(image Image, ext string) string {
	return fmt.Sprintf("image_%d.%s", image.Position, ext)
}

func extensionFromURL(sourceURL string) string {
	ext := strings.TrimPrefix(path.Ext(sourceURL), ".")
	if idx := strings.IndexAny(ext, "?#"); idx >= 0 {
		ext = ext[:idx]
	}
	if ext == "" {
		return "jpg"
	}
	return ext
}
