package llms

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/masworks/chorus/pkg/httpclient"
)

// convertMultimodal fetches remote image and video parts and inlines them as
// base64 data URIs. Images above the pixel ceiling are downscaled
// proportionally; videos above the size cap keep their raw URL.
func convertMultimodal(ctx context.Context, client *httpclient.Client, messages []map[string]any, maxPixels int, maxVideoBytes int64) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		parts, ok := msg["content"].([]any)
		if !ok {
			out = append(out, msg)
			continue
		}
		newParts := make([]any, 0, len(parts))
		for _, raw := range parts {
			part, ok := raw.(map[string]any)
			if !ok {
				newParts = append(newParts, raw)
				continue
			}
			converted, err := convertPart(ctx, client, part, maxPixels, maxVideoBytes)
			if err != nil {
				return nil, err
			}
			newParts = append(newParts, converted)
		}
		copied := make(map[string]any, len(msg))
		for k, v := range msg {
			copied[k] = v
		}
		copied["content"] = newParts
		out = append(out, copied)
	}
	return out, nil
}

func convertPart(ctx context.Context, client *httpclient.Client, part map[string]any, maxPixels int, maxVideoBytes int64) (map[string]any, error) {
	switch part["type"] {
	case "image_url":
		url := partURL(part, "image_url")
		if url == "" || strings.HasPrefix(url, "data:") {
			return part, nil
		}
		data, err := fetch(ctx, client, url)
		if err != nil {
			return nil, fmt.Errorf("fetching image %s: %w", url, err)
		}
		encoded, mime, err := encodeImage(data, maxPixels)
		if err != nil {
			return nil, fmt.Errorf("encoding image %s: %w", url, err)
		}
		return withPartURL(part, "image_url", "data:"+mime+";base64,"+encoded), nil

	case "video_url":
		url := partURL(part, "video_url")
		if url == "" || strings.HasPrefix(url, "data:") {
			return part, nil
		}
		data, err := fetch(ctx, client, url)
		if err != nil {
			return nil, fmt.Errorf("fetching video %s: %w", url, err)
		}
		if int64(len(data)) > maxVideoBytes {
			// Too large to inline; the provider fetches it itself.
			return part, nil
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		return withPartURL(part, "video_url", "data:video/mp4;base64,"+encoded), nil

	default:
		return part, nil
	}
}

func partURL(part map[string]any, key string) string {
	switch v := part[key].(type) {
	case string:
		return v
	case map[string]any:
		if url, ok := v["url"].(string); ok {
			return url
		}
	}
	return ""
}

func withPartURL(part map[string]any, key, url string) map[string]any {
	out := make(map[string]any, len(part))
	for k, v := range part {
		out[k] = v
	}
	if nested, ok := part[key].(map[string]any); ok {
		copied := make(map[string]any, len(nested))
		for k, v := range nested {
			copied[k] = v
		}
		copied["url"] = url
		out[key] = copied
	} else {
		out[key] = url
	}
	return out
}

func fetch(ctx context.Context, client *httpclient.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// encodeImage base64-encodes the image, downscaling first when it exceeds
// the pixel ceiling. Undecodable data passes through unscaled.
func encodeImage(data []byte, maxPixels int) (string, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return base64.StdEncoding.EncodeToString(data), "image/png", nil
	}

	bounds := img.Bounds()
	pixels := bounds.Dx() * bounds.Dy()
	if maxPixels > 0 && pixels > maxPixels {
		scale := math.Sqrt(float64(maxPixels) / float64(pixels))
		img = downscale(img, scale)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return "", "", err
		}
		return base64.StdEncoding.EncodeToString(buf.Bytes()), "image/jpeg", nil
	}
	return base64.StdEncoding.EncodeToString(data), "image/" + format, nil
}

// downscale is a nearest-neighbour proportional resize.
func downscale(img image.Image, scale float64) image.Image {
	bounds := img.Bounds()
	w := int(float64(bounds.Dx()) * scale)
	h := int(float64(bounds.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcY := bounds.Min.Y + y*bounds.Dy()/h
		for x := 0; x < w; x++ {
			srcX := bounds.Min.X + x*bounds.Dx()/w
			out.Set(x, y, img.At(srcX, srcY))
		}
	}
	return out
}
