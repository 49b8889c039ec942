package browser

import (
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockable drops image blocking from the configured list: the login
// challenge is rendered as an image.
func blockable(types []string, logger *slog.Logger) []string {
	var out []string
	for _, t := range types {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "image", "images":
			logger.Warn("browser: image blocking ignored, the login challenge is an image")
		case "":
		default:
			out = append(out, t)
		}
	}
	return out
}

// applyResourceBlocking sets up request interception to block the given
// resource types (fonts, media, stylesheets).
func applyResourceBlocking(page *rod.Page, types []string) error {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	if err := router.Add("*", "", func(ctx *rod.Hijack) {
		if shouldBlock(blockSet, string(ctx.Request.Type())) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	}); err != nil {
		return err
	}
	go router.Run()
	return nil
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return false
	case "font":
		return blockSet["fonts"] || blockSet["font"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"] || blockSet["stylesheet"]
	}
	return blockSet[lower]
}
