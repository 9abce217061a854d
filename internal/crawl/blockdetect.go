package crawl

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot interstitial detected.
type BlockType string

const (
	BlockNone         BlockType = ""
	BlockInterstitial BlockType = "interstitial"
	BlockCaptcha      BlockType = "captcha"
	BlockJSShell      BlockType = "js_shell"
)

// DetectBlock checks an HTTP response for signs of anti-bot protection.
// Blocked pages are soft failures: the fetch chain advances to the next
// strategy instead of staging interstitial text as page content.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if resp.StatusCode == 403 || resp.StatusCode == 503 {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, BlockInterstitial
		}
		if resp.Header.Get("server") == "cloudflare" {
			return true, BlockInterstitial
		}
	}

	lower := strings.ToLower(string(body))

	// Challenge page markers.
	if strings.Contains(lower, "verifying your connection") ||
		strings.Contains(lower, "security check") ||
		strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") {
		return true, BlockInterstitial
	}

	if strings.Contains(lower, "captcha") {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
