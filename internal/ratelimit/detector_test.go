package ratelimit

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		body         string
		wantDetected bool
		wantCode     string
		wantCategory ErrorCategory
	}{
		{
			name:       "clean page",
			statusCode: 200,
			body:       "<html><body>Welcome to our store</body></html>",
		},
		{
			name:         "http 429",
			statusCode:   429,
			body:         "",
			wantDetected: true,
			wantCode:     "HTTP_429",
			wantCategory: CategoryRateLimit,
		},
		{
			name:         "http 503",
			statusCode:   503,
			body:         "",
			wantDetected: true,
			wantCode:     "HTTP_503",
			wantCategory: CategoryRateLimit,
		},
		{
			name:         "cloudflare 1015",
			statusCode:   200,
			body:         "<span>Error</span> <span>code: 1015</span> You are being rate limited",
			wantDetected: true,
			wantCode:     "CF_1015",
			wantCategory: CategoryRateLimit,
		},
		{
			name:         "cloudflare 1020",
			statusCode:   403,
			body:         "Error code: 1020 Access denied",
			wantDetected: true,
			wantCode:     "CF_1020",
			wantCategory: CategoryAccessDenied,
		},
		{
			name:         "cloudflare geo block",
			statusCode:   403,
			body:         "Error code: 1009 The country you are accessing from is not allowed",
			wantDetected: true,
			wantCode:     "CF_1009",
			wantCategory: CategoryGeoBlocked,
		},
		{
			name:         "generic rate limit text",
			statusCode:   200,
			body:         "Rate limit exceeded, slow down",
			wantDetected: true,
			wantCode:     "RATE_LIMITED",
			wantCategory: CategoryRateLimit,
		},
		{
			name:         "captcha challenge",
			statusCode:   200,
			body:         `<div class="g-recaptcha" data-sitekey="x"></div>`,
			wantDetected: true,
			wantCode:     "CAPTCHA_REQUIRED",
			wantCategory: CategoryCaptcha,
		},
		{
			name:         "cloudflare 403 without code",
			statusCode:   403,
			body:         "Attention required | Cloudflare",
			wantDetected: true,
			wantCode:     "CF_403",
			wantCategory: CategoryAccessDenied,
		},
		{
			name:       "plain 403",
			statusCode: 403,
			body:       "Forbidden",
		},
		{
			name:         "body overrides status",
			statusCode:   429,
			body:         "Error code: 1015",
			wantDetected: true,
			wantCode:     "CF_1015",
			wantCategory: CategoryRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Detect(tt.statusCode, tt.body)
			if info.Detected != tt.wantDetected {
				t.Fatalf("Detected = %v, want %v", info.Detected, tt.wantDetected)
			}
			if !tt.wantDetected {
				return
			}
			if info.ErrorCode != tt.wantCode {
				t.Errorf("ErrorCode = %q, want %q", info.ErrorCode, tt.wantCode)
			}
			if info.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", info.Category, tt.wantCategory)
			}
		})
	}
}

func TestDetectTruncatesLargeBody(t *testing.T) {
	// The signal buried past the truncation limit must not match.
	pad := make([]byte, maxBodyLenForRegex)
	for i := range pad {
		pad[i] = 'a'
	}
	body := string(pad) + "rate limit"

	if info := Detect(200, body); info.Detected {
		t.Errorf("Detect matched past the truncation limit: %+v", info)
	}
}

func TestDetectZeroValueMarshalsClean(t *testing.T) {
	info := Detect(200, "ok")
	if info.Detected || info.ErrorCode != "" || info.SuggestedDelay != 0 {
		t.Errorf("clean page produced non-zero Info: %+v", info)
	}
}
