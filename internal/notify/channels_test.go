package notify

import (
	"testing"
	"time"
)

func TestWhatsAppRetryBackoffReachesFourSeconds(t *testing.T) {
	cfg := whatsappRetryConfig
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay != 1*time.Second {
		t.Fatalf("expected 1s base delay, got %s", cfg.BaseDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Fatalf("expected 30s cap, got %s", cfg.MaxDelay)
	}

	// Doubling from the base, the third retry must land at the 4s step.
	delay := cfg.BaseDelay
	for i := 1; i < cfg.MaxRetries; i++ {
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	if delay != 4*time.Second {
		t.Fatalf("expected final backoff step of 4s, got %s", delay)
	}
}
