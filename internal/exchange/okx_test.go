package exchange

import (
	"errors"
	"math"
	"testing"

	"coinpilot/internal/model"
)

func TestParseFills(t *testing.T) {
	data := []byte(`[
		{"instId":"BTC-USDT","ordId":"1","fillPx":"100.5","fillSz":"0.2"},
		{"instId":"BTC-USDT","ordId":"1","fillPx":"101","fillSz":"0.3"}
	]`)
	fills, err := parseFills(data)
	if err != nil {
		t.Fatalf("parseFills: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].Price != 100.5 || fills[0].Volume != 0.2 {
		t.Fatalf("first fill = %+v", fills[0])
	}

	vwap := model.VWAP(fills)
	want := (100.5*0.2 + 101*0.3) / 0.5
	if math.Abs(vwap-want) > 1e-9 {
		t.Fatalf("vwap = %v, want %v", vwap, want)
	}
}

func TestParseFillsEmpty(t *testing.T) {
	fills, err := parseFills([]byte(`[]`))
	if err != nil {
		t.Fatalf("parseFills: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("fills = %v, want empty", fills)
	}
	// 无成交时均价未知
	if !math.IsNaN(model.VWAP(fills)) {
		t.Fatal("vwap of no fills should be NaN")
	}
}

func TestParseFillsMalformed(t *testing.T) {
	if _, err := parseFills([]byte(`{"not":"an array"}`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestWrapErrRateLimited(t *testing.T) {
	cases := []string{
		"http response code: 429",
		"Too Many Requests",
		"okx error 50011",
	}
	for _, msg := range cases {
		err := wrapErr("GetTicker", errors.New(msg))
		if !errors.Is(err, ErrRateLimited) {
			t.Errorf("wrapErr(%q) should classify as rate limited, got %v", msg, err)
		}
	}
	if errors.Is(wrapErr("GetTicker", errors.New("insufficient balance")), ErrRateLimited) {
		t.Error("generic error must not be classified as rate limited")
	}
}
