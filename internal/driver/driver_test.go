package driver

import (
	"strings"
	"testing"
	"time"
)

func TestQuoteJS(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"#comment", `'#comment'`},
		{"a'b", `'a\'b'`},
		{`back\slash`, `'back\\slash'`},
		{"two\nlines", `'two\nlines'`},
	}
	for _, tt := range tests {
		if got := QuoteJS(tt.in); got != tt.want {
			t.Errorf("QuoteJS(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestElementExistsJS_QuotesSelector(t *testing.T) {
	got := ElementExistsJS(`div[data-id='7']`)
	if !strings.Contains(got, `'div[data-id=\'7\']'`) {
		t.Errorf("selector not escaped: %s", got)
	}
}

func TestNewRodDriver_Defaults(t *testing.T) {
	d := NewRodDriver(RodOptions{})
	if d.opts.NavigationTimeout != 30*time.Second {
		t.Errorf("NavigationTimeout = %v, want 30s", d.opts.NavigationTimeout)
	}
	if _, err := d.currentPage(); err == nil {
		t.Error("expected not-ready error before Connect")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close on unconnected driver: %v", err)
	}
}
