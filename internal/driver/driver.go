// Package driver defines the browser driver capability and its go-rod
// implementation. The driver is the only component that touches the live
// browser session.
package driver

import (
	"context"
	"fmt"
	"strings"
)

// Driver is the set of page primitives the relay consumes. Each call may
// block until the page responds or ctx is done.
type Driver interface {
	// Navigate loads url and returns the URL the page settled on.
	Navigate(ctx context.Context, url string) (string, error)
	// ExecuteScript evaluates a JavaScript expression. ok is false when the
	// expression produced null or undefined.
	ExecuteScript(ctx context.Context, expr string) (result string, ok bool, err error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// QuoteJS renders s as a JavaScript string literal.
func QuoteJS(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\u2028", `\u2028`, "\u2029", `\u2029`)
	return "'" + r.Replace(s) + "'"
}

// ElementExistsJS returns an expression that is true when selector matches.
func ElementExistsJS(selector string) string {
	return fmt.Sprintf("document.querySelector(%s) !== null", QuoteJS(selector))
}

// ElementVisibleJS returns an expression that is true when selector matches a
// rendered element with a non-empty box.
func ElementVisibleJS(selector string) string {
	return fmt.Sprintf(`(function(){const el=document.querySelector(%s);if(!el)return false;`+
		`const r=el.getBoundingClientRect();const s=getComputedStyle(el);`+
		`return r.width>0&&r.height>0&&s.visibility!=='hidden'&&s.display!=='none';})()`, QuoteJS(selector))
}

// TextJS returns an expression yielding the innerText of the first match, or
// null when nothing matches.
func TextJS(selector string) string {
	return fmt.Sprintf("(function(){const el=document.querySelector(%s);return el?el.innerText:null;})()", QuoteJS(selector))
}

// DOMJS returns an expression yielding the serialized document.
const DOMJS = "document.documentElement.outerHTML"
