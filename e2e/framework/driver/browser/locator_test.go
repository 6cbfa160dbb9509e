package browser

import (
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarai/scholarai/e2e/framework/driver"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Locator
	}{
		{"css default", "button[type=submit]", Locator{Kind: KindCSS, Expr: "button[type=submit]"}},
		{"css prefix", "css=.paper-card", Locator{Kind: KindCSS, Expr: ".paper-card"}},
		{"xpath", "xpath=//h1", Locator{Kind: KindXPath, Expr: "//h1"}},
		{"text", "text=Sign in", Locator{Kind: KindXPath, Expr: `//*[contains(normalize-space(.), "Sign in")][not(.//*[contains(normalize-space(.), "Sign in")])]`}},
		{"text with double quote", `text=Say "hi"`, Locator{Kind: KindXPath, Expr: `//*[contains(normalize-space(.), 'Say "hi"')][not(.//*[contains(normalize-space(.), 'Say "hi"')])]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocator(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLocatorInvalid(t *testing.T) {
	for _, raw := range []string{"", "  ", "text=", "xpath=", "css=", `text=it's "x"`} {
		_, err := ParseLocator(raw)
		assert.ErrorIs(t, err, driver.ErrInvalidLocator, raw)
	}
}

func TestLocatorScripts(t *testing.T) {
	css, err := ParseLocator("#results .card")
	require.NoError(t, err)
	assert.Equal(t, `Array.from(document.querySelectorAll("#results .card"))`, css.ElementsJS())
	assert.Contains(t, countScript(css), ".length")

	xp, err := ParseLocator("xpath=//li")
	require.NoError(t, err)
	assert.Contains(t, xp.ElementsJS(), `document.evaluate("//li"`)
	assert.Contains(t, attributeScript(xp, "data-id"), `hasAttribute("data-id")`)
}

func TestClassifySyntaxError(t *testing.T) {
	err := classify(assert.AnError)
	assert.Equal(t, assert.AnError, err)
	assert.NoError(t, classify(nil))

	err = classify(errorString("exception \"Uncaught\" (0:0): SyntaxError: '##' is not a valid selector"))
	assert.ErrorIs(t, err, driver.ErrInvalidLocator)
}

func TestQueryOption(t *testing.T) {
	assert.NotNil(t, Locator{Kind: KindCSS}.QueryOption())
	assert.NotNil(t, Locator{Kind: KindXPath}.QueryOption())
	var _ chromedp.QueryOption = Locator{}.QueryOption()
}

type errorString string

func (e errorString) Error() string { return string(e) }
